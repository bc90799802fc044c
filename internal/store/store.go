// Package store persists the laboratory's durable state: agents,
// scanner versions, content-addressed execution templates, backtests,
// iterations, accumulated knowledge, and the paper-trading ledger. One
// SQLite database holds everything; the bar store lives separately so
// market data and lab state can be backed up independently.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a uniqueness rule is violated.
	ErrConflict = errors.New("store: conflict")
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
    id                     TEXT PRIMARY KEY,
    name                   TEXT NOT NULL,
    instructions           TEXT NOT NULL,
    risk_tolerance         TEXT NOT NULL DEFAULT 'moderate',
    trading_style          TEXT NOT NULL DEFAULT '',
    status                 TEXT NOT NULL DEFAULT 'learning',
    discovery_mode         INTEGER NOT NULL DEFAULT 0,
    allow_multiple_signals INTEGER NOT NULL DEFAULT 0,
    created_at             TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scanner_versions (
    id                TEXT PRIMARY KEY,
    agent_id          TEXT NOT NULL REFERENCES agents(id),
    version_number    INTEGER NOT NULL,
    name              TEXT NOT NULL,
    code              TEXT NOT NULL,
    model_tag         TEXT NOT NULL DEFAULT '',
    generation_prompt TEXT NOT NULL DEFAULT '',
    created_at        TEXT NOT NULL,
    UNIQUE (agent_id, version_number)
);

CREATE TABLE IF NOT EXISTS execution_templates (
    id            TEXT PRIMARY KEY,
    code_hash     TEXT NOT NULL UNIQUE,
    template_name TEXT NOT NULL,
    code          TEXT NOT NULL,
    created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS backtests (
    id                    TEXT PRIMARY KEY,
    scanner_version_id    TEXT NOT NULL DEFAULT '',
    start_date            TEXT NOT NULL,
    end_date              TEXT NOT NULL,
    tickers               TEXT NOT NULL,           -- JSON array
    execution_template_id TEXT NOT NULL DEFAULT '',
    signals               TEXT NOT NULL DEFAULT '[]',
    trades                TEXT NOT NULL DEFAULT '[]',
    scores                TEXT NOT NULL DEFAULT '[]',
    winner                TEXT NOT NULL DEFAULT '',
    ticker_stats          TEXT NOT NULL DEFAULT '[]',
    status                TEXT NOT NULL,
    error                 TEXT NOT NULL DEFAULT '',
    created_at            TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS iterations (
    id                 TEXT PRIMARY KEY,
    agent_id           TEXT NOT NULL REFERENCES agents(id),
    iteration_number   INTEGER NOT NULL,
    scanner_version_id TEXT NOT NULL DEFAULT '',
    backtest_id        TEXT NOT NULL DEFAULT '',
    analysis           TEXT NOT NULL DEFAULT '',
    refinements        TEXT NOT NULL DEFAULT '[]',
    status             TEXT NOT NULL,
    signals_found      INTEGER NOT NULL DEFAULT 0,
    trades_executed    INTEGER NOT NULL DEFAULT 0,
    win_rate           REAL NOT NULL DEFAULT 0,
    sharpe_ratio       REAL NOT NULL DEFAULT 0,
    total_return       REAL NOT NULL DEFAULT 0,
    failure_reasons    TEXT NOT NULL DEFAULT '[]',
    created_at         TEXT NOT NULL,
    UNIQUE (agent_id, iteration_number)
);

CREATE TABLE IF NOT EXISTS agent_knowledge (
    id                     TEXT PRIMARY KEY,
    agent_id               TEXT NOT NULL REFERENCES agents(id),
    knowledge_type         TEXT NOT NULL,
    pattern_type           TEXT NOT NULL DEFAULT '',
    insight_text           TEXT NOT NULL,
    canonical_insight      TEXT NOT NULL,
    supporting_data        TEXT NOT NULL DEFAULT '',
    confidence             REAL NOT NULL,
    learned_from_iteration TEXT NOT NULL DEFAULT '',
    times_validated        INTEGER NOT NULL DEFAULT 1,
    last_validated         TEXT NOT NULL,
    UNIQUE (agent_id, knowledge_type, pattern_type, canonical_insight)
);

CREATE TABLE IF NOT EXISTS paper_accounts (
    id              TEXT PRIMARY KEY,
    agent_id        TEXT NOT NULL UNIQUE REFERENCES agents(id),
    initial_balance REAL NOT NULL,
    cash            REAL NOT NULL,
    equity          REAL NOT NULL,
    buying_power    REAL NOT NULL,
    realized_pnl    REAL NOT NULL DEFAULT 0,
    created_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_positions (
    account_id      TEXT NOT NULL REFERENCES paper_accounts(id),
    ticker          TEXT NOT NULL,
    quantity        INTEGER NOT NULL,
    avg_entry_price REAL NOT NULL,
    current_price   REAL NOT NULL,
    unrealized_pnl  REAL NOT NULL DEFAULT 0,
    high_water_mark REAL NOT NULL DEFAULT 0,
    low_water_mark  REAL NOT NULL DEFAULT 0,
    opened_at       TEXT NOT NULL,
    PRIMARY KEY (account_id, ticker)
);

CREATE TABLE IF NOT EXISTS paper_orders (
    id             TEXT PRIMARY KEY,
    account_id     TEXT NOT NULL REFERENCES paper_accounts(id),
    ticker         TEXT NOT NULL,
    side           TEXT NOT NULL,
    type           TEXT NOT NULL,
    quantity       INTEGER NOT NULL,
    limit_price    REAL NOT NULL DEFAULT 0,
    stop_price     REAL NOT NULL DEFAULT 0,
    status         TEXT NOT NULL,
    status_message TEXT NOT NULL DEFAULT '',
    stop_triggered INTEGER NOT NULL DEFAULT 0,
    fill_price     REAL NOT NULL DEFAULT 0,
    tag            TEXT NOT NULL DEFAULT '',
    placed_at      TEXT NOT NULL,
    updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS paper_trades (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id  TEXT NOT NULL REFERENCES paper_accounts(id),
    ticker      TEXT NOT NULL,
    signal_date TEXT NOT NULL DEFAULT '',
    signal_time TEXT NOT NULL DEFAULT '',
    direction   TEXT NOT NULL,
    entry_time  TEXT NOT NULL,
    entry_price REAL NOT NULL,
    exit_time   TEXT NOT NULL,
    exit_price  REAL NOT NULL,
    quantity    INTEGER NOT NULL,
    pnl         REAL NOT NULL,
    pnl_pct     REAL NOT NULL,
    exit_reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS equity_snapshots (
    account_id TEXT NOT NULL REFERENCES paper_accounts(id),
    date       TEXT NOT NULL,
    equity     REAL NOT NULL,
    cash       REAL NOT NULL,
    taken_at   TEXT NOT NULL,
    PRIMARY KEY (account_id, date)
);
`

// Store is the SQLite-backed lab state store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the state database and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.Open: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// marshalJSON encodes a value for a JSON text column; nil slices encode
// as empty arrays so columns stay non-null.
func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func unmarshalJSON(data string, v interface{}) {
	if data == "" {
		return
	}
	_ = json.Unmarshal([]byte(data), v)
}
