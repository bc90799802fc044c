// Package worker hosts scanner code behind the line-delimited JSON
// protocol: a long-lived worker prints READY, accepts one scan request
// per line, answers with one response line followed by READY, and is
// reused across bars. The worker's only read surface is the snapshot
// path carried in the request, which contains nothing after the current
// bar — look-ahead is impossible by construction.
//
// Two implementations exist: Subprocess (any language, over stdio) and
// Func (in-process, used by tests and the built-in scanners).
package worker

import (
	"context"
	"errors"

	"github.com/quantmill/tradelab/pkg/models"
)

var (
	// ErrCrashed is returned when the worker process exited before
	// answering; the in-flight request fails and the engine must respawn.
	ErrCrashed = errors.New("worker: crashed")
	// ErrTimeout is returned when a request exceeds its deadline.
	ErrTimeout = errors.New("worker: scan request timed out")
	// ErrProtocol is returned on malformed worker output.
	ErrProtocol = errors.New("worker: protocol violation")
)

// Request is one scan request issued to a worker. CurrentBarTimestamp is
// unix seconds UTC; the snapshot at DatabasePath holds only bars at or
// before it.
type Request struct {
	RequestID           string   `json:"requestId"`
	DatabasePath        string   `json:"databasePath"`
	Tickers             []string `json:"tickers"`
	CurrentBarTimestamp int64    `json:"currentBarTimestamp"`
}

// Response is the worker's answer. Data is nil when the scanner found
// nothing on this bar.
type Response struct {
	RequestID string         `json:"requestId"`
	Success   bool           `json:"success"`
	Data      *models.Signal `json:"data"`
	Error     string         `json:"error,omitempty"`
}

// Worker executes scan requests sequentially. Implementations are
// single-client: calls must be serialized by the owner.
type Worker interface {
	// Scan issues one request and blocks until the matching response (or
	// the context deadline). A mismatched or missing response fails the
	// worker.
	Scan(ctx context.Context, req Request) (Response, error)

	// Close terminates the worker and releases its resources.
	Close() error
}

// Spawner creates workers. The engine uses it to respawn after crashes
// without caring whether workers are subprocesses or in-process.
type Spawner func(ctx context.Context) (Worker, error)
