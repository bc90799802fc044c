package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantmill/tradelab/pkg/models"
)

// minConfidence is the floor below which decayed knowledge is deleted.
const minConfidence = 0.1

// CanonicalInsight normalizes insight text for identity matching:
// lower-cased, whitespace collapsed, trailing punctuation dropped.
func CanonicalInsight(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, ".!,;:")
}

// UpsertKnowledge stores one knowledge row. Identity is (agent, type,
// pattern type, canonical insight): a re-encountered insight bumps
// times_validated and refreshes last_validated instead of duplicating.
func (s *Store) UpsertKnowledge(ctx context.Context, k *models.AgentKnowledge) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.TimesValidated == 0 {
		k.TimesValidated = 1
	}
	k.LastValidated = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_knowledge (id, agent_id, knowledge_type, pattern_type,
		                             insight_text, canonical_insight, supporting_data,
		                             confidence, learned_from_iteration,
		                             times_validated, last_validated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, knowledge_type, pattern_type, canonical_insight) DO UPDATE SET
			times_validated = times_validated + 1,
			last_validated  = excluded.last_validated`,
		k.ID, k.AgentID, string(k.KnowledgeType), k.PatternType,
		k.InsightText, CanonicalInsight(k.InsightText), k.SupportingData,
		k.Confidence, k.LearnedFromIteration, k.TimesValidated,
		k.LastValidated.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("store.UpsertKnowledge: %w", err)
	}
	return nil
}

// ListKnowledge returns an agent's knowledge rows, most validated first.
func (s *Store) ListKnowledge(ctx context.Context, agentID string) ([]models.AgentKnowledge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, knowledge_type, pattern_type, insight_text,
		       supporting_data, confidence, learned_from_iteration,
		       times_validated, last_validated
		FROM agent_knowledge WHERE agent_id = ?
		ORDER BY times_validated DESC, confidence DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store.ListKnowledge: %w", err)
	}
	defer rows.Close()

	var out []models.AgentKnowledge
	for rows.Next() {
		var (
			k             models.AgentKnowledge
			ktype, lastAt string
		)
		if err := rows.Scan(&k.ID, &k.AgentID, &ktype, &k.PatternType,
			&k.InsightText, &k.SupportingData, &k.Confidence,
			&k.LearnedFromIteration, &k.TimesValidated, &lastAt); err != nil {
			return nil, fmt.Errorf("store: scan knowledge: %w", err)
		}
		k.KnowledgeType = models.KnowledgeType(ktype)
		k.LastValidated, _ = time.Parse(timeLayout, lastAt)
		out = append(out, k)
	}
	return out, rows.Err()
}

// DecayKnowledge lowers the confidence of everything learned from an
// under-delivering iteration by step, deleting rows that fall below the
// floor.
func (s *Store) DecayKnowledge(ctx context.Context, agentID, iterationID string, step float64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store.DecayKnowledge: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE agent_knowledge SET confidence = confidence - ?
		WHERE agent_id = ? AND learned_from_iteration = ?`,
		step, agentID, iterationID); err != nil {
		return fmt.Errorf("store.DecayKnowledge: update: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM agent_knowledge WHERE agent_id = ? AND confidence < ?`,
		agentID, minConfidence); err != nil {
		return fmt.Errorf("store.DecayKnowledge: prune: %w", err)
	}
	return tx.Commit()
}

// KnowledgeSummary renders an agent's knowledge as a compact text block
// for generation prompts, strongest insights first.
func (s *Store) KnowledgeSummary(ctx context.Context, agentID string, limit int) (string, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT knowledge_type, insight_text, confidence, times_validated
		FROM agent_knowledge WHERE agent_id = ?
		ORDER BY times_validated DESC, confidence DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return "", fmt.Errorf("store.KnowledgeSummary: %w", err)
	}
	defer rows.Close()

	var b strings.Builder
	for rows.Next() {
		var (
			ktype, text string
			conf        float64
			times       int
		)
		if err := rows.Scan(&ktype, &text, &conf, &times); err != nil {
			return "", fmt.Errorf("store.KnowledgeSummary: scan: %w", err)
		}
		fmt.Fprintf(&b, "- [%s, confidence %.2f, seen %dx] %s\n", ktype, conf, times, text)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	return b.String(), nil
}
