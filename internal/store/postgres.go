package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulseboard/agentbridge/internal/models"
)

// PostgresStore is the durable Store implementation. Both tables are
// append-only; "latest per agent" is computed with DISTINCT ON over the
// (agent_id, received_at desc) index.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) AppendEvent(ctx context.Context, event *models.WebhookEvent) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	query := `
		INSERT INTO webhook_events (id, received_at, raw_body, signature_header, signature_valid, source_agent_id, correlation_id, source_ip)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''))
	`

	_, err := s.pool.Exec(ctx, query,
		event.ID, event.ReceivedAt, event.RawBody, event.SignatureHeader,
		event.SignatureValid, event.SourceAgentID, event.CorrelationID, event.SourceIP,
	)
	if err != nil {
		return fmt.Errorf("failed to append webhook event: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordExecution(ctx context.Context, rec *models.AgentExecutionRecord) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	offset := rec.Offset
	if offset == ServerAssignedOffset {
		// Serialize server-assigned sequencing per (correlation, agent).
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.CorrelationID+"|"+rec.AgentID); err != nil {
			return false, fmt.Errorf("failed to acquire sequence lock: %w", err)
		}
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(upstream_offset) + 1, 0)
			FROM agent_executions
			WHERE correlation_id = $1 AND agent_id = $2
		`, rec.CorrelationID, rec.AgentID).Scan(&offset)
		if err != nil {
			return false, fmt.Errorf("failed to compute next offset: %w", err)
		}
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO agent_executions (agent_id, correlation_id, upstream_offset, payload, tier, confidence_score, quality_score, received_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8)
		ON CONFLICT (correlation_id, agent_id, upstream_offset) DO NOTHING
	`, rec.AgentID, rec.CorrelationID, offset, rec.Payload, rec.Tier,
		rec.ConfidenceScore, rec.QualityScore, rec.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("failed to record execution: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit execution: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const executionColumns = `agent_id, correlation_id, upstream_offset, payload, COALESCE(tier, ''), confidence_score, quality_score, received_at`

func (s *PostgresStore) LatestByAgent(ctx context.Context, agentID string) (*models.AgentExecutionRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	row := s.pool.QueryRow(ctx, `
		SELECT `+executionColumns+`
		FROM agent_executions
		WHERE agent_id = $1
		ORDER BY received_at DESC, upstream_offset DESC
		LIMIT 1
	`, agentID)

	rec, err := scanExecution(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get latest execution: %w", err)
	}
	return rec, true, nil
}

func (s *PostgresStore) LatestAll(ctx context.Context) ([]*models.AgentExecutionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (agent_id) `+executionColumns+`
		FROM agent_executions
		ORDER BY agent_id, received_at DESC, upstream_offset DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func (s *PostgresStore) ExecutionsByCorrelation(ctx context.Context, correlationID string) ([]*models.AgentExecutionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+`
		FROM agent_executions
		WHERE correlation_id = $1
		ORDER BY received_at ASC
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func (s *PostgresStore) ValidEventAgents(ctx context.Context, correlationID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT source_agent_id
		FROM webhook_events
		WHERE correlation_id = $1 AND signature_valid AND source_agent_id IS NOT NULL
		ORDER BY source_agent_id
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query valid event agents: %w", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan agent id: %w", err)
		}
		agents = append(agents, id)
	}
	return agents, rows.Err()
}

func (s *PostgresStore) EventCount(ctx context.Context, correlationID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM webhook_events WHERE correlation_id = $1
	`, correlationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) PruneEvents(ctx context.Context, cutoff time.Time) (int, error) {
	// Retention sweeps over a large backlog can take a while.
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tag, err := s.pool.Exec(ctx, `
		DELETE FROM webhook_events WHERE received_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanExecution(row pgx.Row) (*models.AgentExecutionRecord, error) {
	var rec models.AgentExecutionRecord
	err := row.Scan(
		&rec.AgentID, &rec.CorrelationID, &rec.Offset, &rec.Payload,
		&rec.Tier, &rec.ConfidenceScore, &rec.QualityScore, &rec.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func collectExecutions(rows pgx.Rows) ([]*models.AgentExecutionRecord, error) {
	var out []*models.AgentExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
