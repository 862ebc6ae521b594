package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/applyctl/flowctl/internal/apperrors"
)

// PostgresStore implements Repository against a single PostgreSQL
// database: exactly one durable implementation, not a second
// ORM-shaped path that can diverge from it.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- Session operations ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (
			id, user_id, timezone, effort_policy_ref, stealth_policy_ref,
			max_items, max_duration_seconds, max_concurrency, budget_cost,
			attempted, succeeded, failed, skipped, cancelled, in_flight,
			tokens_in, tokens_out, cost, status, created_at, heartbeat_at, owner_node_id, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, 0, 0, 0, 0, 0, 0, 0, $10, NOW(), $11, 1
		)
	`
	_, err := s.pool.Exec(ctx, query,
		sess.ID[:], sess.UserID, sess.Timezone, sess.EffortPolicyRef, sess.StealthPolicyRef,
		sess.Limits.MaxItems, int64(sess.Limits.MaxDuration.Seconds()), sess.Limits.MaxConcurrency, sess.Limits.BudgetCost,
		sess.Status, sess.OwnerNodeID,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sess.Version = 1
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id ID) (*Session, error) {
	query := `
		SELECT id, user_id, timezone, effort_policy_ref, stealth_policy_ref,
			max_items, max_duration_seconds, max_concurrency, budget_cost,
			attempted, succeeded, failed, skipped, cancelled, in_flight,
			tokens_in, tokens_out, cost, status, started_at, ended_at, created_at,
			heartbeat_at, owner_node_id, version
		FROM sessions WHERE id = $1
	`
	var sess Session
	var idBytes []byte
	var maxDurationSeconds int64
	err := s.pool.QueryRow(ctx, query, id[:]).Scan(
		&idBytes, &sess.UserID, &sess.Timezone, &sess.EffortPolicyRef, &sess.StealthPolicyRef,
		&sess.Limits.MaxItems, &maxDurationSeconds, &sess.Limits.MaxConcurrency, &sess.Limits.BudgetCost,
		&sess.Counters.Attempted, &sess.Counters.Succeeded, &sess.Counters.Failed,
		&sess.Counters.Skipped, &sess.Counters.Cancelled, &sess.Counters.InFlight,
		&sess.Counters.TokensIn, &sess.Counters.TokensOut, &sess.Counters.Cost,
		&sess.Status, &sess.StartedAt, &sess.EndedAt, &sess.CreatedAt,
		&sess.HeartbeatAt, &sess.OwnerNodeID, &sess.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "session "+id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	copy(sess.ID[:], idBytes)
	sess.Limits.MaxDuration = time.Duration(maxDurationSeconds) * time.Second
	return &sess, nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id ID, status SessionStatus, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $1, version = version + 1,
			started_at = CASE WHEN started_at IS NULL AND $1 = 'running' THEN NOW() ELSE started_at END
		WHERE id = $2 AND version = $3
	`, status, id[:], expectedVersion)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Wrap(apperrors.ErrOptimisticLock, "session "+id.String())
	}
	return nil
}

// UpdateSessionCounters deliberately leaves version untouched: counter
// deltas are additive bookkeeping, and bumping version here would make
// every status transition lose its optimistic-lock check to a racing
// token update.
func (s *PostgresStore) UpdateSessionCounters(ctx context.Context, id ID, delta SessionCounters) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			attempted = attempted + $2, succeeded = succeeded + $3, failed = failed + $4,
			skipped = skipped + $5, cancelled = cancelled + $6, in_flight = in_flight + $7,
			tokens_in = tokens_in + $8, tokens_out = tokens_out + $9, cost = cost + $10
		WHERE id = $1
	`, id[:], delta.Attempted, delta.Succeeded, delta.Failed, delta.Skipped,
		delta.Cancelled, delta.InFlight, delta.TokensIn, delta.TokensOut, delta.Cost)
	if err != nil {
		return fmt.Errorf("update session counters: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSessionTerminal(ctx context.Context, id ID, status SessionStatus, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $1, ended_at = $2, version = version + 1 WHERE id = $3
	`, status, endedAt, id[:])
	if err != nil {
		return fmt.Errorf("mark session terminal: %w", err)
	}
	return nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id ID, nodeID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET heartbeat_at = $1, owner_node_id = $2 WHERE id = $3
	`, at, nodeID, id[:])
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNonTerminalSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM sessions WHERE status NOT IN ('completed', 'failed', 'cancelled')
	`)
	if err != nil {
		return nil, fmt.Errorf("list non-terminal sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var idBytes []byte
		if err := rows.Scan(&idBytes); err != nil {
			return nil, err
		}
		var id ID
		copy(id[:], idBytes)
		sess, err := s.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// --- Application operations ---

func (s *PostgresStore) CreateApplication(ctx context.Context, a *ApplicationItem) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO applications (
			id, session_id, user_id, job_url, domain, hint_effort, effort, match_score,
			company_tier, resume_ref, profile_ref, status, queued_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, 1)
	`, a.ID[:], a.SessionID[:], a.UserID, a.JobURL, a.Domain, a.HintEffort, a.Effort,
		a.MatchScore, a.CompanyTier, a.ResumeRef, a.ProfileRef, a.Status, a.QueuedAt)
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApplication(ctx context.Context, id ID) (*ApplicationItem, error) {
	query := `
		SELECT id, session_id, user_id, job_url, domain, hint_effort, effort, match_score,
			company_tier, resume_ref, profile_ref, status, queued_at, started_at, submitted_at,
			failure_reason, failure_detail, tokens_in, tokens_out, cost, version
		FROM applications WHERE id = $1
	`
	var a ApplicationItem
	var idBytes, sessionIDBytes []byte
	err := s.pool.QueryRow(ctx, query, id[:]).Scan(
		&idBytes, &sessionIDBytes, &a.UserID, &a.JobURL, &a.Domain, &a.HintEffort, &a.Effort,
		&a.MatchScore, &a.CompanyTier, &a.ResumeRef, &a.ProfileRef, &a.Status, &a.QueuedAt,
		&a.StartedAt, &a.SubmittedAt, &a.FailureReason, &a.FailureDetail,
		&a.TokensIn, &a.TokensOut, &a.Cost, &a.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "application "+id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	copy(a.ID[:], idBytes)
	copy(a.SessionID[:], sessionIDBytes)
	return &a, nil
}

// UpdateApplicationStatus is the status-update transaction boundary:
// one transaction updates the application row, appends a
// status-history row, and appends the corresponding event.
func (s *PostgresStore) UpdateApplicationStatus(ctx context.Context, id ID, to ApplicationStatus, reason, detail string, evt *Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin status transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var from ApplicationStatus
	if err := tx.QueryRow(ctx, `SELECT status FROM applications WHERE id = $1 FOR UPDATE`, id[:]).Scan(&from); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.Wrap(apperrors.ErrNotFound, "application "+id.String())
		}
		return fmt.Errorf("lock application row: %w", err)
	}
	if !LegalTransition(from, to) {
		return apperrors.Wrap(apperrors.ErrIllegalTransition, fmt.Sprintf("%s -> %s", from, to))
	}

	if _, err := tx.Exec(ctx, `
		UPDATE applications SET status = $1, failure_reason = $2, failure_detail = $3, version = version + 1
		WHERE id = $4
	`, to, reason, detail, id[:]); err != nil {
		return fmt.Errorf("update application status: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO application_status_history (application_id, from_status, to_status, reason, at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id[:], from, to, reason); err != nil {
		return fmt.Errorf("append status history: %w", err)
	}

	if evt != nil {
		if _, err := s.appendEventTx(ctx, tx, evt); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit status transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetApplicationTiming(ctx context.Context, id ID, startedAt, submittedAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE applications SET started_at = COALESCE($2, started_at), submitted_at = COALESCE($3, submitted_at)
		WHERE id = $1
	`, id[:], startedAt, submittedAt)
	if err != nil {
		return fmt.Errorf("set application timing: %w", err)
	}
	return nil
}

func (s *PostgresStore) IncrementApplicationCounters(ctx context.Context, id ID, tokensIn, tokensOut int64, cost float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE applications SET tokens_in = tokens_in + $2, tokens_out = tokens_out + $3, cost = cost + $4
		WHERE id = $1
	`, id[:], tokensIn, tokensOut, cost)
	if err != nil {
		return fmt.Errorf("increment application counters: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordApplicationFailure(ctx context.Context, id ID, reason, detail string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE applications SET failure_reason = $2, failure_detail = $3 WHERE id = $1
	`, id[:], reason, detail)
	if err != nil {
		return fmt.Errorf("record application failure: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListQueuedApplications(ctx context.Context, sessionID ID, limit int) ([]*ApplicationItem, error) {
	// Dispatch order: (score_bucket_desc, enqueue_time_asc).
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM applications
		WHERE session_id = $1 AND status = 'queued'
		ORDER BY floor(match_score * 10) DESC, queued_at ASC
		LIMIT $2
	`, sessionID[:], limit)
	if err != nil {
		return nil, fmt.Errorf("list queued applications: %w", err)
	}
	defer rows.Close()
	return s.scanApplicationIDs(ctx, rows)
}

func (s *PostgresStore) ListInProgressApplications(ctx context.Context, sessionID ID) ([]*ApplicationItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM applications WHERE session_id = $1 AND status = 'in_progress'
	`, sessionID[:])
	if err != nil {
		return nil, fmt.Errorf("list in-progress applications: %w", err)
	}
	defer rows.Close()
	return s.scanApplicationIDs(ctx, rows)
}

func (s *PostgresStore) ListApplications(ctx context.Context, sessionID ID) ([]*ApplicationItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM applications WHERE session_id = $1
	`, sessionID[:])
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()
	return s.scanApplicationIDs(ctx, rows)
}

func (s *PostgresStore) scanApplicationIDs(ctx context.Context, rows pgx.Rows) ([]*ApplicationItem, error) {
	var ids []ID
	for rows.Next() {
		var idBytes []byte
		if err := rows.Scan(&idBytes); err != nil {
			return nil, err
		}
		var id ID
		copy(id[:], idBytes)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*ApplicationItem, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetApplication(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *PostgresStore) ListStatusHistory(ctx context.Context, applicationID ID) ([]*StatusHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT application_id, from_status, to_status, reason, at
		FROM application_status_history WHERE application_id = $1 ORDER BY at ASC
	`, applicationID[:])
	if err != nil {
		return nil, fmt.Errorf("list status history: %w", err)
	}
	defer rows.Close()

	var out []*StatusHistoryEntry
	for rows.Next() {
		var e StatusHistoryEntry
		var idBytes []byte
		if err := rows.Scan(&idBytes, &e.From, &e.To, &e.Reason, &e.At); err != nil {
			return nil, err
		}
		copy(e.ApplicationID[:], idBytes)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Question operations ---

func (s *PostgresStore) AppendQuestion(ctx context.Context, q *Question) error {
	if q.ID.IsZero() {
		q.ID = NewID()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO questions (
			id, application_id, step_index, field_type, field_normalized_label, field_raw_label,
			field_required, value, source, confidence, validation_err, correction, corrected_by, created_at
		) VALUES (
			$1, $2,
			COALESCE((SELECT MAX(step_index) + 1 FROM questions WHERE application_id = $2), 0),
			$3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW()
		)
		RETURNING step_index
	`, q.ID[:], q.ApplicationID[:], q.Field.Type, q.Field.NormalizedLabel, q.Field.RawLabel,
		q.Field.Required, q.Value, q.Source, q.Confidence, q.ValidationErr, q.Correction, q.CorrectedBy,
	).Scan(&q.StepIndex)
	if err != nil {
		return fmt.Errorf("append question: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListQuestions(ctx context.Context, applicationID ID) ([]*Question, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, application_id, step_index, field_type, field_normalized_label, field_raw_label,
			field_required, value, source, confidence, validation_err, correction, corrected_by, created_at
		FROM questions WHERE application_id = $1 ORDER BY step_index ASC
	`, applicationID[:])
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var out []*Question
	for rows.Next() {
		var q Question
		var idBytes, appIDBytes []byte
		if err := rows.Scan(&idBytes, &appIDBytes, &q.StepIndex, &q.Field.Type, &q.Field.NormalizedLabel,
			&q.Field.RawLabel, &q.Field.Required, &q.Value, &q.Source, &q.Confidence,
			&q.ValidationErr, &q.Correction, &q.CorrectedBy, &q.CreatedAt); err != nil {
			return nil, err
		}
		copy(q.ID[:], idBytes)
		copy(q.ApplicationID[:], appIDBytes)
		out = append(out, &q)
	}
	return out, rows.Err()
}

// --- Event operations ---

func (s *PostgresStore) AppendEvent(ctx context.Context, e *Event) (int64, error) {
	return s.appendEventTx(ctx, s.pool, e)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// appendEventTx run either standalone or inside UpdateApplicationStatus's
// transaction.
type execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) appendEventTx(ctx context.Context, q execer, e *Event) (int64, error) {
	if e.ID.IsZero() {
		e.ID = NewID()
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	var appIDBytes any
	if !e.ApplicationID.IsZero() {
		appIDBytes = e.ApplicationID[:]
	}
	var seq int64
	err = q.QueryRow(ctx, `
		INSERT INTO events (id, session_id, application_id, type, detail, payload, sequence, timestamp)
		VALUES (
			$1, $2, $3, $4, $5, $6,
			COALESCE((SELECT MAX(sequence) + 1 FROM events WHERE session_id = $2), 0),
			NOW()
		)
		RETURNING sequence
	`, e.ID[:], e.SessionID[:], appIDBytes, e.Type, e.Detail, payload).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	e.Sequence = seq
	return seq, nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, sessionID ID) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, application_id, type, detail, payload, sequence, timestamp
		FROM events WHERE session_id = $1 ORDER BY sequence ASC
	`, sessionID[:])
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) ListApplicationEvents(ctx context.Context, applicationID ID) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, application_id, type, detail, payload, sequence, timestamp
		FROM events WHERE application_id = $1 ORDER BY sequence ASC
	`, applicationID[:])
	if err != nil {
		return nil, fmt.Errorf("list application events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	var out []*Event
	for rows.Next() {
		var e Event
		var idBytes, sessionIDBytes, appIDBytes []byte
		var payload []byte
		if err := rows.Scan(&idBytes, &sessionIDBytes, &appIDBytes, &e.Type, &e.Detail, &payload, &e.Sequence, &e.Timestamp); err != nil {
			return nil, err
		}
		copy(e.ID[:], idBytes)
		copy(e.SessionID[:], sessionIDBytes)
		if len(appIDBytes) > 0 {
			copy(e.ApplicationID[:], appIDBytes)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- Model Usage operations ---

func (s *PostgresStore) AppendModelUsage(ctx context.Context, u *ModelUsage) error {
	if u.ID.IsZero() {
		u.ID = NewID()
	}
	var appIDBytes any
	if !u.ApplicationID.IsZero() {
		appIDBytes = u.ApplicationID[:]
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO model_usage (
			id, session_id, application_id, provider, model, purpose,
			tokens_in, tokens_out, cost_usd, started_at, ended_at, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, u.ID[:], u.SessionID[:], appIDBytes, u.Provider, u.Model, u.Purpose,
		u.TokensIn, u.TokensOut, u.CostUSD, u.StartedAt, u.EndedAt, u.Status)
	if err != nil {
		return fmt.Errorf("append model usage: %w", err)
	}
	return nil
}

// --- Digest operations ---

func (s *PostgresStore) UpsertDigest(ctx context.Context, d *Digest) error {
	perDomain, err := json.Marshal(d.PerDomain)
	if err != nil {
		return fmt.Errorf("marshal digest per-domain: %w", err)
	}
	perEffort, err := json.Marshal(d.PerEffort)
	if err != nil {
		return fmt.Errorf("marshal digest per-effort: %w", err)
	}
	failures, err := json.Marshal(d.Failures)
	if err != nil {
		return fmt.Errorf("marshal digest failures: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO digests (
			session_id, attempted, succeeded, failed, skipped, cancelled,
			tokens_in, tokens_out, cost, per_domain, per_effort, failures, generated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (session_id) DO UPDATE SET
			attempted = EXCLUDED.attempted, succeeded = EXCLUDED.succeeded, failed = EXCLUDED.failed,
			skipped = EXCLUDED.skipped, cancelled = EXCLUDED.cancelled,
			tokens_in = EXCLUDED.tokens_in, tokens_out = EXCLUDED.tokens_out, cost = EXCLUDED.cost,
			per_domain = EXCLUDED.per_domain, per_effort = EXCLUDED.per_effort, failures = EXCLUDED.failures,
			generated_at = EXCLUDED.generated_at
	`, d.SessionID[:], d.Counters.Attempted, d.Counters.Succeeded, d.Counters.Failed,
		d.Counters.Skipped, d.Counters.Cancelled, d.Counters.TokensIn, d.Counters.TokensOut, d.Counters.Cost,
		perDomain, perEffort, failures)
	if err != nil {
		return fmt.Errorf("upsert digest: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDigest(ctx context.Context, sessionID ID) (*Digest, error) {
	var d Digest
	var idBytes, perDomain, perEffort, failures []byte
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, attempted, succeeded, failed, skipped, cancelled,
			tokens_in, tokens_out, cost, per_domain, per_effort, failures, generated_at
		FROM digests WHERE session_id = $1
	`, sessionID[:]).Scan(
		&idBytes, &d.Counters.Attempted, &d.Counters.Succeeded, &d.Counters.Failed,
		&d.Counters.Skipped, &d.Counters.Cancelled, &d.Counters.TokensIn, &d.Counters.TokensOut, &d.Counters.Cost,
		&perDomain, &perEffort, &failures, &d.GeneratedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "digest "+sessionID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get digest: %w", err)
	}
	copy(d.SessionID[:], idBytes)
	if err := json.Unmarshal(perDomain, &d.PerDomain); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(perEffort, &d.PerEffort); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(failures, &d.Failures); err != nil {
		return nil, err
	}
	return &d, nil
}

// --- Domain Policy operations ---

func (s *PostgresStore) LoadAllDomainPolicies(ctx context.Context) ([]*DomainPolicy, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT domain, max_per_day, min_interval_seconds, max_concurrent, avoid, blocked_until, cooldown_seconds, version
		FROM domain_policies
	`)
	if err != nil {
		return nil, fmt.Errorf("load domain policies: %w", err)
	}
	defer rows.Close()

	var out []*DomainPolicy
	for rows.Next() {
		var p DomainPolicy
		if err := rows.Scan(&p.Domain, &p.MaxPerDay, &p.MinIntervalSeconds, &p.MaxConcurrent,
			&p.Avoid, &p.BlockedUntil, &p.CooldownSeconds, &p.Version); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertDomainPolicy(ctx context.Context, p *DomainPolicy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO domain_policies (domain, max_per_day, min_interval_seconds, max_concurrent, avoid, blocked_until, cooldown_seconds, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
		ON CONFLICT (domain) DO UPDATE SET
			max_per_day = EXCLUDED.max_per_day,
			min_interval_seconds = EXCLUDED.min_interval_seconds,
			max_concurrent = EXCLUDED.max_concurrent,
			avoid = EXCLUDED.avoid,
			blocked_until = EXCLUDED.blocked_until,
			cooldown_seconds = EXCLUDED.cooldown_seconds,
			version = domain_policies.version + 1
	`, p.Domain, p.MaxPerDay, p.MinIntervalSeconds, p.MaxConcurrent, p.Avoid, p.BlockedUntil, p.CooldownSeconds)
	if err != nil {
		return fmt.Errorf("upsert domain policy: %w", err)
	}
	return nil
}

var _ Repository = (*PostgresStore)(nil)
