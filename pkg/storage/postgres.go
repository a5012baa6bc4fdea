package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/opentiger/worker-runtime/pkg/types"
)

// ErrNotFound is returned by Get* methods when the row does not exist.
var ErrNotFound = errors.New("storage: not found")

// PostgresStore implements Store on top of a PostgreSQL database.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection pool against databaseURL. The schema
// itself is managed separately by cmd/worker-migrate.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// taskRow mirrors types.Task with the JSON/array columns marshaled for the
// driver; sqlx can't scan map/struct fields directly into JSONB.
type taskRow struct {
	ID             string `db:"id"`
	Title          string `db:"title"`
	Goal           string `db:"goal"`
	Context        []byte `db:"context"`
	AllowedPaths   pq.StringArray `db:"allowed_paths"`
	DeniedPaths    pq.StringArray `db:"denied_paths"`
	Commands       pq.StringArray `db:"commands"`
	TimeboxMinutes int            `db:"timebox_minutes"`
	RiskLevel      string         `db:"risk_level"`
	Priority       int            `db:"priority"`
	Role           string         `db:"role"`
	Kind           string         `db:"kind"`
	RetryCount     int            `db:"retry_count"`
	RetryLimit     int            `db:"retry_limit"`
	BlockReason    string         `db:"block_reason"`
	Status         string         `db:"status"`
	CreatedAt      sql.NullTime   `db:"created_at"`
	UpdatedAt      sql.NullTime   `db:"updated_at"`
}

func taskToRow(t *types.Task) (*taskRow, error) {
	ctxBytes, err := json.Marshal(t.Context)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal task context: %w", err)
	}
	return &taskRow{
		ID:             t.ID,
		Title:          t.Title,
		Goal:           t.Goal,
		Context:        ctxBytes,
		AllowedPaths:   pq.StringArray(t.AllowedPaths),
		DeniedPaths:    pq.StringArray(t.DeniedPaths),
		Commands:       pq.StringArray(t.Commands),
		TimeboxMinutes: t.TimeboxMinutes,
		RiskLevel:      string(t.RiskLevel),
		Priority:       t.Priority,
		Role:           string(t.Role),
		Kind:           t.Kind,
		RetryCount:     t.RetryCount,
		RetryLimit:     t.RetryLimit,
		BlockReason:    string(t.BlockReason),
		Status:         string(t.Status),
	}, nil
}

func rowToTask(r *taskRow) (*types.Task, error) {
	var taskCtx types.TaskContext
	if len(r.Context) > 0 {
		if err := json.Unmarshal(r.Context, &taskCtx); err != nil {
			return nil, fmt.Errorf("storage: unmarshal task context: %w", err)
		}
	}
	return &types.Task{
		ID:             r.ID,
		Title:          r.Title,
		Goal:           r.Goal,
		Context:        taskCtx,
		AllowedPaths:   []string(r.AllowedPaths),
		DeniedPaths:    []string(r.DeniedPaths),
		Commands:       []string(r.Commands),
		TimeboxMinutes: r.TimeboxMinutes,
		RiskLevel:      types.RiskLevel(r.RiskLevel),
		Priority:       r.Priority,
		Role:           types.TaskRole(r.Role),
		Kind:           r.Kind,
		RetryCount:     r.RetryCount,
		RetryLimit:     r.RetryLimit,
		BlockReason:    types.BlockReason(r.BlockReason),
		Status:         types.TaskStatus(r.Status),
		CreatedAt:      r.CreatedAt.Time,
		UpdatedAt:      r.UpdatedAt.Time,
	}, nil
}

// CreateTask inserts a new task row.
func (s *PostgresStore) CreateTask(ctx context.Context, task *types.Task) error {
	row, err := taskToRow(task)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO tasks (id, title, goal, context, allowed_paths, denied_paths, commands,
			timebox_minutes, risk_level, priority, role, kind, retry_count, retry_limit,
			block_reason, status, created_at, updated_at)
		VALUES (:id, :title, :goal, :context, :allowed_paths, :denied_paths, :commands,
			:timebox_minutes, :risk_level, :priority, :role, :kind, :retry_count, :retry_limit,
			:block_reason, :status, now(), now())
	`, row)
	if err != nil {
		return fmt.Errorf("storage: create task: %w", err)
	}
	return nil
}

// GetTask loads a single task by id.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get task: %w", err)
	}
	return rowToTask(&row)
}

// ListQueuedTasks returns up to limit queued tasks for role, oldest first.
func (s *PostgresStore) ListQueuedTasks(ctx context.Context, role types.TaskRole, limit int) ([]*types.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM tasks
		WHERE status = $1 AND role = $2
		ORDER BY priority DESC, created_at ASC
		LIMIT $3
	`, types.TaskStatusQueued, role, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list queued tasks: %w", err)
	}
	tasks := make([]*types.Task, 0, len(rows))
	for i := range rows {
		task, err := rowToTask(&rows[i])
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// UpdateTask overwrites a task's mutable fields.
func (s *PostgresStore) UpdateTask(ctx context.Context, task *types.Task) error {
	row, err := taskToRow(task)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE tasks SET
			title = :title, goal = :goal, context = :context,
			allowed_paths = :allowed_paths, denied_paths = :denied_paths, commands = :commands,
			timebox_minutes = :timebox_minutes, risk_level = :risk_level, priority = :priority,
			role = :role, kind = :kind, retry_count = :retry_count, retry_limit = :retry_limit,
			block_reason = :block_reason, status = :status, updated_at = now()
		WHERE id = :id
	`, row)
	if err != nil {
		return fmt.Errorf("storage: update task: %w", err)
	}
	return nil
}

// CountTasksByStatus returns the number of tasks per status, for metrics.
func (s *PostgresStore) CountTasksByStatus(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("storage: scan task count: %w", err)
		}
		counts[types.TaskStatus(status)] = count
	}
	return counts, rows.Err()
}

type runRow struct {
	ID           string         `db:"id"`
	TaskID       string         `db:"task_id"`
	AgentID      string         `db:"agent_id"`
	Status       string         `db:"status"`
	StartedAt    sql.NullTime   `db:"started_at"`
	FinishedAt   sql.NullTime   `db:"finished_at"`
	LogPath      string         `db:"log_path"`
	CostTokens   int64          `db:"cost_tokens"`
	ErrorMessage string         `db:"error_message"`
	ErrorMeta    []byte         `db:"error_meta"`
}

func runToRow(r *types.Run) (*runRow, error) {
	metaBytes, err := json.Marshal(r.ErrorMeta)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal run error meta: %w", err)
	}
	row := &runRow{
		ID:           r.ID,
		TaskID:       r.TaskID,
		AgentID:      r.AgentID,
		Status:       string(r.Status),
		LogPath:      r.LogPath,
		CostTokens:   r.CostTokens,
		ErrorMessage: r.ErrorMessage,
		ErrorMeta:    metaBytes,
	}
	if r.FinishedAt != nil {
		row.FinishedAt = sql.NullTime{Time: *r.FinishedAt, Valid: true}
	}
	return row, nil
}

func rowToRun(r *runRow) (*types.Run, error) {
	var meta types.ErrorMeta
	if len(r.ErrorMeta) > 0 {
		if err := json.Unmarshal(r.ErrorMeta, &meta); err != nil {
			return nil, fmt.Errorf("storage: unmarshal run error meta: %w", err)
		}
	}
	run := &types.Run{
		ID:           r.ID,
		TaskID:       r.TaskID,
		AgentID:      r.AgentID,
		Status:       types.RunStatus(r.Status),
		StartedAt:    r.StartedAt.Time,
		LogPath:      r.LogPath,
		CostTokens:   r.CostTokens,
		ErrorMessage: r.ErrorMessage,
		ErrorMeta:    meta,
	}
	if r.FinishedAt.Valid {
		finishedAt := r.FinishedAt.Time
		run.FinishedAt = &finishedAt
	}
	return run, nil
}

// CreateRun inserts a new run row.
func (s *PostgresStore) CreateRun(ctx context.Context, run *types.Run) error {
	row, err := runToRow(run)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO runs (id, task_id, agent_id, status, started_at, log_path, cost_tokens,
			error_message, error_meta)
		VALUES (:id, :task_id, :agent_id, :status, now(), :log_path, :cost_tokens,
			:error_message, :error_meta)
	`, row)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun loads a single run by id.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get run: %w", err)
	}
	return rowToRun(&row)
}

// GetRunningRunForTask returns the one run currently running for taskID, if
// any — the invariant enforcing exactly-one-running-run-per-task lives in
// the caller (pkg/pipeline), this is just the lookup.
func (s *PostgresStore) GetRunningRunForTask(ctx context.Context, taskID string) (*types.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM runs WHERE task_id = $1 AND status = $2 ORDER BY started_at DESC LIMIT 1
	`, taskID, types.RunStatusRunning)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get running run for task: %w", err)
	}
	return rowToRun(&row)
}

// ListRecentNonSuccessRuns returns the most recent failed/cancelled runs for
// taskID, for the pipeline's retry-hint gathering step (§4.7 step 3).
func (s *PostgresStore) ListRecentNonSuccessRuns(ctx context.Context, taskID string, limit int) ([]*types.Run, error) {
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM runs
		WHERE task_id = $1 AND status IN ($2, $3)
		ORDER BY started_at DESC
		LIMIT $4
	`, taskID, types.RunStatusFailed, types.RunStatusCancelled, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list recent non-success runs: %w", err)
	}

	runs := make([]*types.Run, 0, len(rows))
	for i := range rows {
		run, err := rowToRun(&rows[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// UpdateRun overwrites a run's mutable fields.
func (s *PostgresStore) UpdateRun(ctx context.Context, run *types.Run) error {
	row, err := runToRow(run)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		UPDATE runs SET
			status = :status, finished_at = :finished_at, log_path = :log_path,
			cost_tokens = :cost_tokens, error_message = :error_message, error_meta = :error_meta
		WHERE id = :id
	`, row)
	if err != nil {
		return fmt.Errorf("storage: update run: %w", err)
	}
	return nil
}

// CreateLease inserts the lease row claiming taskID for runID/agentID.
func (s *PostgresStore) CreateLease(ctx context.Context, lease *types.Lease) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (task_id, run_id, agent_id, created_at)
		VALUES ($1, $2, $3, now())
	`, lease.TaskID, lease.RunID, lease.AgentID)
	if err != nil {
		return fmt.Errorf("storage: create lease: %w", err)
	}
	return nil
}

// GetLease loads the lease for taskID, if one exists.
func (s *PostgresStore) GetLease(ctx context.Context, taskID string) (*types.Lease, error) {
	var lease types.Lease
	err := s.db.GetContext(ctx, &lease, `SELECT * FROM leases WHERE task_id = $1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get lease: %w", err)
	}
	return &lease, nil
}

// DeleteLease removes the lease for taskID, if any.
func (s *PostgresStore) DeleteLease(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE task_id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("storage: delete lease: %w", err)
	}
	return nil
}

// CountLeases returns the number of tasks currently leased, for metrics.
func (s *PostgresStore) CountLeases(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT count(*) FROM leases`); err != nil {
		return 0, fmt.Errorf("storage: count leases: %w", err)
	}
	return count, nil
}

type agentRow struct {
	ID            string         `db:"id"`
	Status        string         `db:"status"`
	Role          string         `db:"role"`
	CurrentTaskID sql.NullString `db:"current_task_id"`
	LastHeartbeat sql.NullTime   `db:"last_heartbeat"`
	Metadata      []byte         `db:"metadata"`
}

func agentToRow(a *types.Agent) (*agentRow, error) {
	metaBytes, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal agent metadata: %w", err)
	}
	row := &agentRow{
		ID:       a.ID,
		Status:   string(a.Status),
		Role:     string(a.Role),
		Metadata: metaBytes,
	}
	if a.CurrentTaskID != nil {
		row.CurrentTaskID = sql.NullString{String: *a.CurrentTaskID, Valid: true}
	}
	return row, nil
}

func rowToAgent(r *agentRow) (*types.Agent, error) {
	var meta types.AgentMetadata
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("storage: unmarshal agent metadata: %w", err)
		}
	}
	agent := &types.Agent{
		ID:            r.ID,
		Status:        types.AgentStatus(r.Status),
		Role:          types.TaskRole(r.Role),
		LastHeartbeat: r.LastHeartbeat.Time,
		Metadata:      meta,
	}
	if r.CurrentTaskID.Valid {
		taskID := r.CurrentTaskID.String
		agent.CurrentTaskID = &taskID
	}
	return agent, nil
}

// UpsertAgent inserts or updates an agent's record by id.
func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *types.Agent) error {
	row, err := agentToRow(agent)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO agents (id, status, role, current_task_id, last_heartbeat, metadata)
		VALUES (:id, :status, :role, :current_task_id, now(), :metadata)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, role = EXCLUDED.role,
			current_task_id = EXCLUDED.current_task_id,
			last_heartbeat = now(), metadata = EXCLUDED.metadata
	`, row)
	if err != nil {
		return fmt.Errorf("storage: upsert agent: %w", err)
	}
	return nil
}

// GetAgent loads a single agent by id.
func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM agents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get agent: %w", err)
	}
	return rowToAgent(&row)
}

// ListAgents returns every agent row, for the metrics collector and
// readiness probes.
func (s *PostgresStore) ListAgents(ctx context.Context) ([]*types.Agent, error) {
	var rows []agentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM agents`); err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	agents := make([]*types.Agent, 0, len(rows))
	for i := range rows {
		agent, err := rowToAgent(&rows[i])
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// UpdateAgentHeartbeat bumps last_heartbeat and sets status in one call.
func (s *PostgresStore) UpdateAgentHeartbeat(ctx context.Context, id string, status types.AgentStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $1, last_heartbeat = now() WHERE id = $2
	`, status, id)
	if err != nil {
		return fmt.Errorf("storage: update agent heartbeat: %w", err)
	}
	return nil
}

// SetAgentOffline marks an agent offline on graceful shutdown.
func (s *PostgresStore) SetAgentOffline(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = $1, current_task_id = NULL WHERE id = $2
	`, types.AgentStatusOffline, id)
	if err != nil {
		return fmt.Errorf("storage: set agent offline: %w", err)
	}
	return nil
}

// CreateArtifact inserts an immutable artifact row.
func (s *PostgresStore) CreateArtifact(ctx context.Context, artifact *types.Artifact) error {
	metaBytes, err := json.Marshal(artifact.Metadata)
	if err != nil {
		return fmt.Errorf("storage: marshal artifact metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, type, ref, url, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, artifact.ID, artifact.RunID, artifact.Type, artifact.Ref, artifact.URL, metaBytes)
	if err != nil {
		return fmt.Errorf("storage: create artifact: %w", err)
	}
	return nil
}

// ListArtifactsByRun returns every artifact attached to a run.
func (s *PostgresStore) ListArtifactsByRun(ctx context.Context, runID string) ([]*types.Artifact, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT * FROM artifacts WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list artifacts by run: %w", err)
	}
	defer rows.Close()

	var artifacts []*types.Artifact
	for rows.Next() {
		var (
			id, rRunID, aType, ref, url string
			metaBytes                   []byte
			createdAt                   sql.NullTime
		)
		if err := rows.Scan(&id, &rRunID, &aType, &ref, &url, &metaBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan artifact: %w", err)
		}
		var meta map[string]any
		if len(metaBytes) > 0 {
			if err := json.Unmarshal(metaBytes, &meta); err != nil {
				return nil, fmt.Errorf("storage: unmarshal artifact metadata: %w", err)
			}
		}
		artifacts = append(artifacts, &types.Artifact{
			ID:        id,
			RunID:     rRunID,
			Type:      types.ArtifactType(aType),
			Ref:       ref,
			URL:       url,
			Metadata:  meta,
			CreatedAt: createdAt.Time,
		})
	}
	return artifacts, rows.Err()
}

// CreateEvent inserts an append-only audit log row. Satisfies
// pkg/events.Persister.
func (s *PostgresStore) CreateEvent(ctx context.Context, event *types.Event) error {
	payloadBytes, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("storage: marshal event payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, task_id, run_id, type, timestamp, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.ID, event.TaskID, event.RunID, event.Type, event.Timestamp, payloadBytes)
	if err != nil {
		return fmt.Errorf("storage: create event: %w", err)
	}
	return nil
}

// ListEventsByTask returns a task's audit log in chronological order.
func (s *PostgresStore) ListEventsByTask(ctx context.Context, taskID string) ([]*types.Event, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, task_id, run_id, type, timestamp, payload FROM events
		WHERE task_id = $1 ORDER BY timestamp ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: list events by task: %w", err)
	}
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var (
			id, rTaskID, runID, eType string
			timestamp                 sql.NullTime
			payloadBytes              []byte
		)
		if err := rows.Scan(&id, &rTaskID, &runID, &eType, &timestamp, &payloadBytes); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		var payload map[string]any
		if len(payloadBytes) > 0 {
			if err := json.Unmarshal(payloadBytes, &payload); err != nil {
				return nil, fmt.Errorf("storage: unmarshal event payload: %w", err)
			}
		}
		events = append(events, &types.Event{
			ID:        id,
			TaskID:    rTaskID,
			RunID:     runID,
			Type:      types.EventType(eType),
			Timestamp: timestamp.Time,
			Payload:   payload,
		})
	}
	return events, rows.Err()
}

// GetConfigValue reads a single key from the config table.
func (s *PostgresStore) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM config WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("storage: get config value: %w", err)
	}
	return value, nil
}

// SetConfigValue upserts a single key in the config table.
func (s *PostgresStore) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("storage: set config value: %w", err)
	}
	return nil
}

// FinalizeTaskState is C8: it commits the run, task, lease-deletion, and
// agent-idle updates as a single transaction, or rolls all of them back.
func (s *PostgresStore) FinalizeTaskState(ctx context.Context, in FinalizeInput) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: finalize begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var errorMetaBytes []byte
	if in.ErrorMeta != nil {
		errorMetaBytes, err = json.Marshal(in.ErrorMeta)
		if err != nil {
			return fmt.Errorf("storage: finalize marshal error meta: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = $1, finished_at = now(), cost_tokens = $2,
			error_message = $3, error_meta = COALESCE($4, error_meta)
		WHERE id = $5
	`, in.RunStatus, in.CostTokens, in.ErrorMessage, nullIfEmpty(errorMetaBytes), in.RunID); err != nil {
		return fmt.Errorf("storage: finalize update run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = $1, block_reason = $2, updated_at = now() WHERE id = $3
	`, in.TaskStatus, in.BlockReason, in.TaskID); err != nil {
		return fmt.Errorf("storage: finalize update task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM leases WHERE task_id = $1`, in.TaskID); err != nil {
		return fmt.Errorf("storage: finalize delete lease: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE agents SET status = $1, current_task_id = NULL, last_heartbeat = now() WHERE id = $2
	`, types.AgentStatusIdle, in.AgentID); err != nil {
		return fmt.Errorf("storage: finalize update agent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: finalize commit: %w", err)
	}
	return nil
}

func nullIfEmpty(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
