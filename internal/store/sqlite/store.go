package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sitepipe/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	site_url TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pages (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	slug TEXT NOT NULL,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	brief TEXT NOT NULL DEFAULT '{}',
	content TEXT NULL,
	layout TEXT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(project_id, slug),
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_pages_project_status ON pages(project_id, status);

CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	input TEXT NOT NULL,
	output TEXT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	model_used TEXT NOT NULL DEFAULT '',
	tokens_used INTEGER NOT NULL DEFAULT 0,
	cost_estimate REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	correlation_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	completed_at INTEGER NULL,
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_agent_runs_project_stage ON agent_runs(project_id, stage, created_at);
CREATE INDEX IF NOT EXISTS idx_agent_runs_correlation ON agent_runs(correlation_id);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	name TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL DEFAULT '',
	page_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT '{}',
	correlation_id TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	attempts_made INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	backoff_kind TEXT NOT NULL DEFAULT 'exponential',
	backoff_base_ms INTEGER NOT NULL DEFAULT 1000,
	run_at INTEGER NOT NULL,
	lease_until INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, status, run_at, priority);
CREATE INDEX IF NOT EXISTS idx_jobs_project ON jobs(project_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_retention ON jobs(queue, status, completed_at);

CREATE TABLE IF NOT EXISTS counters (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_log_project ON event_log(project_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// ---- projects ----

func (s *Store) CreateProject(ctx context.Context, project domain.Project) error {
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	if project.UpdatedAt.IsZero() {
		project.UpdatedAt = now
	}
	if project.Status == "" {
		project.Status = domain.ProjectStatusActive
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO projects(id, name, site_url, status, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		project.ID, project.Name, project.SiteURL, string(project.Status), project.LastError,
		project.CreatedAt.Unix(), project.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (domain.Project, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, name, site_url, status, last_error, created_at, updated_at
		FROM projects WHERE id = ?`,
		projectID,
	)
	var p domain.Project
	var status string
	var created, updated int64
	if err := row.Scan(&p.ID, &p.Name, &p.SiteURL, &status, &p.LastError, &created, &updated); err != nil {
		return domain.Project{}, fmt.Errorf("get project: %w", err)
	}
	p.Status = domain.ProjectStatus(status)
	p.CreatedAt = unixToTime(created)
	p.UpdatedAt = unixToTime(updated)
	return p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, name, site_url, status, last_error, created_at, updated_at
		FROM projects ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		var status string
		var created, updated int64
		if err := rows.Scan(&p.ID, &p.Name, &p.SiteURL, &status, &p.LastError, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Status = domain.ProjectStatus(status)
		p.CreatedAt = unixToTime(created)
		p.UpdatedAt = unixToTime(updated)
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return result, nil
}

func (s *Store) UpdateProjectStatus(ctx context.Context, projectID string, status domain.ProjectStatus, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE projects SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC().Unix(), projectID,
	)
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	return nil
}

// ---- pages ----

func (s *Store) CreatePage(ctx context.Context, page domain.Page) error {
	now := time.Now().UTC()
	if page.CreatedAt.IsZero() {
		page.CreatedAt = now
	}
	if page.UpdatedAt.IsZero() {
		page.UpdatedAt = now
	}
	if page.Status == "" {
		page.Status = domain.PageStatusDraft
	}
	if page.Brief == nil {
		page.Brief = []byte("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pages(id, project_id, slug, title, status, brief, content, layout, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		page.ID, page.ProjectID, page.Slug, page.Title, string(page.Status), string(page.Brief),
		nullableText(page.Content), nullableText(page.Layout), page.CreatedAt.Unix(), page.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	return nil
}

func (s *Store) GetPage(ctx context.Context, pageID string) (domain.Page, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, project_id, slug, title, status, brief, content, layout, created_at, updated_at
		FROM pages WHERE id = ?`,
		pageID,
	)
	page, err := scanPage(row)
	if err != nil {
		return domain.Page{}, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

func (s *Store) ListProjectPages(ctx context.Context, projectID string, status domain.PageStatus) ([]domain.Page, error) {
	query := `SELECT id, project_id, slug, title, status, brief, content, layout, created_at, updated_at
		FROM pages WHERE project_id = ?`
	args := []any{projectID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list project pages: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Page, 0)
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		result = append(result, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return result, nil
}

func (s *Store) UpdatePageStatus(ctx context.Context, pageID string, status domain.PageStatus) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE pages SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Unix(), pageID,
	)
	if err != nil {
		return fmt.Errorf("update page status: %w", err)
	}
	return nil
}

// SetPageContent stores generated content and moves the page forward. The
// update only applies while the page is still draft or generating, so a
// replayed content job cannot overwrite a settled page. Reports whether the
// transition happened.
func (s *Store) SetPageContent(ctx context.Context, pageID string, content, layout json.RawMessage, status domain.PageStatus) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pages SET content = ?, layout = ?, status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		nullableText(content), nullableText(layout), string(status), time.Now().UTC().Unix(),
		pageID, string(domain.PageStatusDraft), string(domain.PageStatusGenerating),
	)
	if err != nil {
		return false, fmt.Errorf("set page content: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set page content rows: %w", err)
	}
	return rows > 0, nil
}

// MarkPageFailed flips a page to failed unless it already reached a final
// status. Reports whether the transition happened.
func (s *Store) MarkPageFailed(ctx context.Context, pageID string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pages SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(domain.PageStatusFailed), time.Now().UTC().Unix(),
		pageID, string(domain.PageStatusPublished), string(domain.PageStatusFailed),
	)
	if err != nil {
		return false, fmt.Errorf("mark page failed: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark page failed rows: %w", err)
	}
	return rows > 0, nil
}

// ---- agent runs ----

func (s *Store) CreateAgentRun(ctx context.Context, run domain.AgentRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusPending
	}
	if run.Input == nil {
		run.Input = []byte("{}")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO agent_runs(
			id, project_id, stage, status, input, output, error_message, model_used,
			tokens_used, cost_estimate, duration_ms, retry_count, correlation_id, created_at, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, string(run.Stage), string(run.Status), string(run.Input),
		nullableText(run.Output), run.ErrorMessage, run.ModelUsed, run.TokensUsed, run.CostEstimate,
		run.DurationMs, run.RetryCount, run.CorrelationID, run.CreatedAt.Unix(), nullableUnix(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create agent run: %w", err)
	}
	return nil
}

// CompleteAgentRun transitions running -> completed. Returns false when the
// run is no longer running (for example cancelled), in which case the late
// result must be discarded by the caller.
func (s *Store) CompleteAgentRun(ctx context.Context, runID string, output json.RawMessage, model string, tokensUsed int, costEstimate float64, durationMs int64) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agent_runs
		SET status = ?, output = ?, model_used = ?, tokens_used = ?, cost_estimate = ?,
			duration_ms = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.RunStatusCompleted), nullableText(output), model, tokensUsed, costEstimate,
		durationMs, time.Now().UTC().Unix(), runID, string(domain.RunStatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("complete agent run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete agent run affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) FailAgentRun(ctx context.Context, runID string, errorMessage string, durationMs int64) (bool, error) {
	if errorMessage == "" {
		errorMessage = "unknown error"
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agent_runs
		SET status = ?, error_message = ?, duration_ms = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(domain.RunStatusFailed), errorMessage, durationMs, time.Now().UTC().Unix(),
		runID, string(domain.RunStatusPending), string(domain.RunStatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("fail agent run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("fail agent run affected rows: %w", err)
	}
	return affected > 0, nil
}

// CancelAgentRun cancels a pending or running run. Execution is not
// preempted; the status guard in CompleteAgentRun discards a late result.
func (s *Store) CancelAgentRun(ctx context.Context, runID string, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled"
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE agent_runs
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(domain.RunStatusCancelled), reason, time.Now().UTC().Unix(),
		runID, string(domain.RunStatusPending), string(domain.RunStatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("cancel agent run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel agent run affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) GetAgentRun(ctx context.Context, runID string) (domain.AgentRun, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, project_id, stage, status, input, output, error_message, model_used,
			tokens_used, cost_estimate, duration_ms, retry_count, correlation_id, created_at, completed_at
		FROM agent_runs WHERE id = ?`,
		runID,
	)
	run, err := scanAgentRun(row)
	if err != nil {
		return domain.AgentRun{}, fmt.Errorf("get agent run: %w", err)
	}
	return run, nil
}

func (s *Store) ListProjectRuns(ctx context.Context, projectID string, limit int) ([]domain.AgentRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, stage, status, input, output, error_message, model_used,
			tokens_used, cost_estimate, duration_ms, retry_count, correlation_id, created_at, completed_at
		FROM agent_runs
		WHERE project_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list project runs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.AgentRun, 0, limit)
	for rows.Next() {
		run, err := scanAgentRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent run: %w", err)
		}
		result = append(result, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agent runs: %w", err)
	}
	return result, nil
}

// GetLatestRun returns the most recent run matching (project, stage).
func (s *Store) GetLatestRun(ctx context.Context, projectID string, stage domain.Stage) (domain.AgentRun, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, project_id, stage, status, input, output, error_message, model_used,
			tokens_used, cost_estimate, duration_ms, retry_count, correlation_id, created_at, completed_at
		FROM agent_runs
		WHERE project_id = ? AND stage = ?
		ORDER BY created_at DESC
		LIMIT 1`,
		projectID, string(stage),
	)
	run, err := scanAgentRun(row)
	if err != nil {
		return domain.AgentRun{}, fmt.Errorf("get latest run: %w", err)
	}
	return run, nil
}

// FailLatestRun marks the most recent run matching (project, stage) as
// failed. Used by worker completion handlers that only know the stage.
func (s *Store) FailLatestRun(ctx context.Context, projectID string, stage domain.Stage, errorMessage string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE agent_runs
		SET status = ?, error_message = ?, completed_at = ?
		WHERE id = (
			SELECT id FROM agent_runs
			WHERE project_id = ? AND stage = ? AND status IN (?, ?)
			ORDER BY created_at DESC LIMIT 1
		)`,
		string(domain.RunStatusFailed), errorMessage, time.Now().UTC().Unix(),
		projectID, string(stage), string(domain.RunStatusPending), string(domain.RunStatusRunning),
	)
	if err != nil {
		return fmt.Errorf("fail latest run: %w", err)
	}
	return nil
}

// ---- jobs ----

func (s *Store) EnqueueJob(ctx context.Context, job domain.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}
	if job.Status == "" {
		job.Status = domain.JobStatusWaiting
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	if job.Payload == nil {
		job.Payload = []byte("{}")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs(
			id, queue, name, project_id, stage, page_id, payload, correlation_id, status,
			priority, attempts_made, max_attempts, backoff_kind, backoff_base_ms,
			run_at, lease_until, last_error, created_at, updated_at, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, NULL)`,
		job.ID, job.Queue, job.Name, job.ProjectID, string(job.Stage), job.PageID, string(job.Payload),
		job.CorrelationID, string(job.Status), job.Priority, job.AttemptsMade, job.MaxAttempts,
		string(job.BackoffKind), job.BackoffBase.Milliseconds(), job.RunAt.Unix(),
		job.CreatedAt.Unix(), job.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// ClaimNextJob atomically claims the next runnable job in a queue,
// incrementing its attempt counter. Returns (zero, false) when nothing is
// runnable.
func (s *Store) ClaimNextJob(ctx context.Context, queue string, now, leaseUntil time.Time) (domain.Job, bool, error) {
	for i := 0; i < 3; i++ {
		row := s.db.QueryRowContext(
			ctx,
			`SELECT id FROM jobs
			WHERE queue = ? AND status = ? AND run_at <= ?
			ORDER BY priority DESC, run_at ASC, created_at ASC
			LIMIT 1`,
			queue, string(domain.JobStatusWaiting), now.Unix(),
		)
		var jobID string
		if err := row.Scan(&jobID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.Job{}, false, nil
			}
			return domain.Job{}, false, fmt.Errorf("select claimable job: %w", err)
		}

		res, err := s.db.ExecContext(
			ctx,
			`UPDATE jobs
			SET status = ?, attempts_made = attempts_made + 1, lease_until = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			string(domain.JobStatusActive), leaseUntil.Unix(), now.Unix(),
			jobID, string(domain.JobStatusWaiting),
		)
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return domain.Job{}, false, fmt.Errorf("claim job affected rows: %w", err)
		}
		if affected == 0 {
			// Another worker won the race; try the next candidate.
			continue
		}

		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return domain.Job{}, false, err
		}
		return job, true, nil
	}
	return domain.Job{}, false, nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, queue, name, project_id, stage, page_id, payload, correlation_id, status,
			priority, attempts_made, max_attempts, backoff_kind, backoff_base_ms,
			run_at, lease_until, last_error, created_at, updated_at, completed_at
		FROM jobs WHERE id = ?`,
		jobID,
	)
	job, err := scanJob(row)
	if err != nil {
		return domain.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, last_error = '', completed_at = ?, updated_at = ? WHERE id = ?`,
		string(domain.JobStatusCompleted), now, now, jobID,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RetryJob schedules the job for another attempt.
func (s *Store) RetryJob(ctx context.Context, jobID string, lastError string, retryAt time.Time) error {
	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, last_error = ?, run_at = ?, lease_until = 0, updated_at = ? WHERE id = ?`,
		string(domain.JobStatusWaiting), lastError, retryAt.Unix(), now, jobID,
	)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// FailJob marks the job terminally failed.
func (s *Store) FailJob(ctx context.Context, jobID string, lastError string) error {
	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, last_error = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(domain.JobStatusFailed), lastError, now, now, jobID,
	)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// RequeueExpiredLeases returns active jobs whose lease lapsed to waiting so
// another worker can pick them up (at-least-once delivery).
func (s *Store) RequeueExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
		SET status = ?, last_error = 'worker lease expired', run_at = ?, lease_until = 0, updated_at = ?
		WHERE status = ? AND lease_until > 0 AND lease_until <= ?`,
		string(domain.JobStatusWaiting), now.Unix(), now.Unix(),
		string(domain.JobStatusActive), now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue expired leases affected rows: %w", err)
	}
	return int(affected), nil
}

func (s *Store) CountQueueJobs(ctx context.Context, queue string, now time.Time) (domain.QueueHealth, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, COUNT(*), SUM(CASE WHEN status = ? AND run_at > ? THEN 1 ELSE 0 END)
		FROM jobs WHERE queue = ? GROUP BY status`,
		string(domain.JobStatusWaiting), now.Unix(), queue,
	)
	if err != nil {
		return domain.QueueHealth{}, fmt.Errorf("count queue jobs: %w", err)
	}
	defer rows.Close()

	health := domain.QueueHealth{Queue: queue}
	for rows.Next() {
		var status string
		var count int
		var delayed sql.NullInt64
		if err := rows.Scan(&status, &count, &delayed); err != nil {
			return domain.QueueHealth{}, fmt.Errorf("scan queue count: %w", err)
		}
		switch domain.JobStatus(status) {
		case domain.JobStatusWaiting:
			health.Waiting = count
			health.Delayed = int(delayed.Int64)
		case domain.JobStatusActive:
			health.Active = count
		case domain.JobStatusCompleted:
			health.Completed = count
		case domain.JobStatusFailed:
			health.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return domain.QueueHealth{}, fmt.Errorf("iterate queue counts: %w", err)
	}
	return health, nil
}

func (s *Store) ListProjectJobs(ctx context.Context, projectID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, queue, name, project_id, stage, page_id, payload, correlation_id, status,
			priority, attempts_made, max_attempts, backoff_kind, backoff_base_ms,
			run_at, lease_until, last_error, created_at, updated_at, completed_at
		FROM jobs
		WHERE project_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list project jobs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project job: %w", err)
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project jobs: %w", err)
	}
	return result, nil
}

// DeleteWaitingJobs discards all pending work in a queue (drain).
func (s *Store) DeleteWaitingJobs(ctx context.Context, queue string) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM jobs WHERE queue = ? AND status = ?`,
		queue, string(domain.JobStatusWaiting),
	)
	if err != nil {
		return 0, fmt.Errorf("delete waiting jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete waiting jobs affected rows: %w", err)
	}
	return int(affected), nil
}

// PurgeJobs removes finished jobs past the age cutoff and trims the
// remainder down to keepCount newest rows.
func (s *Store) PurgeJobs(ctx context.Context, queue string, status domain.JobStatus, before time.Time, keepCount int) (int, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM jobs
		WHERE queue = ? AND status = ? AND completed_at IS NOT NULL AND completed_at < ?`,
		queue, string(status), before.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge jobs by age: %w", err)
	}
	byAge, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge jobs affected rows: %w", err)
	}

	var byCount int64
	if keepCount > 0 {
		res, err := s.db.ExecContext(
			ctx,
			`DELETE FROM jobs
			WHERE queue = ? AND status = ? AND id NOT IN (
				SELECT id FROM jobs
				WHERE queue = ? AND status = ?
				ORDER BY completed_at DESC
				LIMIT ?
			)`,
			queue, string(status), queue, string(status), keepCount,
		)
		if err != nil {
			return int(byAge), fmt.Errorf("purge jobs by count: %w", err)
		}
		byCount, err = res.RowsAffected()
		if err != nil {
			return int(byAge), fmt.Errorf("purge jobs by count affected rows: %w", err)
		}
	}
	return int(byAge + byCount), nil
}

// ---- counters ----

func (s *Store) SetCounter(ctx context.Context, key string, value int) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO counters(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set counter: %w", err)
	}
	return nil
}

// DecrementCounter atomically decrements the counter and deletes it when it
// reaches zero. The decrement-and-test runs in one transaction so two
// workers finishing simultaneously cannot both observe zero, and the value
// never goes negative.
func (s *Store) DecrementCounter(ctx context.Context, key string) (remaining int, existed bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin tx decrement counter: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.ExecContext(ctx, `UPDATE counters SET value = value - 1 WHERE key = ? AND value > 0`, key)
	if err != nil {
		return 0, false, fmt.Errorf("decrement counter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("decrement counter affected rows: %w", err)
	}
	if affected == 0 {
		return 0, false, nil
	}

	var value int
	if err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE key = ?`, key).Scan(&value); err != nil {
		return 0, false, fmt.Errorf("read counter: %w", err)
	}
	if value == 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM counters WHERE key = ?`, key); err != nil {
			return 0, false, fmt.Errorf("delete drained counter: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit decrement counter: %w", err)
	}
	return value, true, nil
}

func (s *Store) GetCounter(ctx context.Context, key string) (int, bool, error) {
	var value int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get counter: %w", err)
	}
	return value, true, nil
}

// ---- event log ----

func (s *Store) LogEvent(ctx context.Context, entry domain.EventLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO event_log(project_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.ProjectID, entry.Actor, entry.Action, entry.Reason, payload, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

func (s *Store) ListProjectEvents(ctx context.Context, projectID string, limit int) ([]domain.EventLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, project_id, actor, action, reason, payload, created_at
		FROM event_log
		WHERE project_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list project events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.EventLog, 0, limit)
	for rows.Next() {
		var item domain.EventLog
		var payload string
		var createdAt int64
		if err := rows.Scan(&item.ID, &item.ProjectID, &item.Actor, &item.Action, &item.Reason, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(createdAt)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}

// ---- scan helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (domain.Page, error) {
	var p domain.Page
	var status, brief string
	var content, layout sql.NullString
	var created, updated int64
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Slug, &p.Title, &status, &brief, &content, &layout, &created, &updated); err != nil {
		return domain.Page{}, err
	}
	p.Status = domain.PageStatus(status)
	p.Brief = []byte(brief)
	if content.Valid {
		p.Content = []byte(content.String)
	}
	if layout.Valid {
		p.Layout = []byte(layout.String)
	}
	p.CreatedAt = unixToTime(created)
	p.UpdatedAt = unixToTime(updated)
	return p, nil
}

func scanAgentRun(row rowScanner) (domain.AgentRun, error) {
	var r domain.AgentRun
	var stage, status, input string
	var output sql.NullString
	var created int64
	var completed sql.NullInt64
	if err := row.Scan(
		&r.ID, &r.ProjectID, &stage, &status, &input, &output, &r.ErrorMessage, &r.ModelUsed,
		&r.TokensUsed, &r.CostEstimate, &r.DurationMs, &r.RetryCount, &r.CorrelationID, &created, &completed,
	); err != nil {
		return domain.AgentRun{}, err
	}
	r.Stage = domain.Stage(stage)
	r.Status = domain.RunStatus(status)
	r.Input = []byte(input)
	if output.Valid {
		r.Output = []byte(output.String)
	}
	r.CreatedAt = unixToTime(created)
	r.CompletedAt = int64ToTimePtr(completed)
	return r, nil
}

func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var stage, status, payload, backoffKind string
	var backoffBaseMS, runAt, leaseUntil, created, updated int64
	var completed sql.NullInt64
	if err := row.Scan(
		&j.ID, &j.Queue, &j.Name, &j.ProjectID, &stage, &j.PageID, &payload, &j.CorrelationID, &status,
		&j.Priority, &j.AttemptsMade, &j.MaxAttempts, &backoffKind, &backoffBaseMS,
		&runAt, &leaseUntil, &j.LastError, &created, &updated, &completed,
	); err != nil {
		return domain.Job{}, err
	}
	j.Stage = domain.Stage(stage)
	j.Status = domain.JobStatus(status)
	j.Payload = []byte(payload)
	j.BackoffKind = domain.BackoffKind(backoffKind)
	j.BackoffBase = time.Duration(backoffBaseMS) * time.Millisecond
	j.RunAt = unixToTime(runAt)
	j.LeaseUntil = unixToTime(leaseUntil)
	j.CreatedAt = unixToTime(created)
	j.UpdatedAt = unixToTime(updated)
	j.CompletedAt = int64ToTimePtr(completed)
	return j, nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func nullableText(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}
