package sqlite

// All timestamps are stored as Unix milliseconds (INTEGER).
const schemaSQL = `
-- Job definition registry
CREATE TABLE IF NOT EXISTS job_definitions (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL,
	description TEXT,
	payload_schema TEXT NOT NULL,
	command TEXT NOT NULL DEFAULT '[]',
	timeout_seconds INTEGER NOT NULL,
	max_attempts INTEGER NOT NULL,
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_definitions_key ON job_definitions(key);

-- Triggers materialize jobs from events or a cron schedule.
-- Exactly one of event_name or (cron_expr, timezone) is set.
CREATE TABLE IF NOT EXISTS job_triggers (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	label TEXT NOT NULL,
	is_enabled INTEGER NOT NULL DEFAULT 1,
	trigger_type TEXT NOT NULL CHECK (trigger_type IN ('event', 'schedule')),
	event_name TEXT,
	cron_expr TEXT,
	timezone TEXT,
	definition_id TEXT NOT NULL,
	payload_template TEXT NOT NULL DEFAULT '{}',
	dedupe_window_seconds INTEGER NOT NULL DEFAULT 300,
	next_fire_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_triggers_event ON job_triggers(tenant_id, event_name) WHERE trigger_type = 'event' AND is_enabled = 1;
CREATE INDEX IF NOT EXISTS idx_triggers_due ON job_triggers(next_fire_at) WHERE trigger_type = 'schedule' AND is_enabled = 1;

-- Durable job queue
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	definition_id TEXT NOT NULL,
	source TEXT NOT NULL CHECK (source IN ('manual', 'event', 'schedule', 'system')),
	source_ref TEXT,
	status TEXT NOT NULL CHECK (status IN ('queued', 'running', 'succeeded', 'failed', 'canceled', 'dead_letter')),
	priority INTEGER NOT NULL DEFAULT 100,
	payload TEXT NOT NULL,
	dedupe_key TEXT,
	correlation_id TEXT,
	scheduled_for INTEGER NOT NULL,
	queued_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	lease_expires_at INTEGER,
	claimed_by_worker TEXT,
	last_error TEXT,
	created_by TEXT,
	-- Lease fields are present exactly while running
	CHECK ((status = 'running') = (lease_expires_at IS NOT NULL)),
	CHECK ((status = 'running') = (claimed_by_worker IS NOT NULL))
);

-- One active job per (tenant, dedupe_key); terminal jobs free the slot
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedupe ON jobs(tenant_id, dedupe_key)
	WHERE dedupe_key IS NOT NULL AND status IN ('queued', 'running');

-- Claim scan order
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, scheduled_for, queued_at, id)
	WHERE status = 'queued';

-- Janitor sweep
CREATE INDEX IF NOT EXISTS idx_jobs_lease ON jobs(lease_expires_at)
	WHERE status = 'running';

CREATE INDEX IF NOT EXISTS idx_jobs_tenant ON jobs(tenant_id, status, queued_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_correlation ON jobs(correlation_id) WHERE correlation_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_jobs_source_ref ON jobs(source_ref) WHERE source_ref IS NOT NULL;

-- Per-execution audit trail
CREATE TABLE IF NOT EXISTS job_attempts (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	attempt_no INTEGER NOT NULL,
	worker_id TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('running', 'succeeded', 'failed', 'timeout', 'canceled')),
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	exit_code INTEGER,
	stdout_tail TEXT,
	stderr_tail TEXT,
	error_text TEXT,
	UNIQUE (job_id, attempt_no)
);

CREATE INDEX IF NOT EXISTS idx_attempts_job ON job_attempts(job_id, attempt_no DESC);

-- Ephemeral worker registry. Metadata only; recovery is lease-driven.
CREATE TABLE IF NOT EXISTS workers (
	worker_id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL,
	version TEXT,
	queues TEXT NOT NULL DEFAULT '[]',
	last_seen_at INTEGER NOT NULL,
	running_count INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT '{}',
	is_active INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_workers_seen ON workers(last_seen_at) WHERE is_active = 1;

-- Workflow DAG templates
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL,
	description TEXT,
	steps TEXT NOT NULL,
	max_parallel_steps INTEGER NOT NULL DEFAULT 2,
	failure_policy TEXT NOT NULL CHECK (failure_policy IN ('fail_fast', 'continue')),
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_definitions_key ON workflow_definitions(key);

-- One execution of a workflow definition. Parallelism and failure policy
-- are snapshotted at start.
CREATE TABLE IF NOT EXISTS workflow_runs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	workflow_definition_id TEXT NOT NULL REFERENCES workflow_definitions(id),
	status TEXT NOT NULL CHECK (status IN ('running', 'succeeded', 'failed', 'canceled')),
	payload TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 100,
	max_parallel_steps INTEGER NOT NULL,
	failure_policy TEXT NOT NULL,
	queued_at INTEGER NOT NULL,
	started_at INTEGER,
	finished_at INTEGER,
	last_error TEXT,
	created_by TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_running ON workflow_runs(queued_at) WHERE status = 'running';
CREATE INDEX IF NOT EXISTS idx_runs_tenant ON workflow_runs(tenant_id, status, queued_at DESC);

-- Per-step progress inside a run
CREATE TABLE IF NOT EXISTS workflow_step_runs (
	id TEXT PRIMARY KEY,
	workflow_run_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
	step_key TEXT NOT NULL,
	definition_id TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('pending', 'queued', 'running', 'succeeded', 'failed', 'canceled', 'skipped')),
	payload TEXT NOT NULL,
	depends_on TEXT NOT NULL DEFAULT '[]',
	child_job_id TEXT,
	queued_at INTEGER,
	started_at INTEGER,
	finished_at INTEGER,
	last_error TEXT,
	UNIQUE (workflow_run_id, step_key)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_step_runs_child_job ON workflow_step_runs(child_job_id)
	WHERE child_job_id IS NOT NULL;
`
