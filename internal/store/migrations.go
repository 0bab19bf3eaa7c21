package store

// schemaV1 is the initial schema covering every §3 entity. Columns that
// hold ordered or variable-shape data (acceptance criteria, affected
// files, test commands, event payloads) are stored as JSON text,
// following the task service's JSON-column convention; everything
// queried, joined, or filtered on is a real column.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(64) PRIMARY KEY,
    version INTEGER NOT NULL,
    category VARCHAR(32) NOT NULL,
    risk_level VARCHAR(16) NOT NULL,
    title TEXT NOT NULL,
    description TEXT,
    acceptance_criteria TEXT,
    affected_files TEXT,
    codebase_test_cmds TEXT,
    api_test_cmds TEXT,
    ui_test_cmds TEXT,
    status VARCHAR(16) NOT NULL,
    priority_score INTEGER NOT NULL DEFAULT 0,
    blocks_count INTEGER NOT NULL DEFAULT 0,
    is_quick_win BOOLEAN NOT NULL DEFAULT 0,
    deadline TIMESTAMP,
    parent_task_id VARCHAR(64),
    supersedes_task_id VARCHAR(64),
    attempts INTEGER NOT NULL DEFAULT 0,
    skip_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id);

CREATE TABLE IF NOT EXISTS task_relationships (
    from_task_id VARCHAR(64) NOT NULL,
    to_task_id VARCHAR(64) NOT NULL,
    rel_type VARCHAR(32) NOT NULL,
    strength REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (from_task_id, to_task_id, rel_type)
);
CREATE INDEX IF NOT EXISTS idx_rel_to ON task_relationships(to_task_id);

CREATE TABLE IF NOT EXISTS task_lists (
    id VARCHAR(64) PRIMARY KEY,
    name TEXT NOT NULL,
    status VARCHAR(16) NOT NULL,
    user_approval_required BOOLEAN NOT NULL DEFAULT 1,
    auto_execute_low_risk BOOLEAN NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS task_list_items (
    list_id VARCHAR(64) NOT NULL,
    task_id VARCHAR(64) NOT NULL,
    position INTEGER NOT NULL,
    status VARCHAR(16) NOT NULL,
    PRIMARY KEY (list_id, task_id)
);

CREATE TABLE IF NOT EXISTS execution_runs (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL,
    wave_id VARCHAR(64),
    branch_name TEXT,
    status VARCHAR(16) NOT NULL,
    health VARCHAR(16) NOT NULL DEFAULT 'healthy',
    tokens_used INTEGER NOT NULL DEFAULT 0,
    started_at TIMESTAMP NOT NULL,
    last_heartbeat_at TIMESTAMP,
    ended_at TIMESTAMP,
    exit_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_runs_task ON execution_runs(task_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON execution_runs(status);

CREATE TABLE IF NOT EXISTS waves (
    id VARCHAR(64) PRIMARY KEY,
    sequence INTEGER NOT NULL,
    status VARCHAR(16) NOT NULL,
    truncated BOOLEAN NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    closed_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS events (
    id VARCHAR(64) PRIMARY KEY,
    ts TIMESTAMP NOT NULL,
    source VARCHAR(128) NOT NULL,
    type VARCHAR(64) NOT NULL,
    payload TEXT,
    priority INTEGER NOT NULL DEFAULT 0,
    correlation_id VARCHAR(64),
    acknowledged BOOLEAN NOT NULL DEFAULT 0,
    acknowledged_by VARCHAR(128)
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_source ON events(source);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);

CREATE TABLE IF NOT EXISTS event_subscriptions (
    id VARCHAR(64) PRIMARY KEY,
    subscriber VARCHAR(128) NOT NULL,
    types TEXT,
    source_filter VARCHAR(128)
);

CREATE TABLE IF NOT EXISTS locks (
    resource_path VARCHAR(512) PRIMARY KEY,
    held_by VARCHAR(64) NOT NULL,
    acquired_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    reason TEXT
);

CREATE TABLE IF NOT EXISTS wait_edges (
    waiter VARCHAR(64) NOT NULL,
    holder VARCHAR(64) NOT NULL,
    resource_path VARCHAR(512) NOT NULL,
    recorded_at TIMESTAMP NOT NULL,
    PRIMARY KEY (waiter, holder, resource_path)
);

CREATE TABLE IF NOT EXISTS checkpoints (
    id VARCHAR(64) PRIMARY KEY,
    run_id VARCHAR(64) NOT NULL,
    task_id VARCHAR(64) NOT NULL,
    ref TEXT NOT NULL,
    label TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_run ON checkpoints(run_id);

CREATE TABLE IF NOT EXISTS knowledge_items (
    id VARCHAR(64) PRIMARY KEY,
    kind VARCHAR(16) NOT NULL,
    content TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0.5,
    evidence TEXT,
    affected_areas TEXT,
    source_task_id VARCHAR(64),
    superseded_by VARCHAR(64),
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_knowledge_kind ON knowledge_items(kind);

CREATE TABLE IF NOT EXISTS acceptance_criterion_results (
    id VARCHAR(64) PRIMARY KEY,
    task_id VARCHAR(64) NOT NULL,
    run_id VARCHAR(64) NOT NULL,
    statement TEXT NOT NULL,
    level INTEGER NOT NULL,
    passed BOOLEAN NOT NULL,
    output TEXT,
    checked_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acr_task ON acceptance_criterion_results(task_id);

CREATE TABLE IF NOT EXISTS transcripts (
    id VARCHAR(64) PRIMARY KEY,
    run_id VARCHAR(64) NOT NULL,
    seq INTEGER NOT NULL,
    role VARCHAR(16) NOT NULL,
    content TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transcripts_run ON transcripts(run_id, seq);

CREATE TABLE IF NOT EXISTS tool_uses (
    id VARCHAR(64) PRIMARY KEY,
    run_id VARCHAR(64) NOT NULL,
    seq INTEGER NOT NULL,
    tool_name VARCHAR(128) NOT NULL,
    input TEXT,
    output TEXT,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tooluses_run ON tool_uses(run_id, seq);

CREATE TABLE IF NOT EXISTS assertions (
    id VARCHAR(64) PRIMARY KEY,
    run_id VARCHAR(64) NOT NULL,
    task_id VARCHAR(64) NOT NULL,
    statement TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0.5,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS skill_traces (
    id VARCHAR(64) PRIMARY KEY,
    run_id VARCHAR(64) NOT NULL,
    skill_name VARCHAR(128) NOT NULL,
    input TEXT,
    output TEXT,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_skilltraces_run ON skill_traces(run_id);
`

// schemaV2 adds a duplicate-occurrence counter to knowledge items, used
// by the Knowledge Base to bump an existing item instead of inserting a
// near-duplicate when content similarity crosses its threshold.
const schemaV2 = `
ALTER TABLE knowledge_items ADD COLUMN occurrences INTEGER NOT NULL DEFAULT 1;
`

// schemaV3 adds the decisions table backing the PM Coordinator's
// structured decision requests: conflicts and contradictions it cannot
// auto-resolve, tracked from decision_needed through to either a human
// decide() call or a default-timeout resolution.
const schemaV3 = `
CREATE TABLE IF NOT EXISTS decisions (
    id VARCHAR(64) PRIMARY KEY,
    kind VARCHAR(64) NOT NULL,
    subject TEXT NOT NULL,
    options TEXT NOT NULL,
    default_choice VARCHAR(256) NOT NULL,
    paused_run_id VARCHAR(64) NOT NULL DEFAULT '',
    timeout_at TIMESTAMP NOT NULL,
    resolved BOOLEAN NOT NULL DEFAULT 0,
    choice VARCHAR(256) NOT NULL DEFAULT '',
    resolved_by VARCHAR(64) NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    resolved_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_decisions_resolved ON decisions(resolved, timeout_at);
`
