package postgres

// schema is applied by Migrate. The %d placeholder is the embedding
// dimensionality, fixed per deployment.
const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS agents (
	id              text PRIMARY KEY,
	name            text NOT NULL,
	role            text NOT NULL DEFAULT '',
	persona         text NOT NULL DEFAULT '',
	traits          text[] NOT NULL DEFAULT '{}',
	specializations text[] NOT NULL DEFAULT '{}',
	language        text NOT NULL DEFAULT '',
	model_provider  text NOT NULL DEFAULT '',
	model_name      text NOT NULL DEFAULT '',
	active          boolean NOT NULL DEFAULT true,
	tasks_completed integer NOT NULL DEFAULT 0,
	avg_quality     double precision NOT NULL DEFAULT 0,
	approval_rate   double precision NOT NULL DEFAULT 0,
	created_at      timestamptz NOT NULL DEFAULT now(),
	updated_at      timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS circles (
	id             text PRIMARY KEY,
	name           text NOT NULL UNIQUE,
	status         text NOT NULL DEFAULT 'stopped',
	auto_route     boolean NOT NULL DEFAULT false,
	require_review boolean NOT NULL DEFAULT false,
	project_id     text,
	created_at     timestamptz NOT NULL DEFAULT now(),
	updated_at     timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS circle_members (
	circle_id    text NOT NULL REFERENCES circles(id) ON DELETE CASCADE,
	agent_id     text NOT NULL REFERENCES agents(id),
	competencies text[] NOT NULL DEFAULT '{}',
	reviews      text[] NOT NULL DEFAULT '{}',
	position     integer NOT NULL,
	added_at     timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (circle_id, agent_id)
);

CREATE TABLE IF NOT EXISTS background_tasks (
	id                  bigserial PRIMARY KEY,
	goal                text NOT NULL,
	agent_id            text NOT NULL,
	circle_id           text,
	status              text NOT NULL DEFAULT 'pending',
	max_steps           integer NOT NULL,
	timeout_seconds     integer NOT NULL,
	checkpoint_interval integer NOT NULL,
	current_step        integer NOT NULL DEFAULT 0,
	progress_percent    double precision NOT NULL DEFAULT 0,
	progress_summary    text NOT NULL DEFAULT '',
	checkpoint_data     jsonb NOT NULL DEFAULT '{}',
	final_result        text NOT NULL DEFAULT '',
	error_message       text NOT NULL DEFAULT '',
	llm_calls           integer NOT NULL DEFAULT 0,
	tokens              integer NOT NULL DEFAULT 0,
	tool_calls          integer NOT NULL DEFAULT 0,
	claimed_by          text,
	created_at          timestamptz NOT NULL DEFAULT now(),
	started_at          timestamptz,
	finished_at         timestamptz
);
CREATE INDEX IF NOT EXISTS background_tasks_status_idx ON background_tasks (status);

CREATE TABLE IF NOT EXISTS background_task_steps (
	id          bigserial PRIMARY KEY,
	task_id     bigint NOT NULL REFERENCES background_tasks(id) ON DELETE CASCADE,
	step_number integer NOT NULL,
	action      text NOT NULL,
	input       text NOT NULL DEFAULT '',
	output      text NOT NULL DEFAULT '',
	tool_name   text,
	duration_ms bigint NOT NULL DEFAULT 0,
	tokens      integer NOT NULL DEFAULT 0,
	created_at  timestamptz NOT NULL DEFAULT now(),
	UNIQUE (task_id, step_number, action)
);

CREATE TABLE IF NOT EXISTS scheduled_actions (
	id               text PRIMARY KEY,
	agent_id         text NOT NULL,
	name             text NOT NULL,
	goal             text NOT NULL,
	schedule_type    text NOT NULL,
	cron_expression  text,
	interval_seconds integer,
	fire_at          timestamptz,
	event_name       text,
	status           text NOT NULL DEFAULT 'active',
	max_steps        integer NOT NULL DEFAULT 0,
	timeout_seconds  integer NOT NULL DEFAULT 0,
	start_date       timestamptz,
	end_date         timestamptz,
	max_executions   integer NOT NULL DEFAULT 0,
	execution_count  integer NOT NULL DEFAULT 0,
	retry_on_failure boolean NOT NULL DEFAULT false,
	max_retries      integer NOT NULL DEFAULT 0,
	retry_count      integer NOT NULL DEFAULT 0,
	allow_concurrent boolean NOT NULL DEFAULT false,
	last_run_at      timestamptz,
	next_run_at      timestamptz,
	tags             text[] NOT NULL DEFAULT '{}',
	created_at       timestamptz NOT NULL DEFAULT now(),
	updated_at       timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS scheduled_actions_due_idx ON scheduled_actions (status, next_run_at);

CREATE TABLE IF NOT EXISTS scheduled_runs (
	id           text PRIMARY KEY,
	action_id    text NOT NULL REFERENCES scheduled_actions(id) ON DELETE CASCADE,
	task_id      bigint NOT NULL,
	run_number   integer NOT NULL,
	triggered_at timestamptz NOT NULL DEFAULT now(),
	triggered_by text NOT NULL,
	status       text NOT NULL DEFAULT 'pending',
	duration_ms  bigint NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS scheduled_runs_action_idx ON scheduled_runs (action_id, status);

CREATE TABLE IF NOT EXISTS pipelines (
	id              text PRIMARY KEY,
	name            text NOT NULL,
	status          text NOT NULL DEFAULT 'draft',
	nodes           jsonb NOT NULL DEFAULT '[]',
	edges           jsonb NOT NULL DEFAULT '[]',
	timeout_seconds integer NOT NULL DEFAULT 0,
	total_runs      integer NOT NULL DEFAULT 0,
	successful_runs integer NOT NULL DEFAULT 0,
	avg_duration_ms bigint NOT NULL DEFAULT 0,
	created_at      timestamptz NOT NULL DEFAULT now(),
	updated_at      timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          text PRIMARY KEY,
	pipeline_id text NOT NULL REFERENCES pipelines(id) ON DELETE CASCADE,
	status      text NOT NULL DEFAULT 'pending',
	node_states jsonb NOT NULL DEFAULT '{}',
	payload     jsonb NOT NULL DEFAULT '{}',
	error       text NOT NULL DEFAULT '',
	started_at  timestamptz,
	finished_at timestamptz,
	created_at  timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS memories (
	id           text PRIMARY KEY,
	agent_id     text NOT NULL,
	scope        text NOT NULL,
	scope_id     text,
	content      text NOT NULL,
	embedding    vector(%d) NOT NULL,
	importance   double precision NOT NULL DEFAULT 0.5,
	access_count integer NOT NULL DEFAULT 0,
	tags         text[] NOT NULL DEFAULT '{}',
	type         text NOT NULL,
	forgotten    boolean NOT NULL DEFAULT false,
	created_at   timestamptz NOT NULL DEFAULT now(),
	updated_at   timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS memories_agent_idx ON memories (agent_id) WHERE NOT forgotten;
`
