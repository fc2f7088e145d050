package postgresql

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_definitions (
				id TEXT PRIMARY KEY,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS workflow_instances (
				id TEXT PRIMARY KEY,
				definition_id TEXT NOT NULL,
				status TEXT NOT NULL,
				current_node_id TEXT,
				context JSONB,
				triggered_by TEXT,
				trigger JSONB,
				error_message TEXT,
				error_detail JSONB,
				started_at TIMESTAMP WITH TIME ZONE NOT NULL,
				paused_at TIMESTAMP WITH TIME ZONE,
				resumed_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				failed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_instances_definition
				ON workflow_instances (definition_id, created_at DESC);
			CREATE INDEX IF NOT EXISTS idx_workflow_instances_status
				ON workflow_instances (status);

			CREATE TABLE IF NOT EXISTS instance_history (
				id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL,
				node_id TEXT NOT NULL,
				node_type TEXT NOT NULL,
				action TEXT NOT NULL,
				input JSONB,
				output JSONB,
				error_message TEXT,
				duration_ms BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_instance_history_instance
				ON instance_history (instance_id, created_at);

			CREATE TABLE IF NOT EXISTS scheduled_tasks (
				id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL,
				node_id TEXT NOT NULL,
				task_type TEXT NOT NULL,
				scheduled_for TIMESTAMP WITH TIME ZONE NOT NULL,
				executed BOOLEAN NOT NULL DEFAULT FALSE,
				executed_at TIMESTAMP WITH TIME ZONE,
				failed BOOLEAN NOT NULL DEFAULT FALSE,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				payload JSONB,
				cron_expression TEXT,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_due
				ON scheduled_tasks (executed, scheduled_for);
		`,
	}
}
