package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schemaDDL bootstraps the tables the service needs. Applied at startup
// with IF NOT EXISTS so repeated runs are harmless; schema migration
// tooling proper lives outside this service.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS workflow (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'draft',
	trigger_type TEXT NOT NULL DEFAULT '',
	trigger_filter JSONB,
	location_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS workflow_step (
	id UUID PRIMARY KEY,
	workflow_id UUID NOT NULL REFERENCES workflow(id) ON DELETE CASCADE,
	position INT NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	action_type TEXT NOT NULL DEFAULT '',
	config JSONB,
	label TEXT NOT NULL DEFAULT '',
	canvas_x DOUBLE PRECISION NOT NULL DEFAULT 300,
	canvas_y DOUBLE PRECISION NOT NULL DEFAULT 100
);
CREATE INDEX IF NOT EXISTS workflow_step_workflow_idx ON workflow_step (workflow_id, position);

CREATE TABLE IF NOT EXISTS workflow_connection (
	workflow_id UUID NOT NULL REFERENCES workflow(id) ON DELETE CASCADE,
	from_step_id UUID NOT NULL,
	to_step_id UUID NOT NULL,
	conn_type TEXT NOT NULL,
	PRIMARY KEY (workflow_id, from_step_id, conn_type)
);

CREATE TABLE IF NOT EXISTS workflow_dispatch (
	id UUID PRIMARY KEY,
	workflow_id UUID NOT NULL REFERENCES workflow(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'pending',
	trigger_data JSONB,
	claimed_by TEXT NOT NULL DEFAULT '',
	claimed_at TIMESTAMPTZ,
	attempts INT NOT NULL DEFAULT 0,
	resume_step_id UUID,
	resume_at TIMESTAMPTZ,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS workflow_dispatch_claim_idx
	ON workflow_dispatch (status, created_at);

CREATE TABLE IF NOT EXISTS workflow_step_trace (
	id UUID PRIMARY KEY,
	dispatch_id UUID NOT NULL REFERENCES workflow_dispatch(id) ON DELETE CASCADE,
	step_id UUID NOT NULL,
	seq INT NOT NULL,
	outcome TEXT NOT NULL,
	output JSONB,
	error TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS workflow_step_trace_dispatch_idx
	ON workflow_step_trace (dispatch_id, seq);
`

// EnsureSchema creates the service tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
