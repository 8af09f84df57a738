// Package repositories provides typed, per-entity access to the
// kernel's relational store: one repository per table, hand-written
// parameterized SQL, sharing a single connection pool.
package repositories

import (
	"database/sql"

	"go.opentelemetry.io/otel"

	"stationkernel/internal/db"
)

// tracer instruments every repository method; spans surface through the
// provider internal/telemetry installs at boot.
var tracer = otel.Tracer("stationkernel/db")

// Repositories aggregates every entity repository the kernel needs,
// sharing one underlying *sql.DB connection pool.
type Repositories struct {
	Instances   *InstanceRepo
	Events      *EventRepo
	Commands    *CommandRepo
	Checkpoints *CheckpointRepo
	Workflows   *WorkflowRepo

	db db.Database
}

// New builds a Repositories aggregate over database.
func New(database db.Database) *Repositories {
	conn := database.Conn()
	return &Repositories{
		Instances:   NewInstanceRepo(conn),
		Events:      NewEventRepo(conn),
		Commands:    NewCommandRepo(conn),
		Checkpoints: NewCheckpointRepo(conn),
		Workflows:   NewWorkflowRepo(conn),
		db:          database,
	}
}

// BeginTx starts a database transaction.
func (r *Repositories) BeginTx() (*sql.Tx, error) {
	return r.db.Conn().Begin()
}
