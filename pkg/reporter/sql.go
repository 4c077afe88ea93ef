package reporter

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the "postgres" driver with database/sql.
	_ "github.com/lib/pq"

	"github.com/lattice-ci/conveyor/pkg/types"
)

// SQLReporter inserts one row per terminal QueueItem report, the
// interface-level adapter spec §2 point 8 names ("SQL reporter"); the
// actual schema and querying surface is out of this core's scope (§1).
type SQLReporter struct {
	db    *sql.DB
	table string
}

// NewSQLReporter opens a connection pool against dsn (a postgres
// connection string) and targets table for inserts.
func NewSQLReporter(dsn, table string) (*SQLReporter, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("reporter: sql: open: %w", err)
	}
	if table == "" {
		table = "zuul_results"
	}
	return &SQLReporter{db: db, table: table}, nil
}

// Report implements Reporter. Row insertion is itself idempotent in the
// sense required by §4.7: a redelivered report for the same item/phase
// simply appends another history row rather than corrupting prior state,
// matching the spec's explicit delegation of long-term result history to
// this reporter rather than the pipeline manager.
func (r *SQLReporter) Report(ctx context.Context, item *types.QueueItem, phase types.ReportPhase, message string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s
		(item_id, tenant, pipeline, phase, message, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		item.ID, item.Tenant, item.Pipeline, string(phase), message, time.Now())
	if err != nil {
		return fmt.Errorf("reporter: sql: insert: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *SQLReporter) Close() error {
	return r.db.Close()
}
