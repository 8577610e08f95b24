package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/gleitzeit/gleitzeit/pkg/rpcerr"
	"github.com/gleitzeit/gleitzeit/pkg/workflow"
)

// Postgres is a Postgres-backed EntryAdmin, giving scheduler entries
// the same durability the rest of the orchestrator's state gets.
// Grounded on pkg/store/postgres.go's bind-parameter conventions,
// against the scheduler_entries table migrations/0002_scheduler_entries.sql
// creates.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func wrapPG(message string, err error) error {
	if err == nil {
		return nil
	}
	return rpcerr.NewPersistence(message, err)
}

func (p *Postgres) ListEntries(ctx context.Context) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, cron_expr, document, enabled FROM scheduler_entries`)
	if err != nil {
		return nil, wrapPG("list scheduler entries", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var docJSON []byte
		if err := rows.Scan(&e.ID, &e.CronExpr, &docJSON, &e.Enabled); err != nil {
			return nil, wrapPG("scan scheduler entry", err)
		}
		var doc workflow.Document
		if err := json.Unmarshal(docJSON, &doc); err != nil {
			return nil, wrapPG("unmarshal scheduler entry document", err)
		}
		e.Document = &doc
		out = append(out, e)
	}
	return out, wrapPG("iterate scheduler entries", rows.Err())
}

// CreateEntry upserts an entry by id, so re-submitting the same
// schedule id updates its cron expression, document or enabled flag
// in place rather than erroring.
func (p *Postgres) CreateEntry(ctx context.Context, e Entry) error {
	docJSON, err := json.Marshal(e.Document)
	if err != nil {
		return rpcerr.NewInvalidParams("marshal scheduler entry document: " + err.Error())
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO scheduler_entries (id, cron_expr, document, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			cron_expr = EXCLUDED.cron_expr,
			document = EXCLUDED.document,
			enabled = EXCLUDED.enabled
	`, e.ID, e.CronExpr, docJSON, e.Enabled)
	return wrapPG("create scheduler entry", err)
}

func (p *Postgres) DeleteEntry(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM scheduler_entries WHERE id = $1`, id)
	return wrapPG("delete scheduler entry", err)
}

var _ EntryAdmin = (*Postgres)(nil)
