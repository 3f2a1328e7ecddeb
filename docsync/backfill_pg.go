package docsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PgBackfillSourceSettings struct {
	TableName     string
	RefColumn     string
	ContentColumn string
	DocColumn     string
}

func DefaultPgBackfillSourceSettings() *PgBackfillSourceSettings {
	return &PgBackfillSourceSettings{
		TableName:     "refs",
		RefColumn:     "id",
		ContentColumn: "content",
		DocColumn:     "doc_id",
	}
}

// PgBackfillSource reads legacy rows from the external refs table and
// records created document ids back onto them.
type PgBackfillSource struct {
	pool     *pgxpool.Pool
	settings *PgBackfillSourceSettings
}

func NewPgBackfillSourceWithDefaults(pool *pgxpool.Pool) *PgBackfillSource {
	return NewPgBackfillSource(pool, DefaultPgBackfillSourceSettings())
}

func NewPgBackfillSource(pool *pgxpool.Pool, settings *PgBackfillSourceSettings) *PgBackfillSource {
	return &PgBackfillSource{
		pool:     pool,
		settings: settings,
	}
}

func (self *PgBackfillSource) LegacyRows(ctx context.Context) ([]LegacyRow, error) {
	rows, err := self.pool.Query(
		ctx,
		fmt.Sprintf(
			`SELECT %s::text, %s, %s FROM %s WHERE %s IS NOT NULL`,
			self.settings.RefColumn,
			self.settings.DocColumn,
			self.settings.ContentColumn,
			self.settings.TableName,
			self.settings.ContentColumn,
		),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []LegacyRow{}
	for rows.Next() {
		var refId string
		var docIdStr *string
		var content map[string]any
		if err := rows.Scan(&refId, &docIdStr, &content); err != nil {
			return nil, err
		}
		row := LegacyRow{
			RefId:   refId,
			Content: content,
		}
		if docIdStr != nil {
			docId, err := ParseId(*docIdStr)
			if err != nil {
				return nil, fmt.Errorf("row %s doc id: %w", refId, err)
			}
			row.DocId = &docId
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (self *PgBackfillSource) BindDocument(ctx context.Context, refId string, documentId Id) error {
	_, err := self.pool.Exec(
		ctx,
		fmt.Sprintf(
			`UPDATE %s SET %s = $2 WHERE %s::text = $1`,
			self.settings.TableName,
			self.settings.DocColumn,
			self.settings.RefColumn,
		),
		refId,
		documentId.String(),
	)
	return err
}

// PgHeadGate consumes the access-gate query against the ref-binding
// store: does the ref's accepted head match the stored document? The
// query text belongs to the parent system's schema; the default matches
// a refs table carrying (id, doc_id, head) where head holds the stored
// document's current head hash.
type PgHeadGate struct {
	pool  *pgxpool.Pool
	query string
}

const DefaultHeadGateQuery = `SELECT EXISTS (
	SELECT 1 FROM refs WHERE id::text = $1 AND doc_id = $2
	AND head IS NOT DISTINCT FROM current_head
)`

func NewPgHeadGate(pool *pgxpool.Pool, query string) *PgHeadGate {
	if query == "" {
		query = DefaultHeadGateQuery
	}
	return &PgHeadGate{
		pool:  pool,
		query: query,
	}
}

func (self *PgHeadGate) HeadsMatch(ctx context.Context, refId string, documentId Id) (bool, error) {
	var match bool
	err := self.pool.QueryRow(ctx, self.query, refId, documentId.String()).Scan(&match)
	if err != nil {
		return false, err
	}
	return match, nil
}
