package docsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/glog"
)

// LegacyRow is an external row that has content but may not yet have an
// associated document.
type LegacyRow struct {
	RefId string

	// DocId is the document id recorded by a prior run, if any
	DocId *Id

	Content map[string]any
}

type BackfillSource interface {
	// LegacyRows returns every row eligible for backfill, including rows
	// a prior interrupted run may already have processed.
	LegacyRows(ctx context.Context) ([]LegacyRow, error)

	// BindDocument records documentId back onto the row for refId.
	BindDocument(ctx context.Context, refId string, documentId Id) error
}

type BackfillResult struct {
	Created int
	Skipped int
	Failed  int
}

// RunBackfill creates documents for legacy rows lacking one. It is
// idempotent and retryable: rows whose recorded id resolves are skipped,
// rows whose id fails to resolve as not-found (tombstoned) get a fresh
// document, and a row is only bound after the new document's chunks are
// confirmed readable through the adapter. There is no sleeping; Save is
// synchronous and the readback is the positive durability confirmation.
// Per-row failures are collected so one bad row does not abort the run.
func RunBackfill(ctx context.Context, repo *Repo, adapter StorageAdapter, source BackfillSource) (*BackfillResult, error) {
	rows, err := source.LegacyRows(ctx)
	if err != nil {
		return nil, fmt.Errorf("backfill list rows: %w", err)
	}

	result := &BackfillResult{}
	var rowErrs []error
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if row.DocId != nil {
			_, err := repo.Find(ctx, *row.DocId)
			if err == nil {
				result.Skipped += 1
				continue
			}
			if !errors.Is(err, ErrNotFound) {
				// couldn't check is not the same as doesn't exist;
				// creating here could duplicate the document
				result.Failed += 1
				rowErrs = append(rowErrs, fmt.Errorf("row %s resolve %s: %w", row.RefId, *row.DocId, err))
				continue
			}
			glog.Infof("[bf]row %s recorded doc %s is gone, recreating\n", row.RefId, *row.DocId)
		}

		handle, err := repo.Create(ctx, row.Content)
		if err != nil {
			result.Failed += 1
			rowErrs = append(rowErrs, fmt.Errorf("row %s create: %w", row.RefId, err))
			continue
		}

		records, err := adapter.LoadRange(ctx, StorageKey{handle.Id().String()})
		if err != nil {
			result.Failed += 1
			rowErrs = append(rowErrs, fmt.Errorf("row %s confirm %s: %w", row.RefId, handle.Id(), err))
			continue
		}
		if len(records) == 0 {
			result.Failed += 1
			rowErrs = append(rowErrs, fmt.Errorf("row %s confirm %s: no chunks readable after create", row.RefId, handle.Id()))
			continue
		}

		if err := source.BindDocument(ctx, row.RefId, handle.Id()); err != nil {
			result.Failed += 1
			rowErrs = append(rowErrs, fmt.Errorf("row %s bind %s: %w", row.RefId, handle.Id(), err))
			continue
		}

		glog.V(1).Infof("[bf]row %s -> %s\n", row.RefId, handle.Id())
		result.Created += 1
	}

	if len(rowErrs) != 0 {
		return result, errors.Join(rowErrs...)
	}
	return result, nil
}
