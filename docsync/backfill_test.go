package docsync

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

type fakeBackfillSource struct {
	rows []LegacyRow

	bound    map[string]Id
	bindErrs map[string]error
}

func newFakeBackfillSource(rows ...LegacyRow) *fakeBackfillSource {
	return &fakeBackfillSource{
		rows:     rows,
		bound:    map[string]Id{},
		bindErrs: map[string]error{},
	}
}

func (self *fakeBackfillSource) LegacyRows(ctx context.Context) ([]LegacyRow, error) {
	// reflect previous bindings the way a requery would
	rows := make([]LegacyRow, 0, len(self.rows))
	for _, row := range self.rows {
		if documentId, ok := self.bound[row.RefId]; ok {
			bound := documentId
			row.DocId = &bound
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (self *fakeBackfillSource) BindDocument(ctx context.Context, refId string, documentId Id) error {
	if err := self.bindErrs[refId]; err != nil {
		return err
	}
	self.bound[refId] = documentId
	return nil
}

func TestBackfillCreatesAndBinds(t *testing.T) {
	ctx := context.Background()
	adapter := NewMemoryStorageAdapter()
	repo := NewRepoWithDefaults(adapter)

	source := newFakeBackfillSource(
		LegacyRow{RefId: "ref-1", Content: map[string]any{"name": "one"}},
		LegacyRow{RefId: "ref-2", Content: map[string]any{"name": "two"}},
	)
	result, err := RunBackfill(ctx, repo, adapter, source)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Created, 2)
	assert.Equal(t, result.Skipped, 0)
	assert.Equal(t, result.Failed, 0)

	for refId, want := range map[string]string{"ref-1": "one", "ref-2": "two"} {
		documentId, ok := source.bound[refId]
		assert.Equal(t, ok, true)
		handle, err := repo.Find(ctx, documentId)
		assert.Equal(t, err, nil)
		content, err := handle.Content()
		assert.Equal(t, err, nil)
		assert.Equal(t, content["name"], want)
	}
}

func TestBackfillRerunSkips(t *testing.T) {
	ctx := context.Background()
	adapter := NewMemoryStorageAdapter()
	repo := NewRepoWithDefaults(adapter)

	source := newFakeBackfillSource(
		LegacyRow{RefId: "ref-1", Content: map[string]any{"name": "one"}},
	)
	_, err := RunBackfill(ctx, repo, adapter, source)
	assert.Equal(t, err, nil)
	first := source.bound["ref-1"]

	result, err := RunBackfill(ctx, repo, adapter, source)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Created, 0)
	assert.Equal(t, result.Skipped, 1)
	assert.Equal(t, source.bound["ref-1"], first)
}

func TestBackfillRecreatesTombstonedDocument(t *testing.T) {
	ctx := context.Background()
	adapter := NewMemoryStorageAdapter()
	repo := NewRepoWithDefaults(adapter)

	// the row records a document id whose chunks no longer exist
	gone := NewId()
	source := newFakeBackfillSource(
		LegacyRow{RefId: "ref-1", DocId: &gone, Content: map[string]any{"name": "one"}},
	)
	result, err := RunBackfill(ctx, repo, adapter, source)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Created, 1)
	assert.NotEqual(t, source.bound["ref-1"], gone)

	handle, err := repo.Find(ctx, source.bound["ref-1"])
	assert.Equal(t, err, nil)
	content, err := handle.Content()
	assert.Equal(t, err, nil)
	assert.Equal(t, content["name"], "one")
}

func TestBackfillResolveFailureDoesNotRecreate(t *testing.T) {
	ctx := context.Background()
	adapter := NewMemoryStorageAdapter()
	repo := NewRepoWithDefaults(adapter)

	// an unreadable recorded document must fail the row, not duplicate it
	broken := NewId()
	repo.adapter = &faultingAdapter{StorageAdapter: adapter, failPrefix: broken.String()}
	source := newFakeBackfillSource(
		LegacyRow{RefId: "ref-1", DocId: &broken, Content: map[string]any{"name": "one"}},
		LegacyRow{RefId: "ref-2", Content: map[string]any{"name": "two"}},
	)
	result, err := RunBackfill(ctx, repo, adapter, source)
	assert.NotEqual(t, err, nil)
	assert.Equal(t, result.Failed, 1)
	assert.Equal(t, result.Created, 1)
	_, bound := source.bound["ref-1"]
	assert.Equal(t, bound, false)
}

func TestBackfillBindFailureCollected(t *testing.T) {
	ctx := context.Background()
	adapter := NewMemoryStorageAdapter()
	repo := NewRepoWithDefaults(adapter)

	source := newFakeBackfillSource(
		LegacyRow{RefId: "ref-1", Content: map[string]any{"name": "one"}},
		LegacyRow{RefId: "ref-2", Content: map[string]any{"name": "two"}},
	)
	bindErr := errors.New("refs table locked")
	source.bindErrs["ref-1"] = bindErr

	result, err := RunBackfill(ctx, repo, adapter, source)
	assert.Equal(t, errors.Is(err, bindErr), true)
	assert.Equal(t, result.Created, 1)
	assert.Equal(t, result.Failed, 1)
	assert.Equal(t, source.bound["ref-2"] != (Id{}), true)
}

// faultingAdapter fails LoadRange for one document id prefix and passes
// everything else through.
type faultingAdapter struct {
	StorageAdapter
	failPrefix string
}

func (self *faultingAdapter) LoadRange(ctx context.Context, prefix StorageKey) ([]StorageRecord, error) {
	if 0 < len(prefix) && prefix[0] == self.failPrefix {
		return nil, errors.New("storage unavailable")
	}
	return self.StorageAdapter.LoadRange(ctx, prefix)
}
