package docsync

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// StorageKey is an ordered, non-empty tuple of string segments,
// e.g. [documentId, "incremental", chunkHash].
type StorageKey []string

func (self StorageKey) String() string {
	return strings.Join(self, "/")
}

// HasPrefix reports whether prefix is a literal element-by-element prefix
// of the key. This is tuple-prefix matching, not string-prefix matching:
// ["AA","B"] does not match prefix ["A"].
func (self StorageKey) HasPrefix(prefix StorageKey) bool {
	if len(self) < len(prefix) {
		return false
	}
	return slices.Equal(self[0:len(prefix)], prefix)
}

type StorageRecord struct {
	Key  StorageKey
	Data []byte
}

// StorageAdapter is the sole gateway to durable storage. Every call hits
// the backing store; there is no cache and no internal retry. Save returns
// only after the write is durable, which is the confirmation the backfill
// runner relies on.
type StorageAdapter interface {
	// Load returns the payload at exactly key, or (nil, nil) if absent.
	Load(ctx context.Context, key StorageKey) ([]byte, error)

	// Save upserts the payload at key, overwriting any existing value.
	Save(ctx context.Context, key StorageKey, data []byte) error

	// Remove deletes exactly key. Removing an absent key is a no-op.
	Remove(ctx context.Context, key StorageKey) error

	// LoadRange returns every record whose key matches prefix by the
	// tuple-prefix rule. An empty prefix returns every record.
	LoadRange(ctx context.Context, prefix StorageKey) ([]StorageRecord, error)

	// RemoveRange deletes every record whose key matches prefix by the
	// tuple-prefix rule. An empty prefix clears the store.
	RemoveRange(ctx context.Context, prefix StorageKey) error
}

// MemoryStorageAdapter keeps records in process memory. It exists for
// tests and dry runs; the durable implementation is PgStorageAdapter.
type MemoryStorageAdapter struct {
	mutex   sync.Mutex
	records map[string]StorageRecord
}

func NewMemoryStorageAdapter() *MemoryStorageAdapter {
	return &MemoryStorageAdapter{
		records: map[string]StorageRecord{},
	}
}

// memoryMapKey escapes segments so that distinct tuples never collide in
// the flat map, whatever characters the segments contain.
func memoryMapKey(key StorageKey) string {
	parts := make([]string, len(key))
	for i, segment := range key {
		escaped := strings.ReplaceAll(segment, `\`, `\\`)
		parts[i] = strings.ReplaceAll(escaped, "\x00", `\0`)
	}
	return strings.Join(parts, "\x00")
}

func (self *MemoryStorageAdapter) Load(ctx context.Context, key StorageKey) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	record, ok := self.records[memoryMapKey(key)]
	if !ok {
		return nil, nil
	}
	return slices.Clone(record.Data), nil
}

func (self *MemoryStorageAdapter) Save(ctx context.Context, key StorageKey, data []byte) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.records[memoryMapKey(key)] = StorageRecord{
		Key:  slices.Clone(key),
		Data: slices.Clone(data),
	}
	return nil
}

func (self *MemoryStorageAdapter) Remove(ctx context.Context, key StorageKey) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.records, memoryMapKey(key))
	return nil
}

func (self *MemoryStorageAdapter) LoadRange(ctx context.Context, prefix StorageKey) ([]StorageRecord, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := []StorageRecord{}
	for _, record := range self.records {
		if record.Key.HasPrefix(prefix) {
			out = append(out, StorageRecord{
				Key:  slices.Clone(record.Key),
				Data: slices.Clone(record.Data),
			})
		}
	}
	slices.SortFunc(out, func(a StorageRecord, b StorageRecord) int {
		return slices.Compare(a.Key, b.Key)
	})
	return out, nil
}

func (self *MemoryStorageAdapter) RemoveRange(ctx context.Context, prefix StorageKey) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for mapKey, record := range self.records {
		if record.Key.HasPrefix(prefix) {
			delete(self.records, mapKey)
		}
	}
	return nil
}
