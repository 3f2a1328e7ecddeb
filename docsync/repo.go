package docsync

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

const (
	chunkKindSnapshot    = "snapshot"
	chunkKindIncremental = "incremental"
)

type RepoSettings struct {
	// CompactionThreshold is the number of incremental chunks after which
	// the document is re-snapshotted and the subsumed chunks deleted.
	CompactionThreshold int

	// Compress controls zstd compression of chunk payloads. Loads always
	// sniff the zstd magic, so mixed stores read fine either way.
	Compress bool
}

func DefaultRepoSettings() *RepoSettings {
	return &RepoSettings{
		CompactionThreshold: 32,
		Compress:            true,
	}
}

// Repo is the sole owner of live document handles in this process. A
// second Find for the same id returns the same in-memory handle, so all
// consumers share one change-listener set per document.
type Repo struct {
	adapter  StorageAdapter
	settings *RepoSettings

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	mutex   sync.Mutex
	handles map[Id]*DocHandle
	loading map[Id]*findWait
}

type findWait struct {
	done   chan struct{}
	handle *DocHandle
	err    error
}

func NewRepoWithDefaults(adapter StorageAdapter) *Repo {
	return NewRepo(adapter, DefaultRepoSettings())
}

func NewRepo(adapter StorageAdapter, settings *RepoSettings) *Repo {
	zstdEncoder, _ := zstd.NewWriter(nil)
	zstdDecoder, _ := zstd.NewReader(nil)
	return &Repo{
		adapter:     adapter,
		settings:    settings,
		zstdEncoder: zstdEncoder,
		zstdDecoder: zstdDecoder,
		handles:     map[Id]*DocHandle{},
		loading:     map[Id]*findWait{},
	}
}

// Create allocates a fresh document seeded with content, persists its
// first snapshot, and returns the live handle. Create returns only after
// the snapshot write is durable.
func (self *Repo) Create(ctx context.Context, content map[string]any) (*DocHandle, error) {
	doc := automerge.New()
	keys := maps.Keys(content)
	slices.Sort(keys)
	for _, key := range keys {
		if err := doc.RootMap().Set(key, content[key]); err != nil {
			return nil, fmt.Errorf("create document: %w", err)
		}
	}
	if len(keys) != 0 {
		if _, err := doc.Commit("create"); err != nil {
			return nil, fmt.Errorf("create document: %w", err)
		}
	}
	return self.register(ctx, NewId(), doc)
}

// Clone produces a new document with a fresh id whose content equals the
// source's current content. The clone shares the source's causal history
// (it stays merge-compatible) but there is no live link afterward.
func (self *Repo) Clone(ctx context.Context, source *DocHandle) (*DocHandle, error) {
	source.mutex.Lock()
	forked, err := source.doc.Fork()
	source.mutex.Unlock()
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", source.Id(), err)
	}
	return self.register(ctx, NewId(), forked)
}

// AttachEmpty registers a live handle for an id this process has never
// stored, starting from an empty document. Used by the sync transport
// when a peer offers a document we do not have yet; the sync protocol
// fills in the content.
func (self *Repo) AttachEmpty(ctx context.Context, id Id) (*DocHandle, error) {
	self.mutex.Lock()
	if handle, ok := self.handles[id]; ok {
		self.mutex.Unlock()
		return handle, nil
	}
	self.mutex.Unlock()
	return self.register(ctx, id, automerge.New())
}

// Find returns the live handle for id, loading and reconstructing the
// document from its storage chunks on first use. Returns ErrNotFound when
// no chunks exist for id; storage faults propagate as themselves.
func (self *Repo) Find(ctx context.Context, id Id) (*DocHandle, error) {
	self.mutex.Lock()
	if handle, ok := self.handles[id]; ok {
		self.mutex.Unlock()
		return handle, nil
	}
	if wait, ok := self.loading[id]; ok {
		self.mutex.Unlock()
		<-wait.done
		return wait.handle, wait.err
	}
	wait := &findWait{
		done: make(chan struct{}),
	}
	self.loading[id] = wait
	self.mutex.Unlock()

	handle, err := self.load(ctx, id)

	self.mutex.Lock()
	delete(self.loading, id)
	if err == nil {
		// an AttachEmpty for the same id may have registered while the
		// load ran; the registered handle wins
		if existing, ok := self.handles[id]; ok {
			handle = existing
		} else {
			self.handles[id] = handle
		}
	}
	self.mutex.Unlock()

	wait.handle = handle
	wait.err = err
	close(wait.done)
	return handle, err
}

func (self *Repo) register(ctx context.Context, id Id, doc *automerge.Doc) (*DocHandle, error) {
	handle := &DocHandle{
		repo:      self,
		id:        id,
		doc:       doc,
		listeners: newListenerList(),
	}
	if err := self.persistSnapshotLocked(ctx, handle); err != nil {
		return nil, err
	}

	// concurrent attaches for the same id race to this point; whoever
	// registered first owns the slot, so every caller gets one handle
	// per id. The losing snapshot write is the same bytes at the same
	// chunk key, so it upserts harmlessly.
	self.mutex.Lock()
	if existing, ok := self.handles[id]; ok {
		self.mutex.Unlock()
		return existing, nil
	}
	self.handles[id] = handle
	self.mutex.Unlock()

	glog.V(1).Infof("[repo]register %s\n", id)
	return handle, nil
}

func (self *Repo) load(ctx context.Context, id Id) (*DocHandle, error) {
	records, err := self.adapter.LoadRange(ctx, StorageKey{id.String()})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var snapshots []StorageRecord
	var incrementals []StorageRecord
	chunkKeys := []StorageKey{}
	for _, record := range records {
		if len(record.Key) != 3 {
			glog.Infof("[repo]%s unexpected key %s\n", id, record.Key)
			continue
		}
		switch record.Key[1] {
		case chunkKindSnapshot:
			snapshots = append(snapshots, record)
		case chunkKindIncremental:
			incrementals = append(incrementals, record)
		default:
			glog.Infof("[repo]%s unexpected chunk kind %s\n", id, record.Key)
			continue
		}
		chunkKeys = append(chunkKeys, record.Key)
	}
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("%w: %s has no snapshot chunk", ErrNotFound, id)
	}

	first, err := self.decompress(snapshots[0].Data)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	doc, err := automerge.Load(first)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", id, err)
	}
	// automerge accepts any saved bundle incrementally, so extra
	// snapshots and incremental chunks apply in any order
	for _, record := range append(snapshots[1:], incrementals...) {
		data, err := self.decompress(record.Data)
		if err != nil {
			return nil, fmt.Errorf("load %s chunk %s: %w", id, record.Key, err)
		}
		if err := doc.LoadIncremental(data); err != nil {
			return nil, fmt.Errorf("load %s chunk %s: %w", id, record.Key, err)
		}
	}
	// drain the just-loaded state so the next SaveIncremental only
	// carries new changes
	doc.SaveIncremental()

	return &DocHandle{
		repo:             self,
		id:               id,
		doc:              doc,
		chunkKeys:        chunkKeys,
		incrementalCount: len(incrementals),
		listeners:        newListenerList(),
	}, nil
}

// persistChangesLocked writes the document's outstanding changes as one
// incremental chunk. Called with the handle mutex held.
func (self *Repo) persistChangesLocked(ctx context.Context, handle *DocHandle) error {
	data := handle.doc.SaveIncremental()
	if len(data) == 0 {
		return nil
	}
	key := StorageKey{handle.id.String(), chunkKindIncremental, chunkName(data)}
	if err := self.adapter.Save(ctx, key, self.compress(data)); err != nil {
		return err
	}
	handle.chunkKeys = append(handle.chunkKeys, key)
	handle.incrementalCount += 1
	glog.V(2).Infof("[repo]%s-> %s\n", handle.id, key)

	if self.settings.CompactionThreshold <= handle.incrementalCount {
		self.compactLocked(ctx, handle)
	}
	return nil
}

// persistSnapshotLocked writes a full snapshot chunk. Called with the
// handle mutex held, or before the handle is shared.
func (self *Repo) persistSnapshotLocked(ctx context.Context, handle *DocHandle) error {
	data := handle.doc.Save()
	key := StorageKey{handle.id.String(), chunkKindSnapshot, chunkName(data)}
	if err := self.adapter.Save(ctx, key, self.compress(data)); err != nil {
		return err
	}
	handle.chunkKeys = append(handle.chunkKeys, key)
	return nil
}

// compactLocked rewrites the document as a single snapshot and deletes
// exactly the chunks that snapshot subsumes. Compaction failures are
// logged and left for the next threshold crossing: chunks are additive,
// so stale leftovers only cost space.
func (self *Repo) compactLocked(ctx context.Context, handle *DocHandle) {
	subsumed := handle.chunkKeys
	handle.chunkKeys = nil
	handle.incrementalCount = 0

	if err := self.persistSnapshotLocked(ctx, handle); err != nil {
		glog.Infof("[repo]%s compact error = %s\n", handle.id, err)
		handle.chunkKeys = append(handle.chunkKeys, subsumed...)
		return
	}
	newKey := handle.chunkKeys[len(handle.chunkKeys)-1]
	for _, key := range subsumed {
		if slices.Equal(key, newKey) {
			// identical bytes re-snapshot to the same name
			continue
		}
		if err := self.adapter.Remove(ctx, key); err != nil {
			glog.Infof("[repo]%s compact remove %s error = %s\n", handle.id, key, err)
		}
	}
	glog.V(1).Infof("[repo]%s compacted %d chunks\n", handle.id, len(subsumed))
}

func chunkName(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func (self *Repo) compress(data []byte) []byte {
	if !self.settings.Compress {
		return data
	}
	return self.zstdEncoder.EncodeAll(data, nil)
}

func (self *Repo) decompress(data []byte) ([]byte, error) {
	if len(data) < 4 || !slices.Equal(data[0:4], zstdMagic) {
		return data, nil
	}
	return self.zstdDecoder.DecodeAll(data, nil)
}
