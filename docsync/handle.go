package docsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/golang/glog"
)

// ChangeEvent is delivered to document listeners after a change has been
// applied and durably persisted. Content is the new content snapshot.
type ChangeEvent struct {
	DocumentId Id
	Heads      []string
	Content    map[string]any
}

type ChangeListener func(event ChangeEvent)

// listenerList is a copy-on-mutate listener registry. Subscriptions are
// explicit, disposable handles: add returns a remove func, so a consumer
// that re-attaches can dispose of its previous listener instead of
// leaking it for the process lifetime.
type listenerList struct {
	mutex     sync.Mutex
	nextSubId int
	listeners map[int]ChangeListener
}

func newListenerList() *listenerList {
	return &listenerList{
		listeners: map[int]ChangeListener{},
	}
}

func (self *listenerList) add(listener ChangeListener) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	subId := self.nextSubId
	self.nextSubId += 1
	self.listeners[subId] = listener
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.listeners, subId)
	}
}

func (self *listenerList) get() []ChangeListener {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]ChangeListener, 0, len(self.listeners))
	// map order does not matter here; per-document delivery order comes
	// from the handle mutex, which serializes notify rounds
	for _, listener := range self.listeners {
		out = append(out, listener)
	}
	return out
}

// DocHandle is the live in-process reference to one mergeable document.
// At most one handle exists per document id per process (see Repo), so
// every consumer observes the same change-listener set. All mutation is
// funneled through Change or the sync entry points, which serialize on
// the handle mutex.
type DocHandle struct {
	repo *Repo
	id   Id

	mutex sync.Mutex
	doc   *automerge.Doc

	// chunk keys that a future compaction may delete, maintained by the
	// repo persistence helpers while the mutex is held
	chunkKeys        []StorageKey
	incrementalCount int

	listeners *listenerList
}

func (self *DocHandle) Id() Id {
	return self.id
}

// Content returns a plain snapshot of the document's current content.
func (self *DocHandle) Content() (map[string]any, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return documentContent(self.doc)
}

// Heads returns the current change-log heads in string form.
func (self *DocHandle) Heads() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return headStrings(self.doc)
}

// Subscribe registers a change listener and returns its dispose func.
// Listeners run on the change path while the handle is locked; they must
// not block and must not call back into the handle.
func (self *DocHandle) Subscribe(listener ChangeListener) func() {
	return self.listeners.add(listener)
}

// Change applies an edit to the live document. The edit is committed to
// the change log, persisted durably, and then listeners are notified, in
// that order, without interleaving with other changes to this document.
func (self *DocHandle) Change(ctx context.Context, message string, edit func(doc *automerge.Doc) error) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := edit(self.doc); err != nil {
		return err
	}
	if _, err := self.doc.Commit(message); err != nil {
		return fmt.Errorf("commit %s: %w", self.id, err)
	}
	if err := self.repo.persistChangesLocked(ctx, self); err != nil {
		return err
	}
	self.notifyLocked()
	return nil
}

// NewSyncState allocates peer sync state against this document. Each
// remote peer connection holds its own state per document.
func (self *DocHandle) NewSyncState() *automerge.SyncState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return automerge.NewSyncState(self.doc)
}

// GenerateSyncMessage produces the next protocol message for a peer, if
// the peer's state implies one is needed.
func (self *DocHandle) GenerateSyncMessage(state *automerge.SyncState) ([]byte, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	message, valid := state.GenerateMessage()
	if !valid {
		return nil, false
	}
	return message.Bytes(), true
}

// ReceiveSyncMessage applies one protocol message from a peer. If the
// message changed the document, the change is persisted and listeners are
// notified before the reply is generated. The returned reply may be nil.
func (self *DocHandle) ReceiveSyncMessage(ctx context.Context, state *automerge.SyncState, data []byte) ([]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	headsBefore := headStrings(self.doc)
	if _, err := state.ReceiveMessage(data); err != nil {
		return nil, fmt.Errorf("receive sync %s: %w", self.id, err)
	}

	if !equalHeads(headsBefore, headStrings(self.doc)) {
		if err := self.repo.persistChangesLocked(ctx, self); err != nil {
			return nil, err
		}
		self.notifyLocked()
	}

	reply, valid := state.GenerateMessage()
	if !valid {
		return nil, nil
	}
	return reply.Bytes(), nil
}

func (self *DocHandle) notifyLocked() {
	content, err := documentContent(self.doc)
	if err != nil {
		glog.Infof("[doc]%s content snapshot error = %s\n", self.id, err)
		return
	}
	event := ChangeEvent{
		DocumentId: self.id,
		Heads:      headStrings(self.doc),
		Content:    content,
	}
	for _, listener := range self.listeners.get() {
		listener(event)
	}
}

func documentContent(doc *automerge.Doc) (map[string]any, error) {
	return automerge.As[map[string]any](doc.Path().Get())
}

func headStrings(doc *automerge.Doc) []string {
	heads := doc.Heads()
	out := make([]string, len(heads))
	for i, head := range heads {
		out[i] = head.String()
	}
	return out
}

func equalHeads(a []string, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
