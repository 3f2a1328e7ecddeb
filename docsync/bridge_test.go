package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/go-playground/assert/v2"
	"go.lsp.dev/jsonrpc2"
)

type fakeHeadGate struct {
	match bool
	err   error
	calls int
}

func (self *fakeHeadGate) HeadsMatch(ctx context.Context, refId string, documentId Id) (bool, error) {
	self.calls += 1
	return self.match, self.err
}

func TestBridgeCreateAndCloneDoc(t *testing.T) {
	ctx := context.Background()
	repo := NewRepoWithDefaults(NewMemoryStorageAdapter())
	bridge := NewBridge(ctx, repo, &fakeHeadGate{match: true}, DefaultBridgeSettings())
	defer bridge.Close()

	result, err := bridge.createDoc(ctx, CreateDocParams{
		Content: map[string]any{"name": "X"},
	})
	assert.Equal(t, err, nil)
	created := result.(*DocResult)
	assert.Equal(t, created.Content["name"], "X")

	result, err = bridge.cloneDoc(ctx, CloneDocParams{DocId: created.DocId})
	assert.Equal(t, err, nil)
	cloned := result.(*DocResult)
	assert.NotEqual(t, cloned.DocId, created.DocId)
	assert.Equal(t, cloned.Content["name"], "X")

	_, err = bridge.cloneDoc(ctx, CloneDocParams{DocId: NewId().String()})
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestBridgeStartListeningGate(t *testing.T) {
	ctx := context.Background()
	repo := NewRepoWithDefaults(NewMemoryStorageAdapter())

	handle, err := repo.Create(ctx, map[string]any{"name": "X", "version": 1})
	assert.Equal(t, err, nil)

	// stale ref: the gate says heads do not match
	gate := &fakeHeadGate{match: false}
	settings := DefaultBridgeSettings()
	settings.Migrate = bumpToV2
	bridge := NewBridge(ctx, repo, gate, settings)
	defer bridge.Close()

	_, err = bridge.startListening(ctx, StartListeningParams{
		RefId: "ref-1",
		DocId: handle.Id().String(),
	})
	assert.Equal(t, errors.Is(err, ErrStaleRef), true)

	// gate failure is a distinct outcome from a head mismatch
	gate.match = true
	gate.err = errors.New("refs store unreachable")
	_, err = bridge.startListening(ctx, StartListeningParams{
		RefId: "ref-1",
		DocId: handle.Id().String(),
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, errors.Is(err, ErrStaleRef), false)
}

func TestBridgeStartListeningIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := NewRepoWithDefaults(NewMemoryStorageAdapter())

	handle, err := repo.Create(ctx, map[string]any{"name": "X", "version": 1})
	assert.Equal(t, err, nil)

	gate := &fakeHeadGate{match: true}
	settings := DefaultBridgeSettings()
	settings.Migrate = bumpToV2
	bridge := NewBridge(ctx, repo, gate, settings)
	defer bridge.Close()

	params := StartListeningParams{
		RefId: "ref-1",
		DocId: handle.Id().String(),
	}
	result, err := bridge.startListening(ctx, params)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, true)

	// the attach migrated the document
	content, err := handle.Content()
	assert.Equal(t, err, nil)
	assert.Equal(t, contentVersion(content), 2)
	headsAfterAttach := handle.Heads()
	gateCalls := gate.calls

	// second call for the tracked ref: pure no-op ok, no re-migration,
	// no second gate query
	result, err = bridge.startListening(ctx, params)
	assert.Equal(t, err, nil)
	assert.Equal(t, result, true)
	assert.Equal(t, handle.Heads(), headsAfterAttach)
	assert.Equal(t, gate.calls, gateCalls)
}

func TestBridgeMigrationFailureDetaches(t *testing.T) {
	ctx := context.Background()
	repo := NewRepoWithDefaults(NewMemoryStorageAdapter())

	handle, err := repo.Create(ctx, map[string]any{"name": "X", "version": 1})
	assert.Equal(t, err, nil)

	settings := DefaultBridgeSettings()
	settings.Migrate = func(content map[string]any) (map[string]any, error) {
		return nil, errors.New("bad transform")
	}
	bridge := NewBridge(ctx, repo, &fakeHeadGate{match: true}, settings)
	defer bridge.Close()

	params := StartListeningParams{
		RefId: "ref-1",
		DocId: handle.Id().String(),
	}
	_, err = bridge.startListening(ctx, params)
	assert.Equal(t, errors.Is(err, ErrMigration), true)

	// the ref is not left half-attached: a retry runs the whole attach,
	// including the migration, again
	_, err = bridge.startListening(ctx, params)
	assert.Equal(t, errors.Is(err, ErrMigration), true)
}

// full round trip over a real jsonrpc2 connection, including the
// outbound autosave notification
func TestBridgeRpcRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo := NewRepoWithDefaults(NewMemoryStorageAdapter())
	settings := DefaultBridgeSettings()
	settings.Migrate = bumpToV2
	bridge := NewBridge(ctx, repo, &fakeHeadGate{match: true}, settings)
	defer bridge.Close()

	serverEnd, clientEnd := net.Pipe()
	go bridge.serveConn(serverEnd)

	var mutex sync.Mutex
	autosaves := []AutosavePayload{}
	clientConn := jsonrpc2.NewConn(jsonrpc2.NewStream(clientEnd))
	clientConn.Go(ctx, func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		if req.Method() == BridgeMethodAutosave {
			payload := AutosavePayload{}
			if err := json.Unmarshal(req.Params(), &payload); err == nil {
				mutex.Lock()
				autosaves = append(autosaves, payload)
				mutex.Unlock()
			}
		}
		return reply(ctx, nil, nil)
	})
	defer clientConn.Close()

	// createDoc
	response := BridgeResponse{}
	_, err := clientConn.Call(ctx, BridgeMethodCreateDoc, &CreateDocParams{
		Content: map[string]any{"name": "X", "version": 1},
	}, &response)
	assert.Equal(t, err, nil)
	assert.Equal(t, response.Err, "")
	created := response.Ok.(map[string]any)
	docIdStr := created["docId"].(string)
	docId, err := ParseId(docIdStr)
	assert.Equal(t, err, nil)

	// an unknown method is a protocol-level error, not a tagged value
	_, err = clientConn.Call(ctx, "dropTables", nil, &BridgeResponse{})
	assert.NotEqual(t, err, nil)

	// a handler failure crosses the wire as a tagged err value
	response = BridgeResponse{}
	_, err = clientConn.Call(ctx, BridgeMethodCloneDoc, &CloneDocParams{
		DocId: "not-an-id",
	}, &response)
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(response.Err, "invalid docId"), true)

	// startListening attaches, migrates, and starts autosave
	response = BridgeResponse{}
	_, err = clientConn.Call(ctx, BridgeMethodStartListening, &StartListeningParams{
		RefId: "ref-1",
		DocId: docIdStr,
	}, &response)
	assert.Equal(t, err, nil)
	assert.Equal(t, response.Err, "")

	// the migration edit itself flows out as an autosave
	deadline := time.Now().Add(5 * time.Second)
	for {
		mutex.Lock()
		n := len(autosaves)
		mutex.Unlock()
		if 0 < n {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("no autosave after migration")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// a local change flows out as an autosave with the new content
	handle, err := repo.Find(ctx, docId)
	assert.Equal(t, err, nil)
	err = handle.Change(ctx, "edit", func(doc *automerge.Doc) error {
		return doc.RootMap().Set("name", "Y")
	})
	assert.Equal(t, err, nil)

	deadline = time.Now().Add(5 * time.Second)
	for {
		mutex.Lock()
		var last *AutosavePayload
		if 0 < len(autosaves) {
			last = &autosaves[len(autosaves)-1]
		}
		mutex.Unlock()
		if last != nil && last.RefId == "ref-1" && last.Content["name"] == "Y" {
			break
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("no autosave for the edit")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
