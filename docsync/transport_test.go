package docsync

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/go-playground/assert/v2"
)

func wsUrl(httpUrl string) string {
	return "ws" + strings.TrimPrefix(httpUrl, "http")
}

// poll until check passes or the deadline expires
func waitFor(t *testing.T, timeout time.Duration, label string, check func() bool) {
	deadline := time.Now().Add(timeout)
	for {
		if check() {
			return
		}
		if deadline.Before(time.Now()) {
			t.Fatalf("timeout waiting for %s", label)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSyncConvergence(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverRepo := NewRepoWithDefaults(NewMemoryStorageAdapter())
	handle, err := serverRepo.Create(ctx, map[string]any{"name": "X"})
	assert.Equal(t, err, nil)
	docId := handle.Id()

	serverSettings := DefaultSyncServerSettings()
	serverSettings.SharePolicy = ShareAll
	server := NewSyncServer(ctx, serverRepo, serverSettings)
	defer server.Close()

	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	clientRepo := NewRepoWithDefaults(NewMemoryStorageAdapter())
	client := NewSyncClientWithDefaults(ctx, clientRepo, wsUrl(httpServer.URL))
	defer client.Close()
	client.Sync(docId)

	// server -> client
	var clientHandle *DocHandle
	waitFor(t, 10*time.Second, "document to reach the client", func() bool {
		clientHandle, err = clientRepo.Find(ctx, docId)
		if err != nil {
			return false
		}
		content, err := clientHandle.Content()
		return err == nil && content["name"] == "X"
	})

	// client -> server
	err = clientHandle.Change(ctx, "edit", func(doc *automerge.Doc) error {
		return doc.RootMap().Set("name", "Y")
	})
	assert.Equal(t, err, nil)
	waitFor(t, 10*time.Second, "edit to reach the server", func() bool {
		content, err := handle.Content()
		return err == nil && content["name"] == "Y"
	})

	// the synchronized state is durable on the client side too
	reloaded := NewRepoWithDefaults(clientRepo.adapter)
	reloadedHandle, err := reloaded.Find(ctx, docId)
	assert.Equal(t, err, nil)
	content, err := reloadedHandle.Content()
	assert.Equal(t, err, nil)
	assert.Equal(t, content["name"], "Y")
}

func TestSyncDefaultPolicyDenies(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverRepo := NewRepoWithDefaults(NewMemoryStorageAdapter())
	handle, err := serverRepo.Create(ctx, map[string]any{"name": "X"})
	assert.Equal(t, err, nil)
	docId := handle.Id()

	// default settings: ShareNone
	server := NewSyncServerWithDefaults(ctx, serverRepo)
	defer server.Close()

	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	clientRepo := NewRepoWithDefaults(NewMemoryStorageAdapter())
	client := NewSyncClientWithDefaults(ctx, clientRepo, wsUrl(httpServer.URL))
	defer client.Close()
	client.Sync(docId)

	time.Sleep(500 * time.Millisecond)
	_, err = clientRepo.Find(ctx, docId)
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestSyncPeerAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("test-secret")

	serverRepo := NewRepoWithDefaults(NewMemoryStorageAdapter())
	handle, err := serverRepo.Create(ctx, map[string]any{"name": "X"})
	assert.Equal(t, err, nil)
	docId := handle.Id()

	serverSettings := DefaultSyncServerSettings()
	serverSettings.SharePolicy = ShareAll
	serverSettings.AuthSecret = secret
	server := NewSyncServer(ctx, serverRepo, serverSettings)
	defer server.Close()

	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	// a valid token for the client's own peer id is accepted
	peerId := NewId()
	token, err := NewPeerToken(secret, peerId)
	assert.Equal(t, err, nil)

	clientSettings := DefaultSyncClientSettings()
	clientSettings.PeerId = peerId
	clientSettings.AuthToken = token
	clientRepo := NewRepoWithDefaults(NewMemoryStorageAdapter())
	client := NewSyncClient(ctx, clientRepo, wsUrl(httpServer.URL), clientSettings)
	defer client.Close()
	client.Sync(docId)

	waitFor(t, 10*time.Second, "authenticated client to sync", func() bool {
		clientHandle, err := clientRepo.Find(ctx, docId)
		if err != nil {
			return false
		}
		content, err := clientHandle.Content()
		return err == nil && content["name"] == "X"
	})
}

func TestSyncPeerAuthRejected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	secret := []byte("test-secret")

	serverRepo := NewRepoWithDefaults(NewMemoryStorageAdapter())
	handle, err := serverRepo.Create(ctx, map[string]any{"name": "X"})
	assert.Equal(t, err, nil)
	docId := handle.Id()

	serverSettings := DefaultSyncServerSettings()
	serverSettings.SharePolicy = ShareAll
	serverSettings.AuthSecret = secret
	server := NewSyncServer(ctx, serverRepo, serverSettings)
	defer server.Close()

	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	// a token signed with a different secret never gets past the join
	peerId := NewId()
	token, err := NewPeerToken([]byte("other-secret"), peerId)
	assert.Equal(t, err, nil)

	clientSettings := DefaultSyncClientSettings()
	clientSettings.PeerId = peerId
	clientSettings.AuthToken = token
	clientRepo := NewRepoWithDefaults(NewMemoryStorageAdapter())
	client := NewSyncClient(ctx, clientRepo, wsUrl(httpServer.URL), clientSettings)
	defer client.Close()
	client.Sync(docId)

	time.Sleep(500 * time.Millisecond)
	_, err = clientRepo.Find(ctx, docId)
	assert.Equal(t, errors.Is(err, ErrNotFound), true)

	// a token whose peer id differs from the joining peer is also rejected
	mismatchToken, err := NewPeerToken(secret, NewId())
	assert.Equal(t, err, nil)
	clientSettings2 := DefaultSyncClientSettings()
	clientSettings2.PeerId = peerId
	clientSettings2.AuthToken = mismatchToken
	clientRepo2 := NewRepoWithDefaults(NewMemoryStorageAdapter())
	client2 := NewSyncClient(ctx, clientRepo2, wsUrl(httpServer.URL), clientSettings2)
	defer client2.Close()
	client2.Sync(docId)

	time.Sleep(500 * time.Millisecond)
	_, err = clientRepo2.Find(ctx, docId)
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}

func TestSyncTwoClientsThroughServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverRepo := NewRepoWithDefaults(NewMemoryStorageAdapter())
	handle, err := serverRepo.Create(ctx, map[string]any{"count": 0})
	assert.Equal(t, err, nil)
	docId := handle.Id()

	serverSettings := DefaultSyncServerSettings()
	serverSettings.SharePolicy = ShareAll
	server := NewSyncServer(ctx, serverRepo, serverSettings)
	defer server.Close()

	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	repoA := NewRepoWithDefaults(NewMemoryStorageAdapter())
	clientA := NewSyncClientWithDefaults(ctx, repoA, wsUrl(httpServer.URL))
	defer clientA.Close()
	clientA.Sync(docId)

	repoB := NewRepoWithDefaults(NewMemoryStorageAdapter())
	clientB := NewSyncClientWithDefaults(ctx, repoB, wsUrl(httpServer.URL))
	defer clientB.Close()
	clientB.Sync(docId)

	var handleA *DocHandle
	waitFor(t, 10*time.Second, "document to reach client A", func() bool {
		handleA, err = repoA.Find(ctx, docId)
		return err == nil
	})
	waitFor(t, 10*time.Second, "document to reach client B", func() bool {
		_, err := repoB.Find(ctx, docId)
		return err == nil
	})

	err = handleA.Change(ctx, "edit", func(doc *automerge.Doc) error {
		return doc.RootMap().Set("count", 7)
	})
	assert.Equal(t, err, nil)

	// the edit relays A -> server -> B
	waitFor(t, 10*time.Second, "edit to relay to client B", func() bool {
		handleB, err := repoB.Find(ctx, docId)
		if err != nil {
			return false
		}
		content, err := handleB.Content()
		return err == nil && content["count"] == int64(7)
	})
}
