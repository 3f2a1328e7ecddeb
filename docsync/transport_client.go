package docsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

type SyncClientSettings struct {
	WsHandshakeTimeout time.Duration
	HandshakeTimeout   time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	SendBufferSize     int

	// AuthToken is sent in the join message when peer auth is enabled
	// on the remote side
	AuthToken string

	// PeerId presets the stable local peer id; the zero value means
	// choose a fresh one. Presetting matters when the auth token is
	// minted before the client exists.
	PeerId Id

	Metadata PeerMetadata
}

func DefaultSyncClientSettings() *SyncClientSettings {
	return &SyncClientSettings{
		WsHandshakeTimeout: 5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        15 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        60 * time.Second,
		SendBufferSize:     32,
	}
}

// SyncClient keeps an outbound connection to a remote sync server,
// reconnecting as needed, and synchronizes the tracked document set
// against the local repo. The local peer id is stable across reconnects.
type SyncClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	repo        *Repo
	url         string
	localPeerId Id
	settings    *SyncClientSettings

	mutex   sync.Mutex
	tracked map[Id]bool
	session *syncSession
}

func NewSyncClientWithDefaults(ctx context.Context, repo *Repo, url string) *SyncClient {
	return NewSyncClient(ctx, repo, url, DefaultSyncClientSettings())
}

func NewSyncClient(ctx context.Context, repo *Repo, url string, settings *SyncClientSettings) *SyncClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	localPeerId := settings.PeerId
	if (localPeerId == Id{}) {
		localPeerId = NewId()
	}
	client := &SyncClient{
		ctx:         cancelCtx,
		cancel:      cancel,
		repo:        repo,
		url:         url,
		localPeerId: localPeerId,
		settings:    settings,
		tracked:     map[Id]bool{},
	}
	go client.run()
	return client
}

func (self *SyncClient) LocalPeerId() Id {
	return self.localPeerId
}

// Sync adds a document to the tracked set. If the connection is up the
// request goes out immediately; otherwise it goes out on (re)connect.
func (self *SyncClient) Sync(documentId Id) {
	self.mutex.Lock()
	self.tracked[documentId] = true
	session := self.session
	self.mutex.Unlock()

	if session != nil {
		session.requestDoc(documentId)
	}
}

func (self *SyncClient) Close() {
	self.cancel()
}

func (self *SyncClient) run() {
	defer self.cancel()

	for {
		session, err := self.connect()
		if err != nil {
			glog.Infof("[tc]connect %s error = %s\n", self.url, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		self.mutex.Lock()
		self.session = session
		tracked := maps.Keys(self.tracked)
		self.mutex.Unlock()

		go func() {
			for _, documentId := range tracked {
				session.requestDoc(documentId)
			}
		}()

		session.run()

		self.mutex.Lock()
		self.session = nil
		self.mutex.Unlock()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

func (self *SyncClient) connect() (*syncSession, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	join, err := EncodeEnvelope(&SyncEnvelope{
		Type:     MessageTypeJoin,
		SenderId: self.localPeerId.String(),
		Version:  ProtocolVersion,
		Metadata: &self.settings.Metadata,
		Auth:     self.settings.AuthToken,
	})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.HandshakeTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, join); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.HandshakeTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	accept, err := DecodeEnvelope(message)
	if err != nil {
		return nil, err
	}
	if accept.Type != MessageTypePeer {
		return nil, fmt.Errorf("handshake expected peer, got %s: %s", accept.Type, accept.Message)
	}
	remotePeerId, err := ParseId(accept.SenderId)
	if err != nil {
		return nil, err
	}
	var remoteMetadata PeerMetadata
	if accept.Metadata != nil {
		remoteMetadata = *accept.Metadata
	}

	glog.V(1).Infof("[tc]connected %s (%s)\n", remotePeerId, self.url)
	success = true

	// everything this client tracks, it is willing to sync
	return newSyncSession(
		self.ctx,
		self.repo,
		ws,
		self.localPeerId,
		remotePeerId,
		remoteMetadata,
		ShareAll,
		&sessionTimeouts{
			PingTimeout:    self.settings.PingTimeout,
			WriteTimeout:   self.settings.WriteTimeout,
			ReadTimeout:    self.settings.ReadTimeout,
			SendBufferSize: self.settings.SendBufferSize,
		},
	), nil
}
