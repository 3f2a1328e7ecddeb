package docsync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// SharePolicyFunc is consulted before a document is synchronized to a
// peer. Returning false means the peer is answered "unavailable" and
// never sees the document's changes. The default policy denies
// everything; sharing must be enabled explicitly.
type SharePolicyFunc func(peerId Id, documentId Id) bool

func ShareAll(peerId Id, documentId Id) bool {
	return true
}

func ShareNone(peerId Id, documentId Id) bool {
	return false
}

type SyncServerSettings struct {
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	SendBufferSize   int

	SharePolicy SharePolicyFunc

	// AuthSecret enables peer token verification on join when set
	AuthSecret []byte

	Metadata PeerMetadata
}

func DefaultSyncServerSettings() *SyncServerSettings {
	return &SyncServerSettings{
		HandshakeTimeout: 5 * time.Second,
		PingTimeout:      15 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		SendBufferSize:   32,
		SharePolicy:      ShareNone,
	}
}

// SyncServer terminates inbound peer connections and drives the sync
// protocol against the repo. The local peer id is chosen once at
// construction, not per connection, so reconnecting peers recognize this
// process across their reconnects.
type SyncServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	repo        *Repo
	localPeerId Id
	settings    *SyncServerSettings

	upgrader websocket.Upgrader

	mutex      sync.Mutex
	httpServer *http.Server
	sessions   map[*syncSession]bool
}

func NewSyncServerWithDefaults(ctx context.Context, repo *Repo) *SyncServer {
	return NewSyncServer(ctx, repo, DefaultSyncServerSettings())
}

func NewSyncServer(ctx context.Context, repo *Repo, settings *SyncServerSettings) *SyncServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SyncServer{
		ctx:         cancelCtx,
		cancel:      cancel,
		repo:        repo,
		localPeerId: NewId(),
		settings:    settings,
		sessions:    map[*syncSession]bool{},
	}
}

func (self *SyncServer) LocalPeerId() Id {
	return self.localPeerId
}

// ListenAndServe blocks serving peer connections on addr until Close.
func (self *SyncServer) ListenAndServe(addr string) error {
	httpServer := &http.Server{
		Addr:    addr,
		Handler: self,
	}
	self.mutex.Lock()
	self.httpServer = httpServer
	self.mutex.Unlock()

	err := httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (self *SyncServer) Close() {
	self.cancel()
	self.mutex.Lock()
	httpServer := self.httpServer
	sessions := maps.Keys(self.sessions)
	self.mutex.Unlock()

	for _, session := range sessions {
		session.close()
	}
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}
}

func (self *SyncServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[t]upgrade error = %s\n", err)
		return
	}
	go self.handlePeer(ws)
}

func (self *SyncServer) handlePeer(ws *websocket.Conn) {
	// peer-candidate: the connection is open but the peer is unknown
	// until the join completes
	glog.V(1).Infof("[t]candidate %s\n", ws.RemoteAddr())

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetReadDeadline(time.Now().Add(self.settings.HandshakeTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		glog.Infof("[t]handshake read error = %s\n", err)
		return
	}
	if messageType != websocket.BinaryMessage {
		glog.Infof("[t]handshake unexpected message type = %d\n", messageType)
		return
	}
	join, err := DecodeEnvelope(message)
	if err != nil || join.Type != MessageTypeJoin {
		glog.Infof("[t]handshake expected join, error = %s\n", err)
		return
	}
	remotePeerId, err := ParseId(join.SenderId)
	if err != nil {
		glog.Infof("[t]handshake bad sender id %s\n", join.SenderId)
		return
	}
	if self.settings.AuthSecret != nil {
		tokenPeerId, err := VerifyPeerToken(self.settings.AuthSecret, join.Auth)
		if err != nil || tokenPeerId != remotePeerId {
			glog.Infof("[t]handshake auth rejected %s = %s\n", remotePeerId, err)
			peerError, _ := EncodeEnvelope(&SyncEnvelope{
				Type:     MessageTypeError,
				SenderId: self.localPeerId.String(),
				Message:  "authentication rejected",
			})
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			ws.WriteMessage(websocket.BinaryMessage, peerError)
			return
		}
	}

	accept, err := EncodeEnvelope(&SyncEnvelope{
		Type:     MessageTypePeer,
		SenderId: self.localPeerId.String(),
		TargetId: join.SenderId,
		Version:  ProtocolVersion,
		Metadata: &self.settings.Metadata,
	})
	if err != nil {
		glog.Infof("[t]handshake encode error = %s\n", err)
		return
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, accept); err != nil {
		glog.Infof("[t]handshake write error = %s\n", err)
		return
	}

	var remoteMetadata PeerMetadata
	if join.Metadata != nil {
		remoteMetadata = *join.Metadata
	}
	session := newSyncSession(
		self.ctx,
		self.repo,
		ws,
		self.localPeerId,
		remotePeerId,
		remoteMetadata,
		self.settings.SharePolicy,
		&sessionTimeouts{
			PingTimeout:    self.settings.PingTimeout,
			WriteTimeout:   self.settings.WriteTimeout,
			ReadTimeout:    self.settings.ReadTimeout,
			SendBufferSize: self.settings.SendBufferSize,
		},
	)

	self.mutex.Lock()
	self.sessions[session] = true
	self.mutex.Unlock()

	glog.V(1).Infof("[t]connected %s (%s)\n", remotePeerId, ws.RemoteAddr())
	success = true

	session.run()

	self.mutex.Lock()
	delete(self.sessions, session)
	self.mutex.Unlock()
	glog.V(1).Infof("[t]disconnected %s\n", remotePeerId)
}

type sessionTimeouts struct {
	PingTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	SendBufferSize int
}

// syncSession drives the document sync protocol over one established
// connection. The same loop serves both directions: the server builds a
// session after accepting a join, the client after its join is accepted.
type syncSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	repo           *Repo
	ws             *websocket.Conn
	localPeerId    Id
	remotePeerId   Id
	remoteMetadata PeerMetadata
	sharePolicy    SharePolicyFunc
	timeouts       *sessionTimeouts

	send chan []byte

	mutex         sync.Mutex
	docs          map[Id]*sessionDoc
	changedDocs   map[Id]bool
	changedNotify chan struct{}
}

type sessionDoc struct {
	handle      *DocHandle
	state       *automerge.SyncState
	unsubscribe func()
}

func newSyncSession(
	ctx context.Context,
	repo *Repo,
	ws *websocket.Conn,
	localPeerId Id,
	remotePeerId Id,
	remoteMetadata PeerMetadata,
	sharePolicy SharePolicyFunc,
	timeouts *sessionTimeouts,
) *syncSession {
	cancelCtx, cancel := context.WithCancel(ctx)
	if sharePolicy == nil {
		sharePolicy = ShareNone
	}
	return &syncSession{
		ctx:            cancelCtx,
		cancel:         cancel,
		repo:           repo,
		ws:             ws,
		localPeerId:    localPeerId,
		remotePeerId:   remotePeerId,
		remoteMetadata: remoteMetadata,
		sharePolicy:    sharePolicy,
		timeouts:       timeouts,
		send:           make(chan []byte, timeouts.SendBufferSize),
		docs:           map[Id]*sessionDoc{},
		changedDocs:    map[Id]bool{},
		changedNotify:  make(chan struct{}, 1),
	}
}

func (self *syncSession) close() {
	self.cancel()
}

// run blocks until the connection ends, for whatever reason.
func (self *syncSession) run() {
	defer func() {
		self.cancel()
		self.ws.Close()

		self.mutex.Lock()
		docs := maps.Values(self.docs)
		self.docs = map[Id]*sessionDoc{}
		self.mutex.Unlock()
		for _, doc := range docs {
			doc.unsubscribe()
		}
	}()

	go self.writePump()
	go self.changedPump()
	self.readLoop()
}

func (self *syncSession) writePump() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case message := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.timeouts.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				glog.Infof("[ts]%s-> error = %s\n", self.remotePeerId, err)
				return
			}
			glog.V(2).Infof("[ts]%s->\n", self.remotePeerId)
		case <-time.After(self.timeouts.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.timeouts.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

// changedPump turns document change signals into outbound sync messages.
// Change listeners only mark and poke (they run on the change path and
// must not reenter the handle); this goroutine does the actual message
// generation.
func (self *syncSession) changedPump() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.changedNotify:
		}

		self.mutex.Lock()
		changed := maps.Keys(self.changedDocs)
		self.changedDocs = map[Id]bool{}
		docs := map[Id]*sessionDoc{}
		for _, documentId := range changed {
			if doc, ok := self.docs[documentId]; ok {
				docs[documentId] = doc
			}
		}
		self.mutex.Unlock()

		for documentId, doc := range docs {
			data, valid := doc.handle.GenerateSyncMessage(doc.state)
			if !valid {
				continue
			}
			self.sendEnvelope(&SyncEnvelope{
				Type:       MessageTypeSync,
				SenderId:   self.localPeerId.String(),
				TargetId:   self.remotePeerId.String(),
				DocumentId: documentId.String(),
				Data:       data,
			})
		}
	}
}

func (self *syncSession) readLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.timeouts.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[tr]%s<- error = %s\n", self.remotePeerId, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.remotePeerId)
			continue
		}
		if len(message) == 0 {
			// ping
			glog.V(2).Infof("[tr]ping %s<-\n", self.remotePeerId)
			continue
		}

		envelope, err := DecodeEnvelope(message)
		if err != nil {
			glog.Infof("[tr]%s<- decode error = %s\n", self.remotePeerId, err)
			continue
		}
		// message-received, content opaque at this layer
		glog.V(2).Infof("[tr]%s<- %s\n", self.remotePeerId, envelope.Type)

		switch envelope.Type {
		case MessageTypeRequest, MessageTypeSync:
			self.handleDocEnvelope(envelope)
		case MessageTypeLeave:
			return
		case MessageTypeUnavailable:
			glog.V(1).Infof("[tr]%s<- unavailable %s\n", self.remotePeerId, envelope.DocumentId)
		case MessageTypeError:
			glog.Infof("[tr]%s<- error message = %s\n", self.remotePeerId, envelope.Message)
			return
		default:
			glog.V(1).Infof("[tr]%s<- unhandled %s\n", self.remotePeerId, envelope.Type)
		}
	}
}

func (self *syncSession) handleDocEnvelope(envelope *SyncEnvelope) {
	documentId, err := ParseId(envelope.DocumentId)
	if err != nil {
		glog.Infof("[tr]%s<- bad document id %s\n", self.remotePeerId, envelope.DocumentId)
		return
	}

	doc, err := self.ensureDoc(documentId, envelope.Type == MessageTypeSync)
	if err != nil {
		if errors.Is(err, errNotShared) || errors.Is(err, ErrNotFound) {
			self.sendEnvelope(&SyncEnvelope{
				Type:       MessageTypeUnavailable,
				SenderId:   self.localPeerId.String(),
				TargetId:   self.remotePeerId.String(),
				DocumentId: documentId.String(),
			})
			return
		}
		// storage fault: tell the peer something is wrong rather than
		// silently pretending the document is missing
		glog.Infof("[tr]%s<- %s attach error = %s\n", self.remotePeerId, documentId, err)
		self.sendEnvelope(&SyncEnvelope{
			Type:       MessageTypeError,
			SenderId:   self.localPeerId.String(),
			TargetId:   self.remotePeerId.String(),
			DocumentId: documentId.String(),
			Message:    "storage unavailable",
		})
		return
	}

	if envelope.Type == MessageTypeSync && 0 < len(envelope.Data) {
		reply, err := doc.handle.ReceiveSyncMessage(self.ctx, doc.state, envelope.Data)
		if err != nil {
			glog.Infof("[tr]%s<- %s sync error = %s\n", self.remotePeerId, documentId, err)
			return
		}
		if reply != nil {
			self.sendEnvelope(&SyncEnvelope{
				Type:       MessageTypeSync,
				SenderId:   self.localPeerId.String(),
				TargetId:   self.remotePeerId.String(),
				DocumentId: documentId.String(),
				Data:       reply,
			})
		}
		return
	}

	// request: open the conversation from our side
	data, valid := doc.handle.GenerateSyncMessage(doc.state)
	if valid {
		self.sendEnvelope(&SyncEnvelope{
			Type:       MessageTypeSync,
			SenderId:   self.localPeerId.String(),
			TargetId:   self.remotePeerId.String(),
			DocumentId: documentId.String(),
			Data:       data,
		})
	}
}

var errNotShared = errors.New("document not shared with peer")

// ensureDoc attaches the session to a document on first touch: share
// policy gate, repo lookup, per-session sync state, and a change
// subscription that pokes the changed pump.
func (self *syncSession) ensureDoc(documentId Id, createMissing bool) (*sessionDoc, error) {
	self.mutex.Lock()
	if doc, ok := self.docs[documentId]; ok {
		self.mutex.Unlock()
		return doc, nil
	}
	self.mutex.Unlock()

	if !self.sharePolicy(self.remotePeerId, documentId) {
		glog.V(1).Infof("[t]%s denied %s\n", self.remotePeerId, documentId)
		return nil, errNotShared
	}

	handle, err := self.repo.Find(self.ctx, documentId)
	if err != nil {
		if errors.Is(err, ErrNotFound) && createMissing {
			// an inbound sync for a document we do not have yet: start
			// from an empty document and let the protocol fill it in
			handle, err = self.repo.AttachEmpty(self.ctx, documentId)
		}
		if err != nil {
			return nil, err
		}
	}

	doc := &sessionDoc{
		handle: handle,
		state:  handle.NewSyncState(),
	}
	doc.unsubscribe = handle.Subscribe(func(event ChangeEvent) {
		self.markChanged(event.DocumentId)
	})

	self.mutex.Lock()
	if existing, ok := self.docs[documentId]; ok {
		self.mutex.Unlock()
		doc.unsubscribe()
		return existing, nil
	}
	self.docs[documentId] = doc
	self.mutex.Unlock()
	return doc, nil
}

func (self *syncSession) markChanged(documentId Id) {
	self.mutex.Lock()
	self.changedDocs[documentId] = true
	self.mutex.Unlock()

	select {
	case self.changedNotify <- struct{}{}:
	default:
	}
}

func (self *syncSession) sendEnvelope(envelope *SyncEnvelope) {
	data, err := EncodeEnvelope(envelope)
	if err != nil {
		glog.Infof("[ts]%s-> encode error = %s\n", self.remotePeerId, err)
		return
	}
	select {
	case <-self.ctx.Done():
	case self.send <- data:
	}
}

func (self *syncSession) requestDoc(documentId Id) {
	envelope := &SyncEnvelope{
		Type:       MessageTypeRequest,
		SenderId:   self.localPeerId.String(),
		TargetId:   self.remotePeerId.String(),
		DocumentId: documentId.String(),
	}
	if doc, err := self.ensureDoc(documentId, false); err == nil {
		if data, valid := doc.handle.GenerateSyncMessage(doc.state); valid {
			envelope.Type = MessageTypeSync
			envelope.Data = data
		}
	}
	self.sendEnvelope(envelope)
}
