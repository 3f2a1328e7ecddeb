package docsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.lsp.dev/jsonrpc2"
	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// HeadGate answers whether a (refId, documentId) pair currently has
// matching heads. The ref-binding store belongs to the external process;
// this service only consumes the query, once per startListening call.
type HeadGate interface {
	HeadsMatch(ctx context.Context, refId string, documentId Id) (bool, error)
}

const (
	BridgeMethodCreateDoc      = "createDoc"
	BridgeMethodCloneDoc       = "cloneDoc"
	BridgeMethodStartListening = "startListening"
	BridgeMethodAutosave       = "autosave"
)

type CreateDocParams struct {
	Content map[string]any `json:"content"`
}

type CloneDocParams struct {
	DocId string `json:"docId"`
}

type StartListeningParams struct {
	RefId string `json:"refId"`
	DocId string `json:"docId"`
}

type DocResult struct {
	DocId   string         `json:"docId"`
	Content map[string]any `json:"content"`
}

// BridgeResponse is the tagged value every bridge operation resolves to.
// Handler failures never cross the channel as raw faults; they become
// Err strings here.
type BridgeResponse struct {
	Ok  any    `json:"ok,omitempty"`
	Err string `json:"err,omitempty"`
}

type AutosavePayload struct {
	RefId   string         `json:"refId"`
	Content map[string]any `json:"content"`
}

type BridgeSettings struct {
	// Migrate runs once per attach; nil disables migration
	Migrate MigrateFunc
}

func DefaultBridgeSettings() *BridgeSettings {
	return &BridgeSettings{}
}

// Bridge exposes document operations to the external process over a
// JSON-RPC channel and pushes autosave notifications back out. The
// operation set is closed; dispatch is a static table, not reflection.
type Bridge struct {
	ctx    context.Context
	cancel context.CancelFunc

	repo     *Repo
	gate     HeadGate
	migrator *Migrator
	settings *BridgeSettings

	handlers map[string]func(ctx context.Context, params json.RawMessage) (any, error)
	notifier *autosaveNotifier

	// attachMutex serializes startListening; other operations stay
	// concurrent
	attachMutex sync.Mutex

	mutex    sync.Mutex
	listener net.Listener
	conn     jsonrpc2.Conn
	refs     map[string]*refAttachment
}

type refAttachment struct {
	documentId  Id
	unsubscribe func()
}

func NewBridge(ctx context.Context, repo *Repo, gate HeadGate, settings *BridgeSettings) *Bridge {
	cancelCtx, cancel := context.WithCancel(ctx)
	bridge := &Bridge{
		ctx:      cancelCtx,
		cancel:   cancel,
		repo:     repo,
		gate:     gate,
		migrator: NewMigrator(settings.Migrate),
		settings: settings,
		refs:     map[string]*refAttachment{},
	}
	bridge.handlers = map[string]func(ctx context.Context, params json.RawMessage) (any, error){
		BridgeMethodCreateDoc:      typedHandler(bridge.createDoc),
		BridgeMethodCloneDoc:       typedHandler(bridge.cloneDoc),
		BridgeMethodStartListening: typedHandler(bridge.startListening),
	}
	bridge.notifier = newAutosaveNotifier(cancelCtx, bridge)
	return bridge
}

// ListenAndServe blocks accepting bridge connections on addr until Close.
// The most recent connection is the autosave target.
func (self *Bridge) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	self.mutex.Lock()
	self.listener = listener
	self.mutex.Unlock()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			select {
			case <-self.ctx.Done():
				return nil
			default:
				return err
			}
		}
		go self.serveConn(netConn)
	}
}

func (self *Bridge) serveConn(netConn net.Conn) {
	glog.V(1).Infof("[b]connected %s\n", netConn.RemoteAddr())

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(netConn))
	self.mutex.Lock()
	self.conn = conn
	self.mutex.Unlock()

	conn.Go(self.ctx, jsonrpc2.AsyncHandler(self.handle))
	select {
	case <-conn.Done():
	case <-self.ctx.Done():
		conn.Close()
		<-conn.Done()
	}

	self.mutex.Lock()
	if self.conn == conn {
		self.conn = nil
	}
	self.mutex.Unlock()
	glog.V(1).Infof("[b]disconnected %s\n", netConn.RemoteAddr())
}

func (self *Bridge) Close() {
	self.cancel()
	self.mutex.Lock()
	listener := self.listener
	refs := maps.Values(self.refs)
	self.refs = map[string]*refAttachment{}
	self.mutex.Unlock()

	for _, ref := range refs {
		ref.unsubscribe()
	}
	if listener != nil {
		listener.Close()
	}
}

// handle is the bridge boundary: every response is a tagged ok/err
// value, and anything a handler throws, including panics, is caught
// here, logged with its causing arguments, and converted.
func (self *Bridge) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	handler, ok := self.handlers[req.Method()]
	if !ok {
		return reply(ctx, nil, jsonrpc2.ErrMethodNotFound)
	}

	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return handler(ctx, req.Params())
	}()
	if err != nil {
		glog.Errorf("[b]%s(%s) error = %s\n", req.Method(), string(req.Params()), err)
		return reply(ctx, &BridgeResponse{Err: err.Error()}, nil)
	}
	glog.V(2).Infof("[b]%s ok\n", req.Method())
	return reply(ctx, &BridgeResponse{Ok: result}, nil)
}

func typedHandler[P any](handle func(ctx context.Context, params P) (any, error)) func(ctx context.Context, params json.RawMessage) (any, error) {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p P
		if len(params) != 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("invalid params: %w", err)
			}
		}
		return handle(ctx, p)
	}
}

func (self *Bridge) createDoc(ctx context.Context, params CreateDocParams) (any, error) {
	handle, err := self.repo.Create(ctx, params.Content)
	if err != nil {
		return nil, err
	}
	content, err := handle.Content()
	if err != nil {
		return nil, err
	}
	return &DocResult{
		DocId:   handle.Id().String(),
		Content: content,
	}, nil
}

func (self *Bridge) cloneDoc(ctx context.Context, params CloneDocParams) (any, error) {
	documentId, err := ParseId(params.DocId)
	if err != nil {
		return nil, fmt.Errorf("invalid docId: %w", err)
	}
	source, err := self.repo.Find(ctx, documentId)
	if err != nil {
		return nil, err
	}
	clone, err := self.repo.Clone(ctx, source)
	if err != nil {
		return nil, err
	}
	content, err := clone.Content()
	if err != nil {
		return nil, err
	}
	return &DocResult{
		DocId:   clone.Id().String(),
		Content: content,
	}, nil
}

// startListening attaches a document for a ref: verify the head gate,
// attach the handle, register the autosave listener, then migrate, once.
// Already-tracked refs return ok immediately without re-migrating. A
// re-bind of a tracked ref to a different document disposes the previous
// listener before registering the new one.
func (self *Bridge) startListening(ctx context.Context, params StartListeningParams) (any, error) {
	refId := params.RefId
	if refId == "" {
		return nil, errors.New("missing refId")
	}
	documentId, err := ParseId(params.DocId)
	if err != nil {
		return nil, fmt.Errorf("invalid docId: %w", err)
	}

	self.attachMutex.Lock()
	defer self.attachMutex.Unlock()

	self.mutex.Lock()
	previous, tracked := self.refs[refId]
	self.mutex.Unlock()
	if tracked && previous.documentId == documentId {
		glog.V(1).Infof("[b]startListening %s already tracked\n", refId)
		return true, nil
	}

	match, err := self.gate.HeadsMatch(ctx, refId, documentId)
	if err != nil {
		return nil, fmt.Errorf("head gate: %w", err)
	}
	if !match {
		return nil, fmt.Errorf("%w (ref %s, doc %s)", ErrStaleRef, refId, documentId)
	}

	handle, err := self.repo.Find(ctx, documentId)
	if err != nil {
		return nil, err
	}

	if tracked {
		previous.unsubscribe()
	}
	unsubscribe := handle.Subscribe(func(event ChangeEvent) {
		self.notifier.push(refId, event.Content)
	})
	self.mutex.Lock()
	self.refs[refId] = &refAttachment{
		documentId:  documentId,
		unsubscribe: unsubscribe,
	}
	self.mutex.Unlock()

	if err := self.migrator.Run(ctx, handle); err != nil {
		unsubscribe()
		self.mutex.Lock()
		delete(self.refs, refId)
		self.mutex.Unlock()
		return nil, err
	}

	glog.V(1).Infof("[b]startListening %s -> %s\n", refId, documentId)
	return true, nil
}

// autosaveNotifier pushes fire-and-forget autosave notifications to the
// current bridge connection. Per ref only the latest unsent content is
// kept; intermediate snapshots may be dropped, which is tolerated because
// this service's own storage is the source of truth.
type autosaveNotifier struct {
	ctx    context.Context
	bridge *Bridge

	mutex   sync.Mutex
	pending map[string]map[string]any
	notify  chan struct{}
}

func newAutosaveNotifier(ctx context.Context, bridge *Bridge) *autosaveNotifier {
	notifier := &autosaveNotifier{
		ctx:     ctx,
		bridge:  bridge,
		pending: map[string]map[string]any{},
		notify:  make(chan struct{}, 1),
	}
	go notifier.run()
	return notifier
}

// push runs on the document change path and must not block.
func (self *autosaveNotifier) push(refId string, content map[string]any) {
	self.mutex.Lock()
	self.pending[refId] = content
	self.mutex.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *autosaveNotifier) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}

		self.mutex.Lock()
		pending := self.pending
		self.pending = map[string]map[string]any{}
		self.mutex.Unlock()

		self.bridge.mutex.Lock()
		conn := self.bridge.conn
		self.bridge.mutex.Unlock()
		if conn == nil {
			// no external process connected; loss is tolerated
			continue
		}

		for refId, content := range pending {
			err := conn.Notify(self.ctx, BridgeMethodAutosave, &AutosavePayload{
				RefId:   refId,
				Content: content,
			})
			if err != nil {
				glog.Infof("[b]autosave %s error = %s\n", refId, err)
			} else {
				glog.V(2).Infof("[b]autosave %s\n", refId)
			}
		}
	}
}
