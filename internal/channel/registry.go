package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single outbound frame.
	writeWait = 10 * time.Second

	// reconnectTimeout bounds the automatic reconnect's dial.
	reconnectTimeout = 30 * time.Second
)

// Logger defines the logging interface used by the registry.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer receives channel events. Methods are called outside the
// registry lock and must not block.
type Observer interface {
	ChannelStateChanged(ch Channel)
	ChannelMessage(id string, msg Message)
}

// Options configure a Registry.
type Options struct {
	// Origin resolves relative channel paths (e.g. "http://192.168.4.1").
	Origin string

	// DebounceWindow is the state persistence window.
	DebounceWindow time.Duration

	// ReconnectDelay is waited before the single reconnect attempt that
	// follows an abnormal close.
	ReconnectDelay time.Duration

	// HandshakeTimeout bounds the websocket handshake.
	HandshakeTimeout time.Duration
}

// entry is the registry's record for one id. conn is set once connected.
type entry struct {
	id        string
	url       string
	kind      PayloadKind
	state     State
	conn      *websocket.Conn
	handle    *Handle
	last      *Message
	updatedAt time.Time

	// writeMu serialises writers; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func (e *entry) snapshot() Channel {
	ch := Channel{
		ID:          e.id,
		URL:         e.url,
		PayloadKind: e.kind,
		State:       e.state,
		UpdatedAt:   e.updatedAt,
	}
	if e.last != nil {
		msg := *e.last
		ch.LastMessage = &msg
	}
	return ch
}

// Registry holds at most one live socket per channel id.
//
// Operations on the same id are serialised by read-check-act under the
// registry mutex. Sockets are dialled outside the lock; a dial whose entry
// was closed or replaced meanwhile closes its own socket and reports
// ErrSuperseded.
//
// All public methods are thread-safe.
type Registry struct {
	opts      Options
	dialer    *websocket.Dialer
	modules   ModuleRepository
	frames    FrameStore
	coalescer *Coalescer
	logger    Logger

	mu         sync.Mutex
	entries    map[string]*entry
	reconnects map[string]*time.Timer
	observers  []Observer
	closed     bool

	pumps sync.WaitGroup
}

// NewRegistry creates a Registry. modules may be nil, in which case state
// is not persisted and no channel is ever reconnected automatically.
func NewRegistry(opts Options, modules ModuleRepository, frames FrameStore) *Registry {
	r := &Registry{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		modules:    modules,
		frames:     frames,
		logger:     noopLogger{},
		entries:    make(map[string]*entry),
		reconnects: make(map[string]*time.Timer),
	}
	r.coalescer = NewCoalescer(opts.DebounceWindow, r.persistState)
	return r
}

// SetLogger sets the logger for the registry and its coalescer.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
	r.coalescer.SetLogger(logger)
}

// AddObserver registers o for state and message events.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Seed marks module states loaded at startup as already persisted.
func (r *Registry) Seed(modules []ModuleConfig) {
	for _, m := range modules {
		r.coalescer.Seed(m.ID, m.State)
	}
}

// Open returns the connected channel for id, or connects a new one.
//
// A connected entry is returned unchanged. Any other entry for id is
// closed and discarded first. A malformed rawURL leaves the channel in
// StateError and returns ErrInvalidChannelURL without dialling.
func (r *Registry) Open(ctx context.Context, id, rawURL string, kind PayloadKind) (Channel, error) {
	if id == "" {
		return Channel{}, ErrInvalidChannelID
	}
	kind, err := ParsePayloadKind(string(kind))
	if err != nil {
		return Channel{}, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Channel{}, ErrRegistryClosed
	}
	old := r.entries[id]
	if old != nil && old.state == StateConnected {
		ch := old.snapshot()
		r.mu.Unlock()
		r.logger.Debug("reusing connected channel", "channel", id)
		return ch, nil
	}
	delete(r.entries, id)
	r.stopReconnectLocked(id)
	if old != nil {
		r.releaseHandleLocked(old)
	}

	target, urlErr := NormalizeURL(rawURL, r.opts.Origin)
	e := &entry{id: id, url: target, kind: kind, state: StateConnecting, updatedAt: time.Now().UTC()}
	if urlErr != nil {
		e.url = rawURL
		e.state = StateError
	}
	r.entries[id] = e
	ch := e.snapshot()
	r.mu.Unlock()

	r.closeConn(old, websocket.CloseNormalClosure)
	r.stateChanged(ch)
	if urlErr != nil {
		r.logger.Warn("channel url rejected", "channel", id, "url", rawURL, "error", urlErr)
		return ch, urlErr
	}

	conn, resp, err := r.dialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close() //nolint:errcheck // handshake response body is unused
	}

	r.mu.Lock()
	if r.entries[id] != e {
		r.mu.Unlock()
		if conn != nil {
			conn.Close() //nolint:errcheck // superseded socket was never installed
		}
		r.logger.Debug("channel open superseded", "channel", id)
		return Channel{ID: id, URL: target, PayloadKind: kind, State: StateDisconnected}, ErrSuperseded
	}
	if err != nil {
		e.state = StateError
		e.updatedAt = time.Now().UTC()
		ch = e.snapshot()
		r.mu.Unlock()
		r.logger.Warn("channel connect failed", "channel", id, "url", target, "error", err)
		r.stateChanged(ch)
		return ch, fmt.Errorf("%w: %w", ErrDialFailed, err)
	}
	e.conn = conn
	e.state = StateConnected
	e.updatedAt = time.Now().UTC()
	ch = e.snapshot()
	r.pumps.Add(1)
	r.mu.Unlock()

	r.logger.Info("channel connected", "channel", id, "url", target)
	r.stateChanged(ch)
	go r.readPump(e)
	return ch, nil
}

// Send writes data to a connected channel as a text or binary frame,
// following the channel's payload kind. It is a no-op returning false
// unless the channel is connected.
func (r *Registry) Send(id string, data []byte) bool {
	r.mu.Lock()
	e := r.entries[id]
	if e == nil || e.state != StateConnected {
		r.mu.Unlock()
		return false
	}
	conn, kind := e.conn, e.kind
	r.mu.Unlock()

	msgType := websocket.TextMessage
	if kind == PayloadBinary {
		msgType = websocket.BinaryMessage
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	//nolint:errcheck // Best-effort deadline; write error caught below
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(msgType, data); err != nil {
		r.logger.Debug("channel send failed", "channel", id, "error", err)
		return false
	}
	return true
}

// Close tears down the channel for id, if any, and reports it
// disconnected. Pending state is persisted immediately. Safe to call for
// unknown or already closed ids.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	e := r.entries[id]
	delete(r.entries, id)
	r.stopReconnectLocked(id)
	url, kind := "", PayloadText
	if e != nil {
		r.releaseHandleLocked(e)
		url, kind = e.url, e.kind
	}
	r.mu.Unlock()

	r.closeConn(e, websocket.CloseNormalClosure)
	r.stateChanged(Channel{ID: id, URL: url, PayloadKind: kind, State: StateDisconnected, UpdatedAt: time.Now().UTC()})
	r.coalescer.Flush(id)
	if e != nil {
		r.logger.Info("channel closed", "channel", id)
	}
}

// CloseAll closes every channel and stops the registry. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	for id := range r.reconnects {
		r.stopReconnectLocked(id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Close(id)
	}
	r.coalescer.FlushAll()
	r.pumps.Wait()
}

// Get returns the channel for id.
func (r *Registry) Get(id string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Channel{}, false
	}
	return e.snapshot(), true
}

// List returns every channel ordered by id.
func (r *Registry) List() []Channel {
	r.mu.Lock()
	out := make([]Channel, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) readPump(e *entry) {
	defer r.pumps.Done()

	for {
		msgType, data, err := e.conn.ReadMessage()
		if err != nil {
			r.handleClosed(e, err)
			return
		}
		r.install(e, msgType, data)
	}
}

// install records an inbound payload as the channel's last message. A
// binary frame on a binary channel replaces the previous frame handle,
// which is released first.
func (r *Registry) install(e *entry, msgType int, data []byte) {
	msg := Message{Kind: PayloadText, ReceivedAt: time.Now().UTC()}

	r.mu.Lock()
	if r.entries[e.id] != e {
		r.mu.Unlock()
		return
	}
	if msgType == websocket.BinaryMessage && e.kind == PayloadBinary {
		r.releaseHandleLocked(e)
		h := r.frames.Acquire(e.id, data)
		e.handle = &h
		msg.Kind = PayloadBinary
		msg.Handle = &h
	} else {
		msg.Text = string(data)
	}
	e.last = &msg
	observers := r.observers
	r.mu.Unlock()

	for _, o := range observers {
		o.ChannelMessage(e.id, msg)
	}
}

// handleClosed runs when the read loop of e ends. Channels closed through
// Close or replaced by Open are already gone from the registry and are
// left alone.
func (r *Registry) handleClosed(e *entry, err error) {
	code := websocket.CloseAbnormalClosure
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		code = closeErr.Code
	}

	r.mu.Lock()
	if r.entries[e.id] != e {
		r.mu.Unlock()
		return
	}
	delete(r.entries, e.id)
	r.releaseHandleLocked(e)
	e.state = StateDisconnected
	if code != websocket.CloseNormalClosure {
		e.state = StateError
	}
	e.updatedAt = time.Now().UTC()
	ch := e.snapshot()
	r.mu.Unlock()

	r.closeConn(e, 0)
	if code == websocket.CloseNormalClosure {
		r.logger.Info("channel closed by peer", "channel", e.id)
	} else {
		r.logger.Warn("channel closed abnormally", "channel", e.id, "code", code, "error", err)
	}
	r.stateChanged(ch)

	if code != websocket.CloseNormalClosure {
		r.scheduleReconnect(e.id, e.url, e.kind)
	}
}

// scheduleReconnect arranges one reconnect attempt for id, provided its
// owning module is enabled and nothing reopens it first.
func (r *Registry) scheduleReconnect(id, url string, kind PayloadKind) {
	if !r.ownerEnabled(id) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, pending := r.reconnects[id]; pending {
		return
	}
	r.reconnects[id] = time.AfterFunc(r.opts.ReconnectDelay, func() {
		r.reconnect(id, url, kind)
	})
	r.logger.Debug("channel reconnect scheduled", "channel", id, "delay", r.opts.ReconnectDelay.String())
}

func (r *Registry) reconnect(id, url string, kind PayloadKind) {
	r.mu.Lock()
	delete(r.reconnects, id)
	_, present := r.entries[id]
	closed := r.closed
	r.mu.Unlock()

	if closed || present || !r.ownerEnabled(id) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
	defer cancel()
	if _, err := r.Open(ctx, id, url, kind); err != nil {
		r.logger.Warn("channel reconnect failed", "channel", id, "error", err)
		return
	}
	r.logger.Info("channel reconnected", "channel", id)
}

func (r *Registry) ownerEnabled(id string) bool {
	if r.modules == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	m, err := r.modules.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrModuleNotFound) {
			r.logger.Warn("loading channel module", "channel", id, "error", err)
		}
		return false
	}
	return m.Enabled
}

func (r *Registry) persistState(ctx context.Context, id string, state State) error {
	if r.modules == nil {
		return nil
	}
	return r.modules.SetState(ctx, id, state)
}

// stateChanged queues persistence and notifies observers.
func (r *Registry) stateChanged(ch Channel) {
	r.coalescer.Submit(ch.ID, ch.State)

	r.mu.Lock()
	observers := r.observers
	r.mu.Unlock()
	for _, o := range observers {
		o.ChannelStateChanged(ch)
	}
}

func (r *Registry) stopReconnectLocked(id string) {
	if t, ok := r.reconnects[id]; ok {
		t.Stop()
		delete(r.reconnects, id)
	}
}

func (r *Registry) releaseHandleLocked(e *entry) {
	if e.handle != nil {
		r.frames.Release(*e.handle)
		e.handle = nil
	}
}

// closeConn sends a close frame with code (when non-zero) and closes the
// socket of e. Nil entries and entries without a socket are ignored.
func (r *Registry) closeConn(e *entry, code int) {
	if e == nil || e.conn == nil {
		return
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if code != 0 {
		//nolint:errcheck // Best-effort close frame
		e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
	}
	e.conn.Close() //nolint:errcheck // Socket is discarded
}
