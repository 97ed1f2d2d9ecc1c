package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// deviceServer is a WebSocket endpoint standing in for a device. It echoes
// text messages and counts connections.
type deviceServer struct {
	*httptest.Server

	mu        sync.Mutex
	accepted  int
	active    int
	onConnect func(n int, conn *websocket.Conn)
}

func newDeviceServer(t *testing.T, onConnect func(n int, conn *websocket.Conn)) *deviceServer {
	t.Helper()
	s := &deviceServer{onConnect: onConnect}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.active++
		n := s.accepted
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			conn.Close() //nolint:errcheck // test server
		}()

		if s.onConnect != nil {
			s.onConnect(n, conn)
		}
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *deviceServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *deviceServer) counts() (accepted, active int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted, s.active
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type observerEvent struct {
	id    string
	state State
	msg   *Message
}

type recordingObserver struct {
	mu     sync.Mutex
	events []observerEvent
}

func (o *recordingObserver) ChannelStateChanged(ch Channel) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, observerEvent{id: ch.ID, state: ch.State})
}

func (o *recordingObserver) ChannelMessage(id string, msg Message) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, observerEvent{id: id, msg: &msg})
}

func (o *recordingObserver) states(id string) []State {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []State
	for _, e := range o.events {
		if e.id == id && e.msg == nil {
			out = append(out, e.state)
		}
	}
	return out
}

func (o *recordingObserver) messages(id string) []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Message
	for _, e := range o.events {
		if e.id == id && e.msg != nil {
			out = append(out, *e.msg)
		}
	}
	return out
}

// fakeModules is an in-memory ModuleRepository.
type fakeModules struct {
	mu      sync.Mutex
	modules map[string]ModuleConfig
}

func newFakeModules(ms ...ModuleConfig) *fakeModules {
	f := &fakeModules{modules: make(map[string]ModuleConfig)}
	for _, m := range ms {
		f.modules[m.ID] = m
	}
	return f
}

func (f *fakeModules) Get(_ context.Context, id string) (*ModuleConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.modules[id]
	if !ok {
		return nil, ErrModuleNotFound
	}
	return &m, nil
}

func (f *fakeModules) List(context.Context) ([]ModuleConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ModuleConfig, 0, len(f.modules))
	for _, m := range f.modules {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeModules) Upsert(_ context.Context, m *ModuleConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules[m.ID] = *m
	return nil
}

func (f *fakeModules) SetState(_ context.Context, id string, state State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.modules[id]
	if !ok {
		return ErrModuleNotFound
	}
	m.State = state
	f.modules[id] = m
	return nil
}

func (f *fakeModules) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.modules, id)
	return nil
}

func (f *fakeModules) state(id string) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.modules[id].State
}

// recordingFrames wraps a HandleAllocator and logs acquire/release order.
type recordingFrames struct {
	*HandleAllocator
	mu  sync.Mutex
	ops []string
}

func (f *recordingFrames) Acquire(channelID string, data []byte) Handle {
	h := f.HandleAllocator.Acquire(channelID, data)
	f.mu.Lock()
	f.ops = append(f.ops, "acquire:"+string(data))
	f.mu.Unlock()
	return h
}

func (f *recordingFrames) Release(h Handle) bool {
	data, _ := f.HandleAllocator.Lookup(h.ID)
	ok := f.HandleAllocator.Release(h)
	f.mu.Lock()
	f.ops = append(f.ops, "release:"+string(data))
	f.mu.Unlock()
	return ok
}

func (f *recordingFrames) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func testOptions() Options {
	return Options{
		DebounceWindow:   10 * time.Millisecond,
		ReconnectDelay:   20 * time.Millisecond,
		HandshakeTimeout: 2 * time.Second,
	}
}

func newTestRegistry(t *testing.T, modules ModuleRepository, frames FrameStore) *Registry {
	t.Helper()
	if frames == nil {
		frames = NewHandleAllocator()
	}
	r := NewRegistry(testOptions(), modules, frames)
	t.Cleanup(r.CloseAll)
	return r
}

func TestOpen_ConnectsAndReusesConnectedEntry(t *testing.T) {
	srv := newDeviceServer(t, nil)
	r := newTestRegistry(t, nil, nil)
	obs := &recordingObserver{}
	r.AddObserver(obs)
	ctx := context.Background()

	ch, err := r.Open(ctx, "control", srv.wsURL(), PayloadText)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if ch.State != StateConnected {
		t.Fatalf("State = %s, want connected", ch.State)
	}

	again, err := r.Open(ctx, "control", srv.wsURL(), PayloadText)
	if err != nil {
		t.Fatalf("second Open() error = %v", err)
	}
	if again.State != StateConnected {
		t.Errorf("second Open() state = %s", again.State)
	}
	if accepted, _ := srv.counts(); accepted != 1 {
		t.Errorf("server accepted %d connections, want 1", accepted)
	}

	want := []State{StateConnecting, StateConnected}
	if got := obs.states("control"); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestOpen_InvalidURL(t *testing.T) {
	r := newTestRegistry(t, nil, nil)

	ch, err := r.Open(context.Background(), "camera", "ftp://10.0.0.5/ws", PayloadBinary)
	if !errors.Is(err, ErrInvalidChannelURL) {
		t.Fatalf("Open() error = %v, want ErrInvalidChannelURL", err)
	}
	if ch.State != StateError {
		t.Errorf("State = %s, want error", ch.State)
	}
	if got, ok := r.Get("camera"); !ok || got.State != StateError {
		t.Errorf("Get() = %+v, %v", got, ok)
	}
}

func TestOpen_Validation(t *testing.T) {
	r := newTestRegistry(t, nil, nil)
	ctx := context.Background()

	if _, err := r.Open(ctx, "", "ws://x", PayloadText); !errors.Is(err, ErrInvalidChannelID) {
		t.Errorf("Open() empty id error = %v", err)
	}
	if _, err := r.Open(ctx, "x", "ws://x", "video"); !errors.Is(err, ErrInvalidPayloadKind) {
		t.Errorf("Open() bad kind error = %v", err)
	}
}

func TestOpen_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	r := newTestRegistry(t, nil, nil)
	ch, err := r.Open(context.Background(), "rssi", url, PayloadText)
	if !errors.Is(err, ErrDialFailed) {
		t.Fatalf("Open() error = %v, want ErrDialFailed", err)
	}
	if ch.State != StateError {
		t.Errorf("State = %s, want error", ch.State)
	}
}

func TestOpen_ConcurrentOpensKeepOneSocket(t *testing.T) {
	srv := newDeviceServer(t, nil)
	r := newTestRegistry(t, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Open(context.Background(), "control", srv.wsURL(), PayloadText) //nolint:errcheck // superseded opens are expected
		}()
	}
	wg.Wait()

	ch, ok := r.Get("control")
	if !ok || ch.State != StateConnected {
		t.Fatalf("Get() = %+v, %v; want connected", ch, ok)
	}
	eventually(t, "one live socket", func() bool {
		_, active := srv.counts()
		return active == 1
	})
}

func TestSend_OnlyWhenConnected(t *testing.T) {
	srv := newDeviceServer(t, nil)
	r := newTestRegistry(t, nil, nil)
	obs := &recordingObserver{}
	r.AddObserver(obs)

	if r.Send("control", []byte("ping")) {
		t.Error("Send() on unknown channel = true")
	}

	if _, err := r.Open(context.Background(), "control", srv.wsURL(), PayloadText); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !r.Send("control", []byte("ping")) {
		t.Fatal("Send() on connected channel = false")
	}

	eventually(t, "echo", func() bool { return len(obs.messages("control")) == 1 })
	msg := obs.messages("control")[0]
	if msg.Kind != PayloadText || msg.Text != "echo:ping" {
		t.Errorf("message = %+v", msg)
	}
	ch, _ := r.Get("control")
	if ch.LastMessage == nil || ch.LastMessage.Text != "echo:ping" {
		t.Errorf("LastMessage = %+v", ch.LastMessage)
	}

	r.Close("control")
	if r.Send("control", []byte("ping")) {
		t.Error("Send() after Close = true")
	}
}

func TestBinaryFrames_ReleasePreviousBeforeInstall(t *testing.T) {
	srv := newDeviceServer(t, func(_ int, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("frame1")) //nolint:errcheck // test server
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte("frame2")) //nolint:errcheck // test server
	})
	frames := &recordingFrames{HandleAllocator: NewHandleAllocator()}
	r := newTestRegistry(t, nil, frames)
	obs := &recordingObserver{}
	r.AddObserver(obs)

	if _, err := r.Open(context.Background(), "camera", srv.wsURL(), PayloadBinary); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	eventually(t, "two frames", func() bool { return len(obs.messages("camera")) == 2 })

	want := []string{"acquire:frame1", "release:frame1", "acquire:frame2"}
	if got := frames.log(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ops = %v, want %v", got, want)
	}
	last := obs.messages("camera")[1]
	if last.Kind != PayloadBinary || last.Handle == nil {
		t.Fatalf("last message = %+v", last)
	}
	if data, ok := frames.Lookup(last.Handle.ID); !ok || string(data) != "frame2" {
		t.Errorf("Lookup() = %q, %v", data, ok)
	}

	r.Close("camera")
	if frames.Live() != 0 {
		t.Errorf("Live() = %d after Close, want 0", frames.Live())
	}
}

func TestClose_Idempotent(t *testing.T) {
	srv := newDeviceServer(t, nil)
	modules := newFakeModules(ModuleConfig{ID: "control", Enabled: true, State: StateDisconnected})
	r := newTestRegistry(t, modules, nil)
	obs := &recordingObserver{}
	r.AddObserver(obs)

	if _, err := r.Open(context.Background(), "control", srv.wsURL(), PayloadText); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	r.Close("control")
	r.Close("control")

	if _, ok := r.Get("control"); ok {
		t.Error("entry still present after Close")
	}
	if n := len(r.List()); n != 0 {
		t.Errorf("List() has %d entries", n)
	}
	states := obs.states("control")
	if states[len(states)-1] != StateDisconnected {
		t.Errorf("last state = %s, want disconnected", states[len(states)-1])
	}
	// Close flushes, so the final state is persisted without waiting.
	if got := modules.state("control"); got != StateDisconnected {
		t.Errorf("persisted state = %s, want disconnected", got)
	}
	eventually(t, "server side close", func() bool {
		_, active := srv.counts()
		return active == 0
	})
	// Normal close never reconnects.
	time.Sleep(80 * time.Millisecond)
	if accepted, _ := srv.counts(); accepted != 1 {
		t.Errorf("accepted = %d, want 1", accepted)
	}
}

func TestReconnect_AfterAbnormalClose(t *testing.T) {
	srv := newDeviceServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			conn.UnderlyingConn().Close() //nolint:errcheck // drop without a close frame
		}
	})
	modules := newFakeModules(ModuleConfig{ID: "rssi", Enabled: true})
	r := newTestRegistry(t, modules, nil)
	obs := &recordingObserver{}
	r.AddObserver(obs)

	if _, err := r.Open(context.Background(), "rssi", srv.wsURL(), PayloadText); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	eventually(t, "reconnect", func() bool {
		ch, ok := r.Get("rssi")
		accepted, _ := srv.counts()
		return ok && ch.State == StateConnected && accepted == 2
	})

	states := obs.states("rssi")
	sawError := false
	for _, s := range states {
		if s == StateError {
			sawError = true
		}
	}
	if !sawError {
		t.Errorf("states = %v, want an error before reconnect", states)
	}

	time.Sleep(80 * time.Millisecond)
	if accepted, _ := srv.counts(); accepted != 2 {
		t.Errorf("accepted = %d, want exactly one reconnect", accepted)
	}
}

func TestReconnect_SkippedWhenModuleDisabled(t *testing.T) {
	srv := newDeviceServer(t, func(_ int, conn *websocket.Conn) {
		conn.UnderlyingConn().Close() //nolint:errcheck // drop without a close frame
	})
	modules := newFakeModules(ModuleConfig{ID: "rssi", Enabled: false})
	r := newTestRegistry(t, modules, nil)

	if _, err := r.Open(context.Background(), "rssi", srv.wsURL(), PayloadText); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	eventually(t, "entry removed", func() bool {
		_, ok := r.Get("rssi")
		return !ok
	})

	time.Sleep(100 * time.Millisecond)
	if accepted, _ := srv.counts(); accepted != 1 {
		t.Errorf("accepted = %d, want no reconnect", accepted)
	}
}

func TestReconnect_SkippedWhenReopened(t *testing.T) {
	srv := newDeviceServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			conn.UnderlyingConn().Close() //nolint:errcheck // drop without a close frame
		}
	})
	modules := newFakeModules(ModuleConfig{ID: "rssi", Enabled: true})
	opts := testOptions()
	opts.ReconnectDelay = 150 * time.Millisecond
	r := NewRegistry(opts, modules, NewHandleAllocator())
	t.Cleanup(r.CloseAll)
	ctx := context.Background()

	if _, err := r.Open(ctx, "rssi", srv.wsURL(), PayloadText); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	eventually(t, "entry removed", func() bool {
		_, ok := r.Get("rssi")
		return !ok
	})

	// The module reopens before the reconnect fires.
	if _, err := r.Open(ctx, "rssi", srv.wsURL(), PayloadText); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	time.Sleep(250 * time.Millisecond)
	if accepted, _ := srv.counts(); accepted != 2 {
		t.Errorf("accepted = %d, want 2 (no extra reconnect)", accepted)
	}
}

func TestCloseAll(t *testing.T) {
	srv := newDeviceServer(t, nil)
	r := NewRegistry(testOptions(), nil, NewHandleAllocator())
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := r.Open(ctx, id, srv.wsURL(), PayloadText); err != nil {
			t.Fatalf("Open(%s) error = %v", id, err)
		}
	}
	r.CloseAll()

	if n := len(r.List()); n != 0 {
		t.Errorf("List() has %d entries after CloseAll", n)
	}
	if _, err := r.Open(ctx, "c", srv.wsURL(), PayloadText); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Open() after CloseAll error = %v, want ErrRegistryClosed", err)
	}
}
