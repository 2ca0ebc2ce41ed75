package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type sentMessage struct {
	recipient string
	text      string
}

type fakeGateway struct {
	mu          sync.Mutex
	events      chan Event
	seed        []byte
	initCalls   int
	initErr     error
	pairPhones  []string
	pairCode    string
	pairErr     error
	sent        []sentMessage
	sendErr     error
	logoutCalls int
	logoutErr   error
	destroyed   bool
}

func (g *fakeGateway) Initialize(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initCalls++
	return g.initErr
}

func (g *fakeGateway) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pairPhones = append(g.pairPhones, phone)
	return g.pairCode, g.pairErr
}

func (g *fakeGateway) SendMessage(ctx context.Context, recipient, text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sendErr != nil {
		return g.sendErr
	}
	g.sent = append(g.sent, sentMessage{recipient, text})
	return nil
}

func (g *fakeGateway) Logout(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logoutCalls++
	return g.logoutErr
}

func (g *fakeGateway) Destroy(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroyed = true
	return nil
}

func (g *fakeGateway) Events() <-chan Event { return g.events }

func (g *fakeGateway) inits() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initCalls
}

func (g *fakeGateway) setInitErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initErr = err
}

type memStore struct {
	mu      sync.Mutex
	blob    []byte
	saves   int
	clears  int
	loadErr error
	saveErr error
}

func (s *memStore) Load(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return bytes.Clone(s.blob), nil
}

func (s *memStore) Save(ctx context.Context, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.blob = bytes.Clone(blob)
	return nil
}

func (s *memStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
	s.blob = nil
	return nil
}

func (s *memStore) stored() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blob
}

type manualTimer struct {
	s       *manualScheduler
	delay   time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

// manualScheduler replaces time.AfterFunc so tests decide when retries fire.
type manualScheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *manualScheduler) afterFunc(d time.Duration, f func()) timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{s: s, delay: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

func (s *manualScheduler) fireNext() bool {
	s.mu.Lock()
	var next *manualTimer
	for _, t := range s.timers {
		if !t.stopped {
			next = t
			break
		}
	}
	if next != nil {
		next.stopped = true
	}
	s.mu.Unlock()

	if next == nil {
		return false
	}
	next.f()
	return true
}

func (s *manualScheduler) last() *manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

type harness struct {
	t     *testing.T
	c     *Controller
	sched *manualScheduler
	store *memStore

	mu       sync.Mutex
	gateways []*fakeGateway
	seeds    [][]byte
}

func newHarness(t *testing.T, opts Options, store *memStore) *harness {
	t.Helper()
	h := &harness{t: t, sched: &manualScheduler{}, store: store}
	var ss SessionStore
	if store != nil {
		ss = store
	}
	h.c = NewController(h.factory, ss, opts)
	h.c.afterFunc = h.sched.afterFunc
	t.Cleanup(func() { h.c.Close(context.Background()) })
	return h
}

// start starts the controller and waits for the first Initialize call.
func (h *harness) start() {
	h.t.Helper()
	if err := h.c.Start(context.Background()); err != nil {
		h.t.Fatalf("Start() error = %v", err)
	}
	gw := h.latest()
	waitFor(h.t, func() bool { return gw.inits() == 1 })
}

func (h *harness) factory(ctx context.Context, seed []byte) (Gateway, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	gw := &fakeGateway{events: make(chan Event, 16), seed: seed, pairCode: "ABCD-1234"}
	h.gateways = append(h.gateways, gw)
	h.seeds = append(h.seeds, seed)
	return gw, nil
}

func (h *harness) latest() *fakeGateway {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.gateways) == 0 {
		h.t.Fatal("no gateway constructed")
	}
	return h.gateways[len(h.gateways)-1]
}

func (h *harness) created() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.gateways)
}

// emit applies evt synchronously as if the current instance had emitted it.
func (h *harness) emit(evt Event) {
	h.t.Helper()
	inst := h.currentInstance()
	if inst == nil {
		h.t.Fatal("no current gateway instance")
	}
	h.c.handleEvent(inst, evt)
}

func (h *harness) currentInstance() *instance {
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return h.c.current
}

func (h *harness) toReady(credential string) {
	h.t.Helper()
	h.emit(QRReady("QR-1"))
	h.emit(Authenticated([]byte(credential)))
	h.emit(Ready())
	if got := h.c.Status().Phase; got != PhaseReady {
		h.t.Fatalf("phase = %s, want ready", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestController_LifecycleScenario(t *testing.T) {
	store := &memStore{}
	h := newHarness(t, DefaultOptions(), store)
	h.start()

	h.emit(QRReady("XYZ"))
	st := h.c.Status()
	if st.Connected || !st.QRAvailable || st.Phase != PhaseAwaitingScan {
		t.Fatalf("after qrReady: %+v", st)
	}
	if qr, ok := h.c.QRCode(); !ok || qr != "XYZ" {
		t.Errorf("QRCode() = %q, %v, want XYZ", qr, ok)
	}

	h.emit(Authenticated([]byte(`{"tok":"abc"}`)))
	st = h.c.Status()
	if !st.SessionExists || st.Phase != PhaseAuthenticating || st.QRAvailable {
		t.Fatalf("after authenticated: %+v", st)
	}
	if got := string(store.stored()); got != `{"tok":"abc"}` {
		t.Errorf("stored session = %q", got)
	}

	h.emit(Ready())
	st = h.c.Status()
	if !st.Connected || st.QRAvailable {
		t.Fatalf("after ready: %+v", st)
	}

	gw := h.latest()
	h.emit(Disconnected("NAVIGATION"))
	for attempt := 1; attempt <= 3; attempt++ {
		if h.sched.pending() != 1 {
			t.Fatalf("attempt %d: pending retries = %d, want 1", attempt, h.sched.pending())
		}
		if d := h.sched.last().delay; d != 5*time.Second {
			t.Errorf("retry delay = %s, want 5s", d)
		}
		h.sched.fireNext()
		if got := gw.inits(); got != 1+attempt {
			t.Fatalf("Initialize calls = %d, want %d", got, 1+attempt)
		}
		h.emit(Disconnected("NAVIGATION"))
	}

	st = h.c.Status()
	if st.Connected || !st.RetriesExhausted || st.RetryCount != 3 {
		t.Fatalf("after exhausting retries: %+v", st)
	}
	if h.sched.pending() != 0 {
		t.Errorf("a 4th retry was scheduled")
	}
	if st.SessionExists || store.stored() != nil {
		t.Errorf("session should be discarded once retries are exhausted")
	}
}

func TestController_RetryCountBounded(t *testing.T) {
	for _, max := range []int{0, 1, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", max), func(t *testing.T) {
			opts := DefaultOptions()
			opts.MaxRetries = max
			h := newHarness(t, opts, nil)
			h.start()
			h.latest().setInitErr(errors.New("browser crashed"))

			h.emit(Disconnected("boom"))
			fired := 0
			for h.sched.fireNext() {
				fired++
				if rc := h.c.Status().RetryCount; rc > max {
					t.Fatalf("retryCount %d exceeds max %d", rc, max)
				}
				if fired > max+1 {
					t.Fatal("retries did not stop")
				}
			}

			if fired != max {
				t.Errorf("fired %d retries, want %d", fired, max)
			}
			st := h.c.Status()
			if st.Phase != PhaseDisconnected || !st.RetriesExhausted {
				t.Errorf("final status = %+v, want exhausted disconnected", st)
			}
		})
	}
}

func TestController_DuplicateDisconnectCountedOnce(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.start()
	h.toReady("cred")

	h.emit(Disconnected("first"))
	h.emit(Disconnected("second"))

	if rc := h.c.Status().RetryCount; rc != 1 {
		t.Errorf("retryCount = %d, want 1", rc)
	}
	if n := h.sched.pending(); n != 1 {
		t.Errorf("pending retries = %d, want 1", n)
	}
}

func TestController_SendMessageRequiresReady(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		want  Phase
	}{
		{"uninitialized", func(h *harness) {}, PhaseUninitialized},
		{"awaiting scan", func(h *harness) { h.emit(QRReady("code")) }, PhaseAwaitingScan},
		{"authenticating", func(h *harness) { h.emit(Authenticated([]byte("c"))) }, PhaseAuthenticating},
		{"disconnected", func(h *harness) { h.emit(Disconnected("lost")) }, PhaseDisconnected},
		{"exhausted", func(h *harness) {
			h.emit(Disconnected("lost"))
			for h.sched.fireNext() {
				h.emit(Disconnected("lost"))
			}
		}, PhaseDisconnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, DefaultOptions(), nil)
			h.start()
			tt.setup(h)

			if got := h.c.Status().Phase; got != tt.want {
				t.Fatalf("phase = %s, want %s", got, tt.want)
			}
			err := h.c.SendMessage(context.Background(), "123456", "hi")
			if !errors.Is(err, ErrNotConnected) {
				t.Errorf("SendMessage() error = %v, want ErrNotConnected", err)
			}
			if len(h.latest().sent) != 0 {
				t.Error("gateway should not be called")
			}
		})
	}
}

func TestController_SendMessage(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.start()
	h.toReady("cred")

	if err := h.c.SendMessage(context.Background(), "123-456", "hi"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	gw := h.latest()
	want := sentMessage{"123456@s.whatsapp.net", "hi"}
	if len(gw.sent) != 1 || gw.sent[0] != want {
		t.Errorf("sent = %+v, want %+v", gw.sent, want)
	}
	if got := h.c.Status().Phase; got != PhaseReady {
		t.Errorf("phase changed to %s", got)
	}

	t.Run("invalid recipient", func(t *testing.T) {
		err := h.c.SendMessage(context.Background(), "---", "hi")
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("empty text", func(t *testing.T) {
		err := h.c.SendMessage(context.Background(), "123", "  ")
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("gateway failure", func(t *testing.T) {
		gw.mu.Lock()
		gw.sendErr = errors.New("usync timeout")
		gw.mu.Unlock()

		err := h.c.SendMessage(context.Background(), "123", "hi")
		var gwErr *GatewayError
		if !errors.As(err, &gwErr) {
			t.Fatalf("error = %v, want *GatewayError", err)
		}
		if gwErr.Op != "send" || gwErr.Err.Error() != "usync timeout" {
			t.Errorf("GatewayError = %+v", gwErr)
		}
	})
}

func TestController_RequestPairingCode(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.start()
	h.emit(QRReady("code"))

	if _, err := h.c.RequestPairingCode(context.Background(), " +- "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty phone error = %v, want ErrInvalidInput", err)
	}

	code, err := h.c.RequestPairingCode(context.Background(), "+1 (555) 010-9999")
	if err != nil {
		t.Fatalf("RequestPairingCode() error = %v", err)
	}
	if code != "ABCD-1234" {
		t.Errorf("code = %q", code)
	}
	gw := h.latest()
	if len(gw.pairPhones) != 1 || gw.pairPhones[0] != "15550109999" {
		t.Errorf("gateway got phones %v", gw.pairPhones)
	}
	if got := h.c.Status().Phase; got != PhaseAwaitingScan {
		t.Errorf("phase changed to %s", got)
	}

	gw.mu.Lock()
	gw.pairErr = errors.New("rate-overlimit")
	gw.mu.Unlock()
	_, err = h.c.RequestPairingCode(context.Background(), "15550109999")
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Op != "pair" {
		t.Errorf("error = %v, want pair GatewayError", err)
	}
}

func TestController_ResetIdempotent(t *testing.T) {
	store := &memStore{}
	h := newHarness(t, DefaultOptions(), store)
	h.start()
	h.toReady("cred")
	h.emit(Disconnected("lost"))
	first := h.latest()

	for i := 0; i < 2; i++ {
		if err := h.c.Reset(context.Background()); err != nil {
			t.Fatalf("Reset() #%d error = %v", i+1, err)
		}
		st := h.c.Status()
		want := Status{Phase: PhaseUninitialized}
		if st != want {
			t.Errorf("after reset #%d: %+v, want %+v", i+1, st, want)
		}
	}

	if h.sched.pending() != 0 {
		t.Error("reset should cancel the pending retry")
	}
	if store.stored() != nil {
		t.Error("reset should clear the stored session")
	}
	if !first.destroyed {
		t.Error("reset should destroy the previous gateway")
	}
	if got := h.created(); got != 3 {
		t.Errorf("gateways created = %d, want 3", got)
	}
	if h.seeds[2] != nil {
		t.Error("gateway after reset should start without a seed")
	}
}

func TestController_StaleInstanceIgnored(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.start()
	old := h.currentInstance()
	h.emit(Disconnected("lost"))
	staleRetry := h.sched.last()

	if err := h.c.Reset(context.Background()); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	h.c.handleEvent(old, QRReady("stale"))
	h.c.handleEvent(old, Disconnected("stale"))
	if st := h.c.Status(); st.QRAvailable || st.Phase != PhaseUninitialized || st.RetryCount != 0 {
		t.Errorf("stale events changed state: %+v", st)
	}

	// A timer that was already running when reset cancelled it.
	staleRetry.f()
	if got := h.gateways[0].inits(); got != 1 {
		t.Errorf("stale retry re-initialized old gateway (%d calls)", got)
	}
	if got := h.c.Status().Phase; got != PhaseUninitialized {
		t.Errorf("stale retry changed phase to %s", got)
	}
}

func TestController_QRAndReadyCancelRetry(t *testing.T) {
	for _, evt := range []Event{QRReady("fresh"), Ready()} {
		t.Run(evt.Kind.String(), func(t *testing.T) {
			h := newHarness(t, DefaultOptions(), nil)
			h.start()
			h.emit(Disconnected("lost"))
			h.emit(evt)

			if h.sched.pending() != 0 {
				t.Errorf("%s should cancel the pending retry", evt.Kind)
			}
			if h.c.Status().Phase == PhaseDisconnected {
				t.Errorf("%s should leave the disconnected phase", evt.Kind)
			}
		})
	}
}

func TestController_Logout(t *testing.T) {
	t.Run("ready logs out remotely", func(t *testing.T) {
		store := &memStore{}
		h := newHarness(t, DefaultOptions(), store)
		h.start()
		h.toReady("cred")
		gw := h.latest()

		if err := h.c.Logout(context.Background()); err != nil {
			t.Fatalf("Logout() error = %v", err)
		}
		if gw.logoutCalls != 1 {
			t.Errorf("remote logout calls = %d, want 1", gw.logoutCalls)
		}
		if st := h.c.Status(); st.SessionExists || st.Phase != PhaseUninitialized {
			t.Errorf("status after logout = %+v", st)
		}
		if store.stored() != nil {
			t.Error("stored session should be cleared")
		}
	})

	t.Run("not ready stays local", func(t *testing.T) {
		h := newHarness(t, DefaultOptions(), nil)
		h.start()
		h.emit(Authenticated([]byte("cred")))
		gw := h.latest()

		if err := h.c.Logout(context.Background()); err != nil {
			t.Fatalf("Logout() error = %v", err)
		}
		if gw.logoutCalls != 0 {
			t.Error("remote logout should only happen while ready")
		}
		if h.c.Status().SessionExists {
			t.Error("local session should be cleared")
		}
	})

	t.Run("remote failure still clears", func(t *testing.T) {
		h := newHarness(t, DefaultOptions(), nil)
		h.start()
		h.toReady("cred")
		gw := h.latest()
		gw.logoutErr = errors.New("network down")

		err := h.c.Logout(context.Background())
		var gwErr *GatewayError
		if !errors.As(err, &gwErr) || gwErr.Op != "logout" {
			t.Errorf("Logout() error = %v, want logout GatewayError", err)
		}
		if st := h.c.Status(); st.SessionExists || st.Connected {
			t.Errorf("local state not cleared: %+v", st)
		}
	})
}

func TestController_StartSeedsFromStore(t *testing.T) {
	store := &memStore{blob: []byte(`{"jid":"1@s.whatsapp.net"}`)}
	h := newHarness(t, DefaultOptions(), store)
	h.start()

	if !bytes.Equal(h.seeds[0], store.blob) {
		t.Errorf("factory seed = %q, want stored session", h.seeds[0])
	}
	if !h.c.Status().SessionExists {
		t.Error("seeded session should exist")
	}
	if blob, ok := h.c.Session(); !ok || !bytes.Equal(blob, store.blob) {
		t.Errorf("Session() = %q, %v", blob, ok)
	}
}

func TestController_StoreErrorsDegradeToMemory(t *testing.T) {
	store := &memStore{loadErr: errors.New("disk gone"), saveErr: errors.New("read-only fs")}
	h := newHarness(t, DefaultOptions(), store)
	h.start()

	if h.seeds[0] != nil {
		t.Error("failed load should start without a seed")
	}
	h.toReady("cred")
	if st := h.c.Status(); !st.SessionExists || !st.Connected {
		t.Errorf("status = %+v, want in-memory session and connected", st)
	}
	if store.saves != 1 {
		t.Errorf("save attempts = %d, want 1", store.saves)
	}
}

func TestController_KeepSessionWhenConfigured(t *testing.T) {
	store := &memStore{}
	opts := DefaultOptions()
	opts.MaxRetries = 0
	opts.DiscardSessionOnExhaustedRetries = false
	h := newHarness(t, opts, store)
	h.start()
	h.toReady("cred")

	h.emit(Disconnected("lost"))

	st := h.c.Status()
	if !st.RetriesExhausted || !st.SessionExists {
		t.Errorf("status = %+v, want exhausted with session kept", st)
	}
	if string(store.stored()) != "cred" {
		t.Error("stored session should be kept")
	}
}

func TestController_ConnectedWhenAuthenticated(t *testing.T) {
	opts := DefaultOptions()
	opts.ConnectedWhenAuthenticated = true
	h := newHarness(t, opts, nil)
	h.start()
	h.emit(Authenticated([]byte("cred")))

	if !h.c.Status().Connected {
		t.Error("authenticated should report connected")
	}
	if err := h.c.SendMessage(context.Background(), "1", "hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendMessage() error = %v, sending still requires ready", err)
	}
}

func TestController_InitializeFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.c.factory = func(ctx context.Context, seed []byte) (Gateway, error) {
		gw, _ := h.factory(ctx, seed)
		gw.(*fakeGateway).initErr = errors.New("no network")
		return gw, nil
	}
	if err := h.c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, func() bool { return h.c.Status().Phase == PhaseDisconnected })
	snap := h.c.Snapshot()
	if snap.RetryCount != 1 || !snap.RetryPending {
		t.Errorf("snapshot = %+v, want one pending retry", snap)
	}
	if snap.LastReason != "initialize: no network" {
		t.Errorf("LastReason = %q", snap.LastReason)
	}
}

func TestController_PumpDeliversEventsInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	opts := DefaultOptions()
	opts.Observers = []Observer{func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, tr.Event)
	}}
	h := newHarness(t, opts, nil)
	h.start()

	gw := h.latest()
	gw.events <- QRReady("a")
	gw.events <- Authenticated([]byte("cred"))
	gw.events <- Ready()

	waitFor(t, func() bool { return h.c.Status().Phase == PhaseReady })

	mu.Lock()
	defer mu.Unlock()
	want := []string{TriggerStart, "qr_ready", "authenticated", "ready"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("observed %v, want %v", seen, want)
	}
}

func TestController_CloseRejectsCommands(t *testing.T) {
	h := newHarness(t, DefaultOptions(), nil)
	h.start()
	gw := h.latest()

	if err := h.c.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !gw.destroyed {
		t.Error("Close should destroy the gateway")
	}
	if err := h.c.Reset(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Reset() after Close = %v, want ErrClosed", err)
	}
	if err := h.c.SendMessage(context.Background(), "1", "hi"); !errors.Is(err, ErrClosed) {
		t.Errorf("SendMessage() after Close = %v, want ErrClosed", err)
	}
}
