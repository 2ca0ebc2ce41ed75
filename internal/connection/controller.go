package connection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const storeTimeout = 10 * time.Second

// Options configures the retry policy and status reporting of a Controller.
type Options struct {
	MaxRetries                       int
	RetryDelay                       time.Duration
	DiscardSessionOnExhaustedRetries bool
	// ConnectedWhenAuthenticated makes Status report Connected as soon as the
	// session is authenticated instead of waiting for the ready event.
	ConnectedWhenAuthenticated bool

	Logger    waLog.Logger
	Observers []Observer
}

// DefaultOptions returns three retries five seconds apart, discarding the
// session once they are exhausted.
func DefaultOptions() Options {
	return Options{
		MaxRetries:                       3,
		RetryDelay:                       5 * time.Second,
		DiscardSessionOnExhaustedRetries: true,
	}
}

type timer interface {
	Stop() bool
}

// instance is one constructed gateway. done is closed when it is replaced.
type instance struct {
	id   uuid.UUID
	gw   Gateway
	done chan struct{}
}

type pendingRetry struct {
	inst  *instance
	timer timer
}

// Controller serializes gateway events and API commands onto one
// ConnectionState.
type Controller struct {
	factory GatewayFactory
	store   SessionStore
	opts    Options
	logger  waLog.Logger

	afterFunc func(time.Duration, func()) timer
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// swapMu serializes gateway replacement, storeMu session I/O.
	swapMu  sync.Mutex
	storeMu sync.Mutex

	mu         sync.Mutex
	started    bool
	closed     bool
	phase      Phase
	retryCount int
	exhausted  bool
	qr         string
	credential []byte
	credGen    uint64
	current    *instance
	retry      *pendingRetry
	lastReason string
	lastEvent  time.Time
}

// NewController creates a controller. store may be nil, in which case the
// credential only lives in memory.
func NewController(factory GatewayFactory, store SessionStore, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = waLog.Noop
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		factory: factory,
		store:   store,
		opts:    opts,
		logger:  logger,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		phase:  PhaseUninitialized,
	}
}

// Start seeds the credential from the session store, constructs the first
// gateway and begins initializing it in the background.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("connection controller already started")
	}
	c.started = true
	c.mu.Unlock()

	seed := c.loadSeed(ctx)

	c.mu.Lock()
	if seed != nil {
		c.credential = seed
		c.credGen++
	}
	c.mu.Unlock()

	c.swapMu.Lock()
	defer c.swapMu.Unlock()
	inst, err := c.installGateway(ctx, seed)
	if err != nil {
		return err
	}
	c.notify(Transition{
		From:     PhaseUninitialized,
		To:       PhaseUninitialized,
		Event:    TriggerStart,
		Instance: inst.id.String(),
		At:       c.now(),
	})
	go c.initialize(inst)
	return nil
}

func (c *Controller) loadSeed(ctx context.Context) []byte {
	if c.store == nil {
		return nil
	}
	blob, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warnf("Failed to load stored session, starting without one: %v", err)
		return nil
	}
	if len(blob) == 0 {
		c.logger.Infof("No stored session found")
		return nil
	}
	c.logger.Infof("Loaded stored session (%d bytes)", len(blob))
	return blob
}

// installGateway constructs a gateway and makes it current. Callers hold swapMu
// and have already released the previous instance.
func (c *Controller) installGateway(ctx context.Context, seed []byte) (*instance, error) {
	gw, err := c.factory(ctx, seed)
	if err != nil {
		return nil, &GatewayError{Op: "create", Err: err}
	}
	inst := &instance{id: uuid.New(), gw: gw, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if derr := gw.Destroy(ctx); derr != nil {
			c.logger.Warnf("Failed to destroy gateway after close: %v", derr)
		}
		return nil, ErrClosed
	}
	c.current = inst
	c.mu.Unlock()

	go c.pump(inst)
	c.logger.Debugf("Gateway instance %s installed", inst.id)
	return inst, nil
}

// pump feeds one instance's events into the state machine in emission order.
func (c *Controller) pump(inst *instance) {
	events := inst.gw.Events()
	for {
		select {
		case <-inst.done:
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.handleEvent(inst, evt)
		}
	}
}

func (c *Controller) initialize(inst *instance) {
	if err := inst.gw.Initialize(c.ctx); err != nil {
		c.logger.Errorf("Gateway initialize failed: %v", err)
		c.handleEvent(inst, Disconnected("initialize: "+err.Error()))
	}
}

type persistOp struct {
	gen  uint64
	blob []byte
}

// handleEvent applies one gateway event. Events from replaced instances are dropped.
func (c *Controller) handleEvent(inst *instance, evt Event) {
	c.mu.Lock()
	if c.closed || c.current != inst {
		c.mu.Unlock()
		c.logger.Debugf("Dropping %s event from stale gateway instance %s", evt.Kind, inst.id)
		return
	}

	from := c.phase
	tr := Transition{
		From:     from,
		Event:    evt.Kind.String(),
		Reason:   evt.Reason,
		Instance: inst.id.String(),
		At:       c.now(),
	}
	var persist *persistOp
	applied := true

	switch evt.Kind {
	case EventQRReady:
		if from != PhaseUninitialized && from != PhaseDisconnected && from != PhaseAwaitingScan {
			applied = false
			break
		}
		c.cancelRetryLocked()
		c.exhausted = false
		c.phase = PhaseAwaitingScan
		c.qr = evt.QR

	case EventAuthenticated:
		if from != PhaseUninitialized && from != PhaseAwaitingScan {
			applied = false
			break
		}
		c.phase = PhaseAuthenticating
		c.qr = ""
		c.retryCount = 0
		c.exhausted = false
		if len(evt.Credential) > 0 && !bytes.Equal(evt.Credential, c.credential) {
			c.credential = bytes.Clone(evt.Credential)
			c.credGen++
			persist = &persistOp{gen: c.credGen, blob: c.credential}
		}

	case EventReady:
		// Disconnected is accepted too: the gateway recovered before the retry fired.
		if from == PhaseReady {
			applied = false
			break
		}
		c.cancelRetryLocked()
		c.phase = PhaseReady
		c.qr = ""
		c.retryCount = 0
		c.exhausted = false

	case EventDisconnected:
		if from == PhaseDisconnected {
			applied = false
			break
		}
		c.phase = PhaseDisconnected
		c.qr = ""
		c.lastReason = evt.Reason
		if c.retryCount < c.opts.MaxRetries {
			c.retryCount++
			c.scheduleRetryLocked(inst)
			tr.RetryScheduled = true
		} else {
			c.exhausted = true
			tr.Exhausted = true
			if c.opts.DiscardSessionOnExhaustedRetries && c.credential != nil {
				c.credential = nil
				c.credGen++
				persist = &persistOp{gen: c.credGen}
			}
		}

	default:
		applied = false
	}

	if !applied {
		c.mu.Unlock()
		c.logger.Debugf("Ignoring %s event in phase %s", evt.Kind, from)
		return
	}
	c.lastEvent = tr.At
	tr.To = c.phase
	tr.RetryCount = c.retryCount
	c.mu.Unlock()

	c.logTransition(tr)
	if persist != nil {
		c.persist(*persist)
	}
	c.notify(tr)
}

func (c *Controller) logTransition(tr Transition) {
	switch {
	case tr.Exhausted:
		c.logger.Errorf("Connection lost (%s), %d retries exhausted; waiting for reset", tr.Reason, c.opts.MaxRetries)
	case tr.RetryScheduled:
		c.logger.Warnf("Connection lost (%s), retry %d/%d in %s", tr.Reason, tr.RetryCount, c.opts.MaxRetries, c.opts.RetryDelay)
	default:
		c.logger.Infof("Connection %s -> %s (%s)", tr.From, tr.To, tr.Event)
	}
}

func (c *Controller) scheduleRetryLocked(inst *instance) {
	c.cancelRetryLocked()
	pending := &pendingRetry{inst: inst}
	pending.timer = c.afterFunc(c.opts.RetryDelay, func() {
		c.fireRetry(pending)
	})
	c.retry = pending
}

func (c *Controller) cancelRetryLocked() {
	if c.retry == nil {
		return
	}
	c.retry.timer.Stop()
	c.retry = nil
}

// fireRetry re-initializes the instance the retry was scheduled for, provided
// nothing has superseded it in the meantime.
func (c *Controller) fireRetry(pending *pendingRetry) {
	c.mu.Lock()
	if c.closed || c.retry != pending || c.current != pending.inst || c.phase != PhaseDisconnected {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	c.phase = PhaseUninitialized
	tr := Transition{
		From:       PhaseDisconnected,
		To:         PhaseUninitialized,
		Event:      TriggerRetry,
		RetryCount: c.retryCount,
		Instance:   pending.inst.id.String(),
		At:         c.now(),
	}
	c.lastEvent = tr.At
	c.mu.Unlock()

	c.logger.Infof("Retrying connection (attempt %d/%d)", tr.RetryCount, c.opts.MaxRetries)
	c.notify(tr)
	c.initialize(pending.inst)
}

// persist writes or clears the stored session unless a newer credential
// change has happened since op was taken.
func (c *Controller) persist(op persistOp) {
	if c.store == nil {
		return
	}
	c.storeMu.Lock()
	defer c.storeMu.Unlock()

	c.mu.Lock()
	stale := op.gen != c.credGen
	c.mu.Unlock()
	if stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if op.blob == nil {
		if err := c.store.Clear(ctx); err != nil {
			c.logger.Errorf("Failed to clear stored session, continuing in memory: %v", err)
		}
		return
	}
	if err := c.store.Save(ctx, op.blob); err != nil {
		c.logger.Errorf("Failed to save session, continuing in memory: %v", err)
	}
}

func (c *Controller) notify(tr Transition) {
	for _, observer := range c.opts.Observers {
		observer(tr)
	}
}

func (c *Controller) activeGateway() (Gateway, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.current == nil {
		return nil, errNoGateway
	}
	return c.current.gw, nil
}

// RequestPairingCode asks the gateway for a code that links the account of
// phone without scanning a QR code. The phase is left untouched.
func (c *Controller) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	digits := NormalizePhone(phone)
	if digits == "" {
		return "", fmt.Errorf("%w: phone number is required", ErrInvalidInput)
	}
	gw, err := c.activeGateway()
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return "", err
		}
		return "", &GatewayError{Op: "pair", Err: err}
	}
	code, err := gw.RequestPairingCode(ctx, digits)
	if err != nil {
		return "", &GatewayError{Op: "pair", Err: err}
	}
	return code, nil
}

// SendMessage delivers text to recipient. It requires the Ready phase.
func (c *Controller) SendMessage(ctx context.Context, recipient, text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.phase != PhaseReady || c.current == nil {
		phase := c.phase
		c.mu.Unlock()
		return fmt.Errorf("%w: connection is %s", ErrNotConnected, phase)
	}
	gw := c.current.gw
	c.mu.Unlock()

	to, err := NormalizeRecipient(recipient)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if err := gw.SendMessage(ctx, to, text); err != nil {
		return &GatewayError{Op: "send", Err: err}
	}
	return nil
}

// Status returns the current connection status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	connected := c.phase == PhaseReady
	if c.opts.ConnectedWhenAuthenticated && c.phase == PhaseAuthenticating {
		connected = true
	}
	return Status{
		Phase:            c.phase,
		Connected:        connected,
		QRAvailable:      c.qr != "",
		SessionExists:    c.credential != nil,
		RetryCount:       c.retryCount,
		RetriesExhausted: c.exhausted,
	}
}

// QRCode returns the pending QR payload, if any.
func (c *Controller) QRCode() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qr, c.qr != ""
}

// Session returns a copy of the current credential, if any.
func (c *Controller) Session() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credential == nil {
		return nil, false
	}
	return bytes.Clone(c.credential), true
}

// Snapshot returns the status together with retry and instance diagnostics.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{
		Status:         c.statusLocked(),
		CredentialSize: len(c.credential),
		RetryPending:   c.retry != nil,
		MaxRetries:     c.opts.MaxRetries,
		LastReason:     c.lastReason,
		LastEventAt:    c.lastEvent,
	}
	if c.current != nil {
		snap.InstanceID = c.current.id.String()
	}
	return snap
}

// Reset discards the credential and the current gateway, then starts a fresh
// gateway in the background. The state is reset when Reset returns.
func (c *Controller) Reset(ctx context.Context) error {
	return c.reset(ctx, "requested")
}

func (c *Controller) reset(ctx context.Context, reason string) error {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	from := c.phase
	c.cancelRetryLocked()
	old := c.current
	c.current = nil
	c.phase = PhaseUninitialized
	c.retryCount = 0
	c.exhausted = false
	c.qr = ""
	c.lastReason = reason
	var persist *persistOp
	if c.credential != nil {
		c.credential = nil
		c.credGen++
		persist = &persistOp{gen: c.credGen}
	}
	tr := Transition{
		From:   from,
		To:     PhaseUninitialized,
		Event:  TriggerReset,
		Reason: reason,
		At:     c.now(),
	}
	c.lastEvent = tr.At
	c.mu.Unlock()

	if persist != nil {
		c.persist(*persist)
	}

	if old != nil {
		close(old.done)
		if err := old.gw.Destroy(ctx); err != nil {
			c.logger.Warnf("Failed to destroy gateway instance %s: %v", old.id, err)
		}
	}

	inst, err := c.installGateway(ctx, nil)
	if err != nil {
		c.logger.Errorf("Failed to create gateway after reset: %v", err)
		c.notify(tr)
		return err
	}
	tr.Instance = inst.id.String()
	c.logger.Infof("Connection reset (%s), reinitializing", reason)
	c.notify(tr)
	go c.initialize(inst)
	return nil
}

// Logout signs the account out. The remote side is only contacted while
// Ready; local state is cleared regardless of the remote outcome.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	var gw Gateway
	if c.phase == PhaseReady && c.current != nil {
		gw = c.current.gw
	}
	c.mu.Unlock()

	var remoteErr error
	if gw != nil {
		if err := gw.Logout(ctx); err != nil {
			c.logger.Warnf("Remote logout failed, clearing local session anyway: %v", err)
			remoteErr = &GatewayError{Op: "logout", Err: err}
		}
	}

	if err := c.reset(ctx, "logout"); err != nil && remoteErr == nil {
		return err
	}
	return remoteErr
}

// Close stops retries and destroys the active gateway. The stored session is kept.
func (c *Controller) Close(ctx context.Context) error {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancelRetryLocked()
	old := c.current
	c.current = nil
	c.mu.Unlock()

	c.cancel()
	if old == nil {
		return nil
	}
	close(old.done)
	if err := old.gw.Destroy(ctx); err != nil {
		return &GatewayError{Op: "destroy", Err: err}
	}
	return nil
}
