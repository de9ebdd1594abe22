package ble

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConnState is the lifecycle state of a connection session.
type ConnState int

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateDiscoveringServices
	StateReady
	StateDisconnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDiscoveringServices:
		return "discovering_services"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// Terminal reports whether s only leaves through a new Connect.
func (s ConnState) Terminal() bool {
	return s == StateDisconnected || s == StateFailed
}

// ConnOptions configures a ConnectionController.
type ConnOptions struct {
	ConnectTimeout time.Duration // bound on the Connecting state (default 10s)
	AfterFunc      AfterFunc     // timer factory (default time.AfterFunc)
}

// DefaultConnOptions returns a ten second connect timeout on real timers.
func DefaultConnOptions() ConnOptions {
	return ConnOptions{ConnectTimeout: DefaultConnectTimeout}
}

// ConnectionController drives one outbound connection at a time:
//
//	Idle -> Connecting -> Connected -> DiscoveringServices -> Ready
//
// with Failed and Disconnected as sticky terminal states. Service discovery
// is requested automatically once the link is up. Every session gets a new
// token so late radio events for an old session are ignored.
//
// Listener callbacks run with no controller lock held and in transition
// order, so a listener may call Connect or Close from any notification.
type ConnectionController struct {
	radio    Radio
	listener ConnListener
	opts     ConnOptions

	// opMu serializes Connect, Close and the connect timeout.
	opMu sync.Mutex

	mu       sync.Mutex
	token    uint64
	target   string
	state    ConnState
	handle   ConnHandle
	live     bool // handle has not been released yet
	services []string
	err      error
	timer    Timer
	notes    notifier
}

// NewConnectionController creates a controller driving radio. listener may be nil.
func NewConnectionController(radio Radio, listener ConnListener, opts ConnOptions) *ConnectionController {
	if radio == nil {
		panic("ble: NewConnectionController called with nil radio")
	}
	if listener == nil {
		listener = nopListener{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	return &ConnectionController{
		radio:    radio,
		listener: listener,
		opts:     opts,
	}
}

// Connect starts a session to targetID, replacing a finished one. It fails
// with ErrAlreadyConnecting while a session is still active.
func (c *ConnectionController) Connect(targetID string) error {
	if targetID == "" {
		return ErrInvalidDeviceID
	}

	c.opMu.Lock()
	c.mu.Lock()
	if c.state != StateIdle && !c.state.Terminal() {
		c.mu.Unlock()
		c.opMu.Unlock()
		return ErrAlreadyConnecting
	}

	c.token++
	token := c.token
	h, err := c.radio.RequestConnect(targetID, &connSink{c: c, token: token})
	if err != nil {
		c.mu.Unlock()
		c.opMu.Unlock()
		return fmt.Errorf("ble: connect to %s: %w", targetID, err)
	}

	c.target = targetID
	c.state = StateConnecting
	c.handle = h
	c.live = true
	c.services = nil
	c.err = nil
	c.timer = c.opts.AfterFunc(c.opts.ConnectTimeout, func() { c.connectTimeout(token) })
	c.pushStateLocked(StateConnecting, nil)
	c.mu.Unlock()
	c.opMu.Unlock()

	slog.Info("[BLE] connecting", "id", targetID)
	c.notes.flush(&c.mu)
	return nil
}

// Close tears down the session from any state. The radio handle is released
// at most once per session; further calls are no-ops.
func (c *ConnectionController) Close() error {
	c.opMu.Lock()
	c.mu.Lock()
	if c.state != StateIdle && !c.state.Terminal() {
		c.state = StateDisconnected
		c.pushStateLocked(StateDisconnected, nil)
	}
	c.stopTimerLocked()
	h, release := c.takeHandleLocked()
	c.mu.Unlock()

	var err error
	if release {
		if rerr := c.radio.ReleaseConnection(h); rerr != nil {
			err = fmt.Errorf("ble: release connection: %w", rerr)
		}
	}
	c.opMu.Unlock()

	c.notes.flush(&c.mu)
	return err
}

// OnServicesDiscovered applies a service discovery result for handle h of the
// current session. It is only accepted in DiscoveringServices; any other
// state yields an *UnexpectedEventError and leaves the session untouched.
func (c *ConnectionController) OnServicesDiscovered(h ConnHandle, serviceIDs []string) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	return c.servicesDiscovered(token, h, serviceIDs)
}

func (c *ConnectionController) connectTimeout(token uint64) {
	c.opMu.Lock()
	c.mu.Lock()
	if token != c.token || c.state != StateConnecting {
		c.mu.Unlock()
		c.opMu.Unlock()
		return
	}
	slog.Warn("[BLE] connect timed out", "id", c.target, "timeout", c.opts.ConnectTimeout)
	c.finish(StateFailed, ErrConnectionTimeout)
	c.opMu.Unlock()

	c.notes.flush(&c.mu)
}

func (c *ConnectionController) linkStateChanged(token uint64, h ConnHandle, ls LinkState, cause error) {
	c.mu.Lock()
	if !c.currentLocked(token, h) {
		c.mu.Unlock()
		slog.Debug("[BLE] ignoring stale link event", "state", ls)
		return
	}
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	if c.state == StateIdle {
		c.violation("link "+ls.String(), c.state)
		return
	}

	switch ls {
	case LinkConnected:
		if c.state != StateConnecting {
			c.violation("link connected", c.state)
			return
		}
		c.stopTimerLocked()
		c.state = StateDiscoveringServices
		c.pushStateLocked(StateConnected, nil)
		c.pushStateLocked(StateDiscoveringServices, nil)
		target := c.target
		c.mu.Unlock()

		slog.Info("[BLE] connected", "id", target)
		err := c.radio.RequestServiceDiscovery(h)
		c.notes.flush(&c.mu)
		if err != nil {
			c.serviceDiscoveryFailed(token, h, err)
		}
		return

	case LinkDisconnected:
		if c.state == StateConnecting {
			c.finish(StateFailed, linkError("disconnected while connecting", cause))
		} else {
			slog.Warn("[BLE] disconnected", "id", c.target)
			c.finish(StateDisconnected, cause)
		}

	default:
		slog.Warn("[BLE] link failed", "id", c.target, "error", cause)
		c.finish(StateFailed, linkError("link failed", cause))
	}
	c.notes.flush(&c.mu)
}

func (c *ConnectionController) servicesDiscovered(token uint64, h ConnHandle, serviceIDs []string) error {
	c.mu.Lock()
	if !c.currentLocked(token, h) || c.state.Terminal() {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateDiscoveringServices {
		return c.violation("services discovered", c.state)
	}

	c.services = uniqueSorted(serviceIDs)
	c.state = StateReady
	services := append([]string(nil), c.services...)
	c.pushStateLocked(StateReady, nil)
	c.notes.push(func() { c.listener.OnServicesReady(services) })
	c.mu.Unlock()

	slog.Info("[BLE] services ready", "count", len(services))
	c.notes.flush(&c.mu)
	return nil
}

func (c *ConnectionController) serviceDiscoveryFailed(token uint64, h ConnHandle, cause error) {
	c.mu.Lock()
	if !c.currentLocked(token, h) || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	if c.state != StateDiscoveringServices {
		c.violation("service discovery failed", c.state)
		return
	}
	slog.Warn("[BLE] service discovery failed", "id", c.target, "error", cause)
	c.finish(StateFailed, fmt.Errorf("%w: %v", ErrServiceDiscoveryFailed, cause))
	c.notes.flush(&c.mu)
}

// finish enters a terminal state, queues its notification and releases the
// handle. Caller must hold mu; finish releases it. The caller flushes.
func (c *ConnectionController) finish(state ConnState, cause error) {
	c.state = state
	c.err = cause
	c.stopTimerLocked()
	c.pushStateLocked(state, cause)
	h, release := c.takeHandleLocked()
	c.mu.Unlock()

	if release {
		if err := c.radio.ReleaseConnection(h); err != nil {
			slog.Warn("[BLE] release connection failed", "error", err)
		}
	}
}

// violation reports an out-of-order event without touching the session.
// Caller must hold mu; violation releases it.
func (c *ConnectionController) violation(event string, state ConnState) error {
	err := &UnexpectedEventError{Event: event, State: state}
	c.notes.push(func() { c.listener.OnProtocolViolation(err) })
	c.mu.Unlock()

	slog.Warn("[BLE] protocol violation", "event", event, "state", state)
	c.notes.flush(&c.mu)
	return err
}

// currentLocked reports whether an event belongs to the current session.
// Idle is not stale: events there are protocol violations.
func (c *ConnectionController) currentLocked(token uint64, h ConnHandle) bool {
	return token == c.token && h == c.handle
}

func (c *ConnectionController) pushStateLocked(state ConnState, err error) {
	c.notes.push(func() { c.listener.OnConnectionStateChanged(state, err) })
}

func (c *ConnectionController) takeHandleLocked() (ConnHandle, bool) {
	if !c.live {
		return 0, false
	}
	c.live = false
	return c.handle, true
}

func (c *ConnectionController) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// State returns the current session state.
func (c *ConnectionController) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TargetID returns the device ID of the current or last session.
func (c *ConnectionController) TargetID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Services returns the discovered service IDs, sorted.
func (c *ConnectionController) Services() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.services...)
}

// Err returns the cause of the last terminal transition, if any.
func (c *ConnectionController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func linkError(msg string, cause error) error {
	if cause == nil {
		return fmt.Errorf("ble: %s", msg)
	}
	return fmt.Errorf("ble: %s: %w", msg, cause)
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// connSink binds radio notifications to one connection session.
type connSink struct {
	c     *ConnectionController
	token uint64
}

func (s *connSink) ConnectionStateChanged(h ConnHandle, state LinkState, err error) {
	s.c.linkStateChanged(s.token, h, state, err)
}

func (s *connSink) ServicesDiscovered(h ConnHandle, serviceIDs []string) {
	_ = s.c.servicesDiscovered(s.token, h, serviceIDs)
}

func (s *connSink) ServiceDiscoveryFailed(h ConnHandle, err error) {
	s.c.serviceDiscoveryFailed(s.token, h, err)
}
