package clover

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"bridge-payments/internal/settings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout = 120 * time.Second
	defaultCancelTimeout  = 30 * time.Second
	defaultPairingTimeout = 15 * time.Second
	defaultPairingGrace   = 5 * time.Second
	defaultCoolDown       = 60 * time.Second
	writeTimeout          = 10 * time.Second
)

// Options configures a Manager. Zero durations take the protocol defaults.
type Options struct {
	// Config is read on every connect so edits take effect on reconnect.
	Config func() settings.CloverConfig
	// SaveToken persists a token granted during pairing.
	SaveToken func(token string) error

	RequestTimeout        time.Duration
	CancelTimeout         time.Duration
	PairingTimeout        time.Duration
	PairingGrace          time.Duration
	CoolDown              time.Duration
	OldestPendingFallback bool

	Dialer *websocket.Dialer
	// StateObserver is told about every state change, after subscribers.
	StateObserver func(ConnectionState)
	// PendingObserver is told the pending request count on every change.
	PendingObserver func(int)
}

func (o *Options) applyDefaults() {
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = defaultCancelTimeout
	}
	if o.PairingTimeout <= 0 {
		o.PairingTimeout = defaultPairingTimeout
	}
	if o.PairingGrace <= 0 {
		o.PairingGrace = defaultPairingGrace
	}
	if o.CoolDown <= 0 {
		o.CoolDown = defaultCoolDown
	}
	if o.SaveToken == nil {
		o.SaveToken = func(string) error { return nil }
	}
}

// Manager owns the terminal socket: dialing, pairing, reconnects and the
// read loop. Payment requests are serialized through a single slot.
type Manager struct {
	logger     *logrus.Entry
	opts       Options
	correlator *Correlator
	events     *broker

	mutex        sync.Mutex
	conn         *websocket.Conn
	sessionDone  chan struct{}
	state        ConnectionState
	pairingCode  string
	pairingGen   uint64
	pairingHeard bool
	manualStop   bool
	attempts     int

	writeMutex sync.Mutex
	slot       chan struct{}
	wake       chan struct{}
}

func NewManager(logger *logrus.Entry, opts Options) *Manager {
	opts.applyDefaults()
	m := &Manager{
		logger:     logger,
		opts:       opts,
		correlator: NewCorrelator(opts.OldestPendingFallback),
		state:      StateDisconnected,
		slot:       make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
	}
	m.events = newBroker(func(e Event) {
		logger.Warningf("Dropping %s event for slow subscriber", e.Kind)
	})
	if opts.PendingObserver != nil {
		m.correlator.OnChange(opts.PendingObserver)
	}
	return m
}

func (m *Manager) config() settings.CloverConfig {
	if m.opts.Config == nil {
		return settings.CloverConfig{}
	}
	return m.opts.Config()
}

func (m *Manager) identity() Identity {
	cfg := m.config()
	return Identity{RemoteAppID: cfg.RemoteAppID, PosName: cfg.PosName, SerialNumber: cfg.SerialNumber}
}

// Subscribe returns a stream of connection events and its cancel func.
// Every terminal message is streamed as MessageReceived, including responses
// already handed to their pending request. Responses nobody waited for come
// as Unsolicited instead.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

func (m *Manager) State() ConnectionState {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// PairingCode is the last code shown for pairing, empty once paired.
func (m *Manager) PairingCode() string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.pairingCode
}

func (m *Manager) PendingCount() int {
	return m.correlator.Len()
}

func (m *Manager) Correlator() *Correlator {
	return m.correlator
}

func (m *Manager) setState(s ConnectionState) {
	m.mutex.Lock()
	if m.state == s {
		m.mutex.Unlock()
		return
	}
	m.state = s
	m.mutex.Unlock()

	m.logger.Infof("Connection state changed to %s", s)
	m.events.publish(Event{Kind: EventStateChanged, State: s})
	if m.opts.StateObserver != nil {
		m.opts.StateObserver(s)
	}
}

// swapState moves from one state to another only if still in from.
func (m *Manager) swapState(from, to ConnectionState) bool {
	m.mutex.Lock()
	if m.state != from {
		m.mutex.Unlock()
		return false
	}
	m.mutex.Unlock()
	m.setState(to)
	return true
}

// Run keeps the terminal connected until ctx ends. After MaxReconnectAttempts
// failed sessions it cools down and starts counting again; it never gives up.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Infof("Terminal connection manager starting")
	defer m.logger.Infof("Terminal connection manager stopped")

	for {
		if ctx.Err() != nil {
			_ = m.Disconnect()
			m.correlator.Close()
			m.events.closeAll()
			return
		}

		if m.idle() {
			select {
			case <-ctx.Done():
			case <-m.wake:
			}
			continue
		}

		err := m.Connect(ctx)
		if err == nil {
			done := m.currentSession()
			select {
			case <-ctx.Done():
				continue
			case <-done:
			}
			if m.isManualStop() {
				continue
			}
			err = fmt.Errorf("terminal closed the connection")
		}
		if ctx.Err() != nil {
			continue
		}

		m.logger.Errorf("Error in terminal connection: %v", err)
		m.setState(StateError)
		m.backoff(ctx)
	}
}

func (m *Manager) backoff(ctx context.Context) {
	cfg := m.config()

	m.mutex.Lock()
	var delay time.Duration
	if m.attempts < cfg.MaxReconnectAttempts {
		m.attempts++
		delay = cfg.ReconnectDelay()
		m.logger.Infof("Reconnect attempt %d/%d in %s", m.attempts, cfg.MaxReconnectAttempts, delay)
	} else {
		m.logger.Warningf("Max reconnect attempts reached, waiting %s", m.opts.CoolDown)
		delay = m.opts.CoolDown
		m.attempts = 0
	}
	m.mutex.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-m.wake:
	}
}

// idle reports whether the loop should wait: disabled in config or
// disconnected by an operator.
func (m *Manager) idle() bool {
	if !m.config().Enabled {
		return true
	}
	return m.isManualStop()
}

func (m *Manager) isManualStop() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.manualStop
}

func (m *Manager) currentSession() <-chan struct{} {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.sessionDone == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.sessionDone
}

// Resume clears an operator disconnect and wakes the reconnect loop.
func (m *Manager) Resume() {
	m.mutex.Lock()
	m.manualStop = false
	m.attempts = 0
	m.mutex.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Connect dials the terminal once, starts the read loop and sends the
// pairing request.
func (m *Manager) Connect(ctx context.Context) error {
	cfg := m.config()
	url := cfg.URL()

	m.mutex.Lock()
	m.manualStop = false
	m.mutex.Unlock()

	m.logger.Infof("Connecting to terminal at %s", url)
	m.setState(StateConnecting)

	dialer := m.opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		}
		if cfg.Secure {
			// terminals present self-signed certificates
			dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
		}
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", url, err)
	}

	done := make(chan struct{})
	m.mutex.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = conn
	m.sessionDone = done
	m.attempts = 0
	m.mutex.Unlock()

	m.setState(StateConnected)
	m.logger.Infof("Connected to terminal")

	go m.readLoop(conn, done)

	return m.SendPairingRequest()
}

// Disconnect closes the socket and keeps the manager offline until Resume
// or Connect.
func (m *Manager) Disconnect() error {
	m.mutex.Lock()
	conn := m.conn
	m.conn = nil
	m.manualStop = true
	m.pairingGen++
	m.pairingCode = ""
	m.mutex.Unlock()

	var err error
	if conn != nil {
		m.writeMutex.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Closing"),
			time.Now().Add(time.Second))
		m.writeMutex.Unlock()
		err = conn.Close()
	}
	m.setState(StateDisconnected)
	return err
}

func (m *Manager) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Infof("Terminal socket closed by server")
			} else if !m.isManualStop() {
				m.logger.Errorf("Error receiving message: %v", err)
			}
			m.mutex.Lock()
			current := m.conn == conn
			if current {
				m.conn = nil
				m.pairingGen++
			}
			manual := m.manualStop
			m.mutex.Unlock()
			_ = conn.Close()
			if current && !manual {
				m.setState(StateError)
			}
			return
		}
		m.handleMessage(data)
	}
}

// Send writes one envelope to the socket.
func (m *Manager) Send(env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Method, err)
	}

	m.mutex.Lock()
	conn := m.conn
	m.mutex.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	m.writeMutex.Lock()
	defer m.writeMutex.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		// the read loop notices the dead socket and the reconnect loop takes over
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	m.logger.Debugf("Sent %s (%d bytes)", env.Method, len(data))
	return nil
}

func (m *Manager) connected() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.conn != nil
}

func (m *Manager) handleMessage(data []byte) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		m.logger.Warningf("Ignoring malformed terminal message: %v", err)
		return
	}

	m.logger.Debugf("Received %s id=%s (%d bytes)", env.Method, env.ID, len(data))

	switch env.Method {
	case MethodPairingCode:
		m.handlePairingCode(env)
	case MethodPairingResponse:
		m.handlePairingResponse(env)
	case MethodAck:
		m.logger.Debugf("Received ACK for message %s", env.ID)
	case MethodUIState:
		m.logger.Debugf("UI_STATE: %s", truncate(string(env.Payload.Raw()), 100))
	case MethodTxStartResponse:
		m.logger.Infof("TX_START_RESPONSE: transaction in progress on terminal")
	case MethodFinishOK, MethodFinishCancel, MethodRefundResponse, MethodVoidPaymentResponse:
		m.handleResponse(env)
	default:
		m.logger.Infof("Terminal event %s", env.Method)
		m.events.publish(Event{Kind: EventMessage, Message: env})
	}
}

func (m *Manager) handleResponse(env *Envelope) {
	how, p := m.correlator.Resolve(env)
	if how == Unmatched {
		m.logger.Infof("%s without any pending request, notifying subscribers", env.Method)
		m.events.publish(Event{Kind: EventUnsolicited, Message: env})
		return
	}
	m.logger.Infof("%s completed pending %s %s (%s match)", env.Method, p.Method, p.ID, how)
	m.events.publish(Event{Kind: EventMessage, Message: env})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
