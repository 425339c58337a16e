package clover

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// SimMode selects how the simulated terminal answers a sale.
type SimMode string

const (
	SimApprove SimMode = "approve"
	SimDecline SimMode = "decline"
	SimCancel  SimMode = "cancel"
	// SimSilent never answers a sale; BREAK still gets FINISH_CANCEL.
	SimSilent SimMode = "silent"
)

// ParseSimMode accepts the mode names case-insensitively.
func ParseSimMode(s string) (SimMode, error) {
	switch mode := SimMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case SimApprove, SimDecline, SimCancel, SimSilent:
		return mode, nil
	}
	return "", fmt.Errorf("unknown simulator mode %q", s)
}

// SimPairing selects how the simulated terminal answers PAIRING_REQUEST.
type SimPairing string

const (
	// SimPairImmediate answers PAIRED with a token straight away.
	SimPairImmediate SimPairing = "immediate"
	// SimPairWithCode sends a PAIRING_CODE first, then PAIRED.
	SimPairWithCode SimPairing = "code"
	// SimPairSilent never answers, leaving the bridge to its fallback.
	SimPairSilent SimPairing = "silent"
)

type SimulatorOptions struct {
	Mode          SimMode
	Pairing       SimPairing
	ResponseDelay time.Duration
	AuthCode      string
	// EchoRequestID puts the request id into the response payload.
	EchoRequestID bool
}

// Simulator is a WebSocket server that speaks enough of the remote-pay
// protocol to exercise the bridge without a device.
type Simulator struct {
	logger   *logrus.Entry
	upgrader websocket.Upgrader

	mutex    sync.Mutex
	opts     SimulatorOptions
	received []*Envelope
	conns    map[*websocket.Conn]*sync.Mutex
	counter  int
	stopChan chan struct{}
	stopped  bool
}

func NewSimulator(logger *logrus.Entry, opts SimulatorOptions) *Simulator {
	if opts.Mode == "" {
		opts.Mode = SimApprove
	}
	if opts.Pairing == "" {
		opts.Pairing = SimPairImmediate
	}
	if opts.AuthCode == "" {
		opts.AuthCode = "123456"
	}
	return &Simulator{
		logger:   logger,
		opts:     opts,
		conns:    make(map[*websocket.Conn]*sync.Mutex),
		stopChan: make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetMode switches the sale behaviour for subsequent requests.
func (s *Simulator) SetMode(mode SimMode) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.opts.Mode = mode
}

// Received returns every envelope the simulator has read, in order.
func (s *Simulator) Received() []*Envelope {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	out := make([]*Envelope, len(s.received))
	copy(out, s.received)
	return out
}

// Count returns how many envelopes with method were received.
func (s *Simulator) Count(method string) int {
	n := 0
	for _, env := range s.Received() {
		if env.Method == method {
			n++
		}
	}
	return n
}

// Handler serves the remote_pay endpoint.
func (s *Simulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/remote_pay", s.serve)
	return mux
}

// Stop closes all client connections.
func (s *Simulator) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopChan)
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// DropConnections closes client sockets without stopping the simulator, so
// clients can reconnect.
func (s *Simulator) DropConnections() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *Simulator) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Simulator upgrade failed: %v", err)
		return
	}

	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		_ = conn.Close()
		return
	}
	writeMutex := &sync.Mutex{}
	s.conns[conn] = writeMutex
	s.mutex.Unlock()

	s.logger.Infof("Simulator: client connected from %s", r.RemoteAddr)
	defer func() {
		s.mutex.Lock()
		delete(s.conns, conn)
		s.mutex.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			s.logger.Warningf("Simulator: malformed message: %v", err)
			continue
		}
		s.mutex.Lock()
		s.received = append(s.received, env)
		opts := s.opts
		s.mutex.Unlock()

		s.logger.Infof("Simulator: received %s", env.Method)
		go s.respond(conn, writeMutex, env, opts)
	}
}

func (s *Simulator) respond(conn *websocket.Conn, writeMutex *sync.Mutex, req *Envelope, opts SimulatorOptions) {
	switch req.Method {
	case MethodPairingRequest:
		s.respondPairing(conn, writeMutex, opts)
	case MethodTxStart:
		s.write(conn, writeMutex, MethodAck, map[string]interface{}{"sourceMessageId": req.Payload.ID()})
		s.write(conn, writeMutex, MethodTxStartResponse, map[string]interface{}{"success": true})
		if opts.Mode == SimSilent {
			return
		}
		if !s.sleep(opts.ResponseDelay) {
			return
		}
		s.respondSale(conn, writeMutex, req, opts)
	case MethodRefund, MethodVoidPayment:
		if !s.sleep(opts.ResponseDelay) {
			return
		}
		method := MethodRefundResponse
		if req.Method == MethodVoidPayment {
			method = MethodVoidPaymentResponse
		}
		payload := map[string]interface{}{"success": true, "result": "SUCCESS", "reason": ""}
		if opts.EchoRequestID {
			payload["id"] = req.Payload.ID()
		}
		s.write(conn, writeMutex, method, payload)
	case MethodBreak:
		payload := map[string]interface{}{"reason": "Transaction cancelled by POS"}
		if opts.EchoRequestID {
			payload["id"] = req.Payload.ID()
		}
		s.write(conn, writeMutex, MethodFinishCancel, payload)
	}
}

func (s *Simulator) respondPairing(conn *websocket.Conn, writeMutex *sync.Mutex, opts SimulatorOptions) {
	switch opts.Pairing {
	case SimPairSilent:
		return
	case SimPairWithCode:
		s.write(conn, writeMutex, MethodPairingCode, map[string]interface{}{"pairingCode": "424242"})
		if !s.sleep(opts.ResponseDelay) {
			return
		}
	}
	s.write(conn, writeMutex, MethodPairingResponse, map[string]interface{}{
		"pairingState":        PairingStatePaired,
		"authenticationToken": strings.ReplaceAll(uuid.NewString(), "-", ""),
	})
}

func (s *Simulator) respondSale(conn *websocket.Conn, writeMutex *sync.Mutex, req *Envelope, opts SimulatorOptions) {
	var inner struct {
		ID        string    `json:"id"`
		PayIntent PayIntent `json:"payIntent"`
	}
	if err := req.Payload.Decode(&inner); err != nil {
		s.logger.Warningf("Simulator: cannot decode TX_START: %v", err)
		return
	}

	s.mutex.Lock()
	s.counter++
	n := s.counter
	s.mutex.Unlock()

	switch opts.Mode {
	case SimApprove:
		payment := map[string]interface{}{
			"id":                fmt.Sprintf("SIMPAY%06d", n),
			"externalPaymentId": inner.PayIntent.ExternalPaymentID,
			"amount":            inner.PayIntent.Amount,
			"tipAmount":         inner.PayIntent.TipAmount,
			"result":            "SUCCESS",
			"createdTime":       time.Now().UnixMilli(),
			"order":             map[string]interface{}{"id": fmt.Sprintf("SIMORD%06d", n)},
			"cardTransaction": map[string]interface{}{
				"authCode":  opts.AuthCode,
				"cardType":  "VISA",
				"last4":     "4242",
				"first6":    "424242",
				"entryType": "EMV_CONTACT",
				"type":      "AUTH",
				"currency":  "ars",
			},
			"tender":   map[string]interface{}{"labelKey": "com.clover.tender.credit_card"},
			"device":   map[string]interface{}{"id": "SIM-DEVICE"},
			"employee": map[string]interface{}{"id": "SIM-EMPLOYEE"},
		}
		paymentJSON, _ := json.Marshal(payment)
		payload := map[string]interface{}{"payment": string(paymentJSON)}
		if opts.EchoRequestID {
			payload["id"] = inner.ID
		}
		s.write(conn, writeMutex, MethodFinishOK, payload)
	case SimDecline:
		payload := map[string]interface{}{"result": "FAIL", "reason": "Card declined"}
		if opts.EchoRequestID {
			payload["id"] = inner.ID
		}
		s.write(conn, writeMutex, MethodFinishCancel, payload)
	case SimCancel:
		payload := map[string]interface{}{"reason": "Cancelled by customer"}
		if opts.EchoRequestID {
			payload["id"] = inner.ID
		}
		s.write(conn, writeMutex, MethodFinishCancel, payload)
	}
}

func (s *Simulator) sleep(d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopChan:
		return false
	}
}

func (s *Simulator) write(conn *websocket.Conn, writeMutex *sync.Mutex, method string, payload interface{}) {
	p, err := StringPayload(payload)
	if err != nil {
		s.logger.Errorf("Simulator: encode %s: %v", method, err)
		return
	}
	s.mutex.Lock()
	s.counter++
	id := fmt.Sprintf("sim-%d", s.counter)
	s.mutex.Unlock()

	env := &Envelope{ID: id, Method: method, Payload: p, RemoteSourceSDK: "CloverSimulator", Version: transactionVersion}
	data, err := env.Encode()
	if err != nil {
		return
	}

	writeMutex.Lock()
	defer writeMutex.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.logger.Debugf("Simulator: write %s failed: %v", method, err)
	}
}
