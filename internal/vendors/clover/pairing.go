package clover

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SendPairingRequest starts the pairing handshake. With simulated pairing
// enabled, a terminal that stays silent gets a locally generated code after
// PairingTimeout and is promoted to Paired after a further PairingGrace.
func (m *Manager) SendPairingRequest() error {
	cfg := m.config()

	m.logger.Infof("Initiating pairing request. AuthToken present: %t", cfg.AuthToken != "")
	m.setState(StatePairingRequired)

	env, err := NewPairingRequest(m.identity(), cfg.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to build pairing request: %w", err)
	}

	m.mutex.Lock()
	m.pairingGen++
	gen := m.pairingGen
	m.pairingHeard = false
	m.mutex.Unlock()

	if err := m.Send(env); err != nil {
		return fmt.Errorf("failed to send pairing request: %w", err)
	}

	if cfg.SimulatedPairing {
		go m.pairingFallback(gen)
	}

	m.logger.Infof("Pairing request sent, waiting for terminal response")
	return nil
}

// pairingStillOpen reports whether the handshake identified by gen is
// current and unanswered.
func (m *Manager) pairingStillOpen(gen uint64, requireSilence bool) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.pairingGen != gen || m.state != StatePairingRequired {
		return false
	}
	return !requireSilence || !m.pairingHeard
}

func (m *Manager) pairingFallback(gen uint64) {
	time.Sleep(m.opts.PairingTimeout)
	if !m.pairingStillOpen(gen, true) {
		return
	}

	m.logger.Warningf("No response from terminal after %s, using local pairing code", m.opts.PairingTimeout)
	code := generatePairingCode()
	m.mutex.Lock()
	m.pairingCode = code
	m.mutex.Unlock()
	m.events.publish(Event{Kind: EventPairingCode, PairingCode: code})

	time.Sleep(m.opts.PairingGrace)
	if !m.pairingStillOpen(gen, false) {
		return
	}

	m.logger.Warningf("Auto-completing pairing (simulated mode)")
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := m.opts.SaveToken(token); err != nil {
		m.logger.Errorf("Failed to save auth token: %v", err)
	}
	m.mutex.Lock()
	m.pairingCode = ""
	m.mutex.Unlock()
	m.swapState(StatePairingRequired, StatePaired)
}

func generatePairingCode() string {
	return fmt.Sprintf("%06d", 100000+rand.Intn(900000))
}

func (m *Manager) handlePairingCode(env *Envelope) {
	m.mutex.Lock()
	m.pairingHeard = true
	m.mutex.Unlock()

	code := DecodePairingCode(env.Payload)
	if code == "" {
		m.logger.Warningf("PAIRING_CODE received but no code found in payload")
		return
	}

	m.mutex.Lock()
	m.pairingCode = code
	m.mutex.Unlock()

	m.logger.Infof("Pairing code: %s", code)
	m.events.publish(Event{Kind: EventPairingCode, PairingCode: code})
}

func (m *Manager) handlePairingResponse(env *Envelope) {
	m.mutex.Lock()
	m.pairingHeard = true
	m.mutex.Unlock()

	resp, err := DecodePairingResponse(env.Payload)
	if err != nil {
		m.logger.Warningf("PAIRING_RESPONSE received but no payload found: %v", err)
		return
	}

	m.logger.Infof("Pairing state: %s", resp.PairingState)

	if resp.AuthenticationToken != "" {
		token := resp.AuthenticationToken
		m.logger.Infof("Received auth token from pairing (***%s)", token[max(0, len(token)-4):])
		if err := m.opts.SaveToken(token); err != nil {
			m.logger.Errorf("Failed to save auth token: %v", err)
		}
	}

	switch resp.PairingState {
	case PairingStatePaired, PairingStateInitial:
		m.logger.Infof("Pairing completed successfully")
		m.mutex.Lock()
		m.pairingCode = ""
		m.mutex.Unlock()
		m.setState(StatePaired)
	case PairingStateFailed:
		m.logger.Errorf("Pairing failed, terminal rejected pairing")
		m.setState(StateError)
	case PairingStateAuthenticating:
		m.logger.Infof("Waiting for manager PIN on terminal")
	default:
		m.logger.Warningf("Unknown pairing state: %q", resp.PairingState)
	}
}
