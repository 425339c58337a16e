package clover

import (
	"context"
	"fmt"
)

// acquire takes the terminal's single request slot.
func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.slot
}

func (m *Manager) ready() error {
	if !m.connected() {
		return ErrNotConnected
	}
	if !m.State().CanTransact() {
		return ErrNotPaired
	}
	return nil
}

// exclusive runs one payment request through the slot: the state is Busy
// from send until the terminal answers or the request deadline passes. When
// ctx ends first the caller gets ctx.Err() while the slot stays held until
// the request itself resolves.
func (m *Manager) exclusive(ctx context.Context, method string, build func(id string) (*Envelope, error)) (*Envelope, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	if err := m.ready(); err != nil {
		m.release()
		return nil, err
	}

	p := m.correlator.Begin(method, m.opts.RequestTimeout)
	env, err := build(p.ID)
	if err != nil {
		m.correlator.Cancel(p.ID, err)
		m.release()
		return nil, fmt.Errorf("failed to build %s: %w", method, err)
	}

	m.setState(StateBusy)
	if err := m.Send(env); err != nil {
		m.correlator.Cancel(p.ID, err)
		m.swapState(StateBusy, StatePaired)
		m.release()
		return nil, err
	}

	go func() {
		<-p.Done()
		m.swapState(StateBusy, StatePaired)
		m.release()
	}()

	return p.Wait(ctx)
}

// SendSale starts a card payment for amount and waits for FINISH_OK or
// FINISH_CANCEL.
func (m *Manager) SendSale(ctx context.Context, amount float64, externalID string, tip float64) (*Envelope, error) {
	m.logger.Infof("Sending SALE: amount=%.2f externalId=%s", amount, externalID)
	return m.exclusive(ctx, MethodTxStart, func(id string) (*Envelope, error) {
		return newSale(m.identity(), id, amount, tip, externalID)
	})
}

func (m *Manager) SendRefund(ctx context.Context, amount float64, paymentID, orderID string, full bool) (*Envelope, error) {
	m.logger.Infof("Sending REFUND: amount=%.2f paymentId=%s orderId=%s full=%t", amount, paymentID, orderID, full)
	return m.exclusive(ctx, MethodRefund, func(id string) (*Envelope, error) {
		return newRefund(m.identity(), id, amount, paymentID, orderID, full)
	})
}

func (m *Manager) SendVoid(ctx context.Context, paymentID, orderID string) (*Envelope, error) {
	m.logger.Infof("Sending VOID_PAYMENT: paymentId=%s orderId=%s", paymentID, orderID)
	return m.exclusive(ctx, MethodVoidPayment, func(id string) (*Envelope, error) {
		return newVoid(m.identity(), id, paymentID, orderID)
	})
}

// Break asks the terminal to abandon the current transaction. It bypasses
// the request slot and returns once written; the reply is tracked with the
// cancel deadline.
func (m *Manager) Break() (*Pending, error) {
	if !m.connected() {
		return nil, ErrNotConnected
	}

	p := m.correlator.Begin(MethodBreak, m.opts.CancelTimeout)
	env, err := newBreak(m.identity(), p.ID)
	if err != nil {
		m.correlator.Cancel(p.ID, err)
		return nil, err
	}
	m.logger.Infof("Sending BREAK (cancel current transaction)")
	if err := m.Send(env); err != nil {
		m.correlator.Cancel(p.ID, err)
		m.logger.Warningf("Error cancelling transaction, terminal may not support BREAK: %v", err)
		return nil, err
	}
	return p, nil
}

// SendBreak sends BREAK and waits for its reply.
func (m *Manager) SendBreak(ctx context.Context) (*Envelope, error) {
	p, err := m.Break()
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}
