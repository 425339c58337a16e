package clover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"
)

var (
	ErrNotConnected   = errors.New("terminal socket is not connected")
	ErrNotPaired      = errors.New("terminal must be paired to send transactions")
	ErrRequestTimeout = errors.New("terminal request timed out")
	ErrClosed         = errors.New("connection manager closed")
)

// Result is what a pending request resolves with: the terminal's response,
// or an error when the deadline passed first.
type Result struct {
	Message *Envelope
	Err     error
}

// Pending is one outstanding terminal request.
type Pending struct {
	ID        string
	Method    string
	CreatedAt time.Time
	Deadline  time.Time

	seq    uint64
	timer  *time.Timer
	done   chan struct{}
	result Result
}

// Done is closed once the request resolves.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Result is only meaningful after Done is closed.
func (p *Pending) Result() Result {
	<-p.done
	return p.result
}

// Wait blocks until the request resolves or ctx ends. Returning on ctx does
// not withdraw the request; it stays pending until answered or expired.
func (p *Pending) Wait(ctx context.Context) (*Envelope, error) {
	select {
	case <-p.done:
		return p.result.Message, p.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolution says how an inbound message was matched.
type Resolution int

const (
	Unmatched Resolution = iota
	MatchedExact
	MatchedPayloadID
	MatchedOldest
)

func (r Resolution) String() string {
	switch r {
	case MatchedExact:
		return "exact"
	case MatchedPayloadID:
		return "payload-id"
	case MatchedOldest:
		return "oldest-pending"
	default:
		return "unmatched"
	}
}

// Correlator hands out request ids and matches responses back to them.
type Correlator struct {
	mutex          sync.Mutex
	next           uint64
	pending        map[string]*Pending
	oldestFallback bool
	onChange       func(count int)
	now            func() time.Time
}

func NewCorrelator(oldestFallback bool) *Correlator {
	return &Correlator{
		pending:        make(map[string]*Pending),
		oldestFallback: oldestFallback,
		now:            time.Now,
	}
}

// OnChange registers a callback receiving the pending count after every
// insert or removal.
func (c *Correlator) OnChange(fn func(count int)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onChange = fn
}

// Begin registers a new request and arms its deadline.
func (c *Correlator) Begin(method string, timeout time.Duration) *Pending {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.next++
	id := strconv.FormatUint(c.next, 10)
	now := c.now()
	p := &Pending{
		ID:        id,
		Method:    method,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		seq:       c.next,
		done:      make(chan struct{}),
	}
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.resolve(id, Result{Err: fmt.Errorf("%w: %s %s after %s", ErrRequestTimeout, method, id, timeout)})
	})
	c.changed()
	return p
}

// Resolve matches an inbound response: its own id, then an id inside the
// payload, then (when enabled) the oldest pending request, preferring
// requests the response method can answer.
func (c *Correlator) Resolve(msg *Envelope) (Resolution, *Pending) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if msg.ID != "" {
		if p, ok := c.pending[msg.ID]; ok {
			c.complete(p, Result{Message: msg})
			return MatchedExact, p
		}
	}

	if payloadID := msg.Payload.ID(); payloadID != "" && payloadID != msg.ID {
		if p, ok := c.pending[payloadID]; ok {
			c.complete(p, Result{Message: msg})
			return MatchedPayloadID, p
		}
	}

	if c.oldestFallback && len(c.pending) > 0 {
		p := c.oldestFor(msg.Method)
		c.complete(p, Result{Message: msg})
		return MatchedOldest, p
	}

	return Unmatched, nil
}

// Cancel withdraws a request, resolving it with err.
func (c *Correlator) Cancel(id string, err error) bool {
	return c.resolve(id, Result{Err: err})
}

// Close resolves everything still pending with ErrClosed.
func (c *Correlator) Close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, p := range c.pending {
		c.complete(p, Result{Err: ErrClosed})
	}
}

func (c *Correlator) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.pending)
}

// Snapshot lists pending requests ordered by id.
func (c *Correlator) Snapshot() []Pending {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := make([]Pending, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, Pending{ID: p.ID, Method: p.Method, CreatedAt: p.CreatedAt, Deadline: p.Deadline, seq: p.seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (c *Correlator) resolve(id string, r Result) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return false
	}
	c.complete(p, r)
	return true
}

// complete must be called with the mutex held.
func (c *Correlator) complete(p *Pending, r Result) {
	delete(c.pending, p.ID)
	if p.timer != nil {
		p.timer.Stop()
	}
	p.result = r
	close(p.done)
	c.changed()
}

// fallbackTargets lists, per response method, the request methods it most
// plausibly answers, in preference order.
var fallbackTargets = map[string][]string{
	MethodFinishOK:            {MethodTxStart},
	MethodFinishCancel:        {MethodTxStart, MethodBreak},
	MethodRefundResponse:      {MethodRefund},
	MethodVoidPaymentResponse: {MethodVoidPayment},
}

// oldestFor picks the oldest pending request of the most plausible method,
// or the oldest overall when none fits.
func (c *Correlator) oldestFor(responseMethod string) *Pending {
	for _, method := range fallbackTargets[responseMethod] {
		if p := c.oldest(method); p != nil {
			return p
		}
	}
	return c.oldest("")
}

func (c *Correlator) oldest(method string) *Pending {
	var found *Pending
	for _, p := range c.pending {
		if method != "" && p.Method != method {
			continue
		}
		if found == nil || p.seq < found.seq {
			found = p
		}
	}
	return found
}

func (c *Correlator) changed() {
	if c.onChange != nil {
		c.onChange(len(c.pending))
	}
}
