// Package transporttest provides a scriptable in-memory transport for tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wailbentafat/taskhub-realtime/transport"
)

// ErrRefused is the error reported by the Refuse step.
var ErrRefused = errors.New("connection refused")

// Step is run in its own goroutine right after a Conn is opened.
type Step func(c *Conn)

// Subscribe reports StatusSubscribed.
func Subscribe(c *Conn) { c.Status(transport.StatusSubscribed, nil) }

// Refuse reports StatusChannelError.
func Refuse(c *Conn) { c.Status(transport.StatusChannelError, ErrRefused) }

// Silent reports nothing; the test drives the Conn itself.
func Silent(*Conn) {}

// Transport opens Conns and runs one scripted Step per Open. Opens beyond
// the script use Default.
type Transport struct {
	Default Step

	mu      sync.Mutex
	script  []Step
	conns   []*Conn
	live    int
	maxLive int
	opened  chan *Conn
}

// New returns a Transport running steps in order.
func New(steps ...Step) *Transport {
	return &Transport{
		Default: Refuse,
		script:  steps,
		opened:  make(chan *Conn, 64),
	}
}

func (t *Transport) Name() string { return "fake" }

// Open implements transport.Transport.
func (t *Transport) Open(ctx context.Context, h transport.Handlers) (transport.Conn, error) {
	t.mu.Lock()
	step := t.Default
	if len(t.script) > 0 {
		step = t.script[0]
		t.script = t.script[1:]
	}
	c := &Conn{
		id:  fmt.Sprintf("fake-%d", len(t.conns)+1),
		ctx: ctx,
		h:   h,
		t:   t,
	}
	t.conns = append(t.conns, c)
	t.live++
	if t.live > t.maxLive {
		t.maxLive = t.live
	}
	t.mu.Unlock()

	select {
	case t.opened <- c:
	default:
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		step(c)
	}()
	return c, nil
}

// Opened delivers every Conn as it is opened.
func (t *Transport) Opened() <-chan *Conn { return t.opened }

// Opens returns how many Conns have been opened.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// MaxLive returns the largest number of Conns open at the same time.
func (t *Transport) MaxLive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxLive
}

// Live returns the number of Conns not yet closed.
func (t *Transport) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Last returns the most recently opened Conn, or nil.
func (t *Transport) Last() *Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Conn is a fake transport.Conn.
type Conn struct {
	id     string
	ctx    context.Context
	h      transport.Handlers
	t      *Transport
	wg     sync.WaitGroup
	closes atomic.Int32
	once   sync.Once
}

func (c *Conn) ID() string { return c.id }

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.closes.Add(1)
	c.once.Do(func() {
		c.wg.Wait()
		c.t.mu.Lock()
		c.t.live--
		c.t.mu.Unlock()
	})
	return nil
}

// Closed reports whether Close has been called.
func (c *Conn) Closed() bool { return c.closes.Load() > 0 }

// Status reports s through the Conn's handlers unless the Conn is closed.
func (c *Conn) Status(s transport.Status, err error) {
	if c.Closed() || c.h.OnStatus == nil {
		return
	}
	c.h.OnStatus(s, err)
}

// Message delivers m through the Conn's handlers unless the Conn is closed.
func (c *Conn) Message(m transport.Message) {
	if c.Closed() || c.h.OnMessage == nil {
		return
	}
	c.h.OnMessage(m)
}

// Context returns the context passed to Open.
func (c *Conn) Context() context.Context { return c.ctx }
