package comms

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eglochon/lan-mesh/config"
	"github.com/eglochon/lan-mesh/pkg/wire"
)

// State of a Connection.
type State int32

const (
	StateDown State = iota
	StateLive
)

func (s State) String() string {
	if s == StateLive {
		return "live"
	}
	return "down"
}

// router is what a Connection needs from the registry that owns it.
type router interface {
	firstSight(f *wire.Frame) bool
	deliver(f *wire.Frame)
	forward(exclude string, f *wire.Frame)
	linkDown(addr string)
}

type connOptions struct {
	clock   clock.Clock
	log     *zap.Logger
	metrics *Metrics
	ttl     int32
	timeout time.Duration
	// used as our own address when the socket does not reveal one
	self string
}

// link is one open socket bound to a Connection. A Connection owns at most
// one link at a time; a new bind always gets a new link.
type link struct {
	conn  net.Conn
	r     *wire.Reader
	local string
	done  chan struct{}
	wmu   sync.Mutex
	tasks sync.WaitGroup
}

func (l *link) write(record []byte, timeout time.Duration) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if timeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	_, err := l.conn.Write(record)
	return err
}

// Connection is the registry entry for one peer address. It survives any
// number of sockets coming and going.
type Connection struct {
	addr  string
	owner router
	opts  connOptions
	log   *zap.Logger

	mu           sync.Mutex
	state        State
	link         *link
	last         *link
	lastActivity time.Time
	retired      bool
}

func newConnection(addr string, owner router, opts connOptions) *Connection {
	if opts.clock == nil {
		opts.clock = clock.New()
	}
	if opts.log == nil {
		opts.log = zap.NewNop()
	}
	return &Connection{
		addr:  addr,
		owner: owner,
		opts:  opts,
		log:   opts.log.Named("conn").With(zap.String("peer", addr)),
	}
}

// Address is the peer identity this entry was created for.
func (c *Connection) Address() string {
	return c.addr
}

// State reports whether a socket is currently bound.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) IsLive() bool {
	return c.State() == StateLive
}

// LastActivity is when the last frame arrived or the link was established.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) touch() {
	now := c.opts.clock.Now()
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// Bind attaches an already connected socket that claims to come from
// claimed. It is a no-op returning false when the claim does not match this
// entry or a socket is already bound; the caller keeps ownership of conn in
// that case.
func (c *Connection) Bind(claimed string, conn net.Conn) bool {
	if claimed != c.addr {
		return false
	}
	l := &link{
		conn:  conn,
		r:     wire.NewReader(conn),
		local: localHost(conn, c.opts.self),
		done:  make(chan struct{}),
	}

	c.mu.Lock()
	if c.retired || c.state == StateLive {
		c.mu.Unlock()
		return false
	}
	c.link = l
	c.last = l
	c.state = StateLive
	c.lastActivity = c.opts.clock.Now()
	c.mu.Unlock()

	c.opts.metrics.linkUp()
	c.log.Info("link established", zap.String("local", l.local), zap.Stringer("remote", conn.RemoteAddr()))

	wd := newWatchdog(&linkProbe{c: c, l: l}, c.opts.clock, c.opts.timeout, c.log)
	l.tasks.Add(2)
	go func() {
		defer l.tasks.Done()
		c.receiveLoop(l)
	}()
	go func() {
		defer l.tasks.Done()
		wd.run(l.done)
	}()
	return true
}

// Close tears the current link down. Safe to call repeatedly and
// concurrently; the entry itself stays usable for a later Bind.
func (c *Connection) Close() {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l != nil {
		c.closeLink(l, "closed")
	}
}

// retire closes the link and refuses every later Bind.
func (c *Connection) retire() {
	c.mu.Lock()
	c.retired = true
	c.mu.Unlock()
	c.Close()
}

// wait blocks until the tasks of the most recent link have exited.
func (c *Connection) wait() {
	c.mu.Lock()
	l := c.last
	c.mu.Unlock()
	if l != nil {
		l.tasks.Wait()
	}
}

// closeLink flips the entry to Down if l is still the bound link. Only the
// first caller for a given link does the teardown.
func (c *Connection) closeLink(l *link, reason string) bool {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return false
	}
	c.link = nil
	c.state = StateDown
	c.mu.Unlock()

	close(l.done)
	if err := l.conn.Close(); err != nil {
		c.log.Debug("socket close", zap.Error(err))
	}
	c.opts.metrics.linkDown()
	c.log.Info("link down", zap.String("reason", reason))
	c.owner.linkDown(c.addr)
	return true
}

// SendFrame writes f on the current link. A frame without a source is
// stamped with our address on that link. Any transport error tears the link
// down; redialling is left to the reconnector.
func (c *Connection) SendFrame(f *wire.Frame) error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotLive
	}
	return c.writeTo(l, f)
}

// SendMessage sends payload to target (an IPv4 address or wire.Wildcard)
// through this peer, with the default hop budget.
func (c *Connection) SendMessage(target, payload string) error {
	if target != wire.Wildcard && !config.ValidIPv4(target) {
		return ErrInvalidAddress
	}
	return c.SendFrame(wire.NewMessage(uuid.NewString(), "", target, payload, c.opts.ttl))
}

func (c *Connection) writeTo(l *link, f *wire.Frame) error {
	if f.Source == "" {
		f = f.Clone()
		f.Source = l.local
	}
	record, err := wire.Encode(f)
	if err != nil {
		return err
	}
	if err := l.write(record, 2*c.opts.timeout); err != nil {
		c.log.Debug("write failed", zap.Stringer("type", f.Type), zap.Error(err))
		c.closeLink(l, "write error")
		return err
	}
	c.opts.metrics.sent(f.Type.String())
	return nil
}

func (c *Connection) receiveLoop(l *link) {
	for {
		f, err := l.r.ReadFrame()
		if err != nil {
			select {
			case <-l.done:
			default:
				c.log.Debug("read failed", zap.Error(err))
			}
			c.closeLink(l, "read error")
			return
		}
		c.touch()
		c.opts.metrics.received(f.Type.String())
		c.dispatch(l, f)
	}
}

func (c *Connection) dispatch(l *link, f *wire.Frame) {
	switch f.Type {
	case wire.TypeMessage:
		if f.Source == l.local {
			c.opts.metrics.dropped(dropLoopback)
			return
		}
		if !c.owner.firstSight(f) {
			c.opts.metrics.dropped(dropDuplicate)
			return
		}
		if f.Target == l.local || f.IsBroadcast() {
			c.owner.deliver(f)
			return
		}
		if !f.DecrementTTL() {
			c.log.Debug("ttl exhausted", zap.Stringer("frame", f))
			c.opts.metrics.dropped(dropTTL)
			return
		}
		c.opts.metrics.forwarded()
		c.owner.forward(c.addr, f)
	case wire.TypePing:
		_ = c.writeTo(l, wire.NewPingAck(l.local, c.addr))
	case wire.TypePingAck:
		// lastActivity was already refreshed
	}
}

// linkProbe gives the watchdog access to one specific link, so a watchdog
// left over from an earlier socket can never close a newer one.
type linkProbe struct {
	c *Connection
	l *link
}

func (p *linkProbe) lastSeen() time.Time { return p.c.LastActivity() }

func (p *linkProbe) probe() {
	_ = p.c.writeTo(p.l, wire.NewPing(p.l.local, p.c.addr))
}

func (p *linkProbe) expire() {
	if p.c.closeLink(p.l, "watchdog timeout") {
		p.c.opts.metrics.expired()
	}
}

// localHost returns the IPv4 our side of conn uses, or fallback when the
// socket is not TCP over IPv4.
func localHost(conn net.Conn, fallback string) string {
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		if ip4 := tcp.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return fallback
}

// remoteHost returns the peer IPv4 of conn, or "" when there is none.
func remoteHost(conn net.Conn) string {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if ip4 := tcp.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
