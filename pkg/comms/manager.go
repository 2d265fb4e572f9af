package comms

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/eglochon/lan-mesh/config"
	"github.com/eglochon/lan-mesh/pkg/discovery"
	"github.com/eglochon/lan-mesh/pkg/wire"
)

// PeerStatus is a point-in-time view of one registry entry.
type PeerStatus struct {
	Address      string
	Live         bool
	LastActivity time.Time
}

type Option func(*PeerManager)

// WithLogger sets the parent logger; components log under named children.
func WithLogger(l *zap.Logger) Option {
	return func(pm *PeerManager) { pm.log = l }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(pm *PeerManager) { pm.clk = c }
}

// WithLocalAddrs sets the addresses this node answers on, replacing
// detection. Peers with these addresses are never registered.
func WithLocalAddrs(addrs ...string) Option {
	return func(pm *PeerManager) {
		pm.local = make(map[string]struct{}, len(addrs))
		for _, a := range addrs {
			pm.local[a] = struct{}{}
		}
	}
}

// WithMetrics records traffic into m.
func WithMetrics(m *Metrics) Option {
	return func(pm *PeerManager) { pm.metrics = m }
}

// PeerManager owns the registry of connections keyed by peer IPv4 and
// routes frames between them, the listener, the reconnector and the
// application.
type PeerManager struct {
	cfg     *config.Config
	log     *zap.Logger
	clk     clock.Clock
	metrics *Metrics
	seen    *seenCache
	local   map[string]struct{} // our own IPv4s

	mu      sync.RWMutex
	started bool
	stopped bool
	peers   map[string]*Connection // peer IPv4 → *Connection

	hooksMu            sync.RWMutex
	onMessage          func(source, payload string)
	onPeerDisconnected func(addr string)

	receiver *TCPReceiver
	cancel   context.CancelFunc
	tasks    errgroup.Group

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewPeerManager creates a manager with every configured peer registered as
// a Down connection. Nothing runs until Start.
func NewPeerManager(cfg *config.Config, opts ...Option) (*PeerManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	pm := &PeerManager{
		cfg:   cfg,
		peers: make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(pm)
	}
	if pm.log == nil {
		pm.log = zap.NewNop()
	}
	if pm.clk == nil {
		pm.clk = clock.New()
	}
	pm.seen = newSeenCache(cfg.SeenCacheSize, cfg.SeenTTL)
	if pm.local == nil {
		pm.local = localAddrs(cfg.BindAddr, pm.log)
	}

	for _, addr := range cfg.Peers {
		if err := pm.Register(addr); err != nil {
			pm.log.Warn("ignoring configured peer", zap.String("peer", addr), zap.Error(err))
		}
	}
	return pm, nil
}

// Start opens the listening socket and launches the listener and the
// reconnector. A listen failure is returned and nothing is left running.
func (pm *PeerManager) Start(ctx context.Context) error {
	pm.mu.Lock()
	if pm.started || pm.stopped {
		pm.mu.Unlock()
		return ErrAlreadyStarted
	}
	pm.started = true
	pm.mu.Unlock()

	receiver := NewTCPReceiver(pm.cfg.ListenAddr(), pm, pm.cfg.MaxInbound, pm.log)
	if err := receiver.Listen(); err != nil {
		return err
	}
	// the start context may be short lived, the loops must outlive it
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	reconnector := NewReconnector(pm.cfg, pm, pm.clk, pm.metrics, pm.log)

	pm.mu.Lock()
	if pm.stopped {
		// Shutdown ran while we were binding and found nothing to stop
		pm.mu.Unlock()
		cancel()
		_ = receiver.Stop()
		return ErrNotRunning
	}
	pm.receiver = receiver
	pm.cancel = cancel
	pm.mu.Unlock()

	pm.tasks.Go(receiver.Serve)
	pm.tasks.Go(func() error {
		return reconnector.Run(runCtx)
	})
	pm.log.Info("peer manager started", zap.Stringer("listen", receiver.Addr()), zap.Int("peers", len(pm.snapshot())))
	return nil
}

// ListenAddr is the bound listening address, nil before Start.
func (pm *PeerManager) ListenAddr() net.Addr {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.receiver == nil {
		return nil
	}
	return pm.receiver.Addr()
}

// Shutdown stops the listener and the reconnector, closes every connection
// and waits for their tasks. Without a deadline on ctx it waits at most
// ShutdownGrace. Only the first call does the work; later calls return the
// same result.
func (pm *PeerManager) Shutdown(ctx context.Context) error {
	pm.shutdownOnce.Do(func() {
		pm.shutdownErr = pm.shutdown(ctx)
	})
	return pm.shutdownErr
}

func (pm *PeerManager) shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pm.cfg.ShutdownGrace)
		defer cancel()
	}

	pm.mu.Lock()
	pm.stopped = true
	conns := make([]*Connection, 0, len(pm.peers))
	for _, c := range pm.peers {
		conns = append(conns, c)
	}
	receiver, cancel := pm.receiver, pm.cancel
	pm.mu.Unlock()

	var errs error
	if cancel != nil {
		cancel()
	}
	if receiver != nil {
		errs = multierr.Append(errs, receiver.Stop())
	}
	for _, c := range conns {
		c.retire()
	}

	done := make(chan error, 1)
	go func() {
		err := pm.tasks.Wait()
		for _, c := range conns {
			c.wait()
		}
		done <- err
	}()
	select {
	case err := <-done:
		errs = multierr.Append(errs, err)
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("waiting for peer tasks: %w", ctx.Err()))
	}
	pm.log.Info("peer manager stopped", zap.Error(errs))
	return errs
}

// Register adds addr as a known peer. Registering a known address is a
// no-op.
func (pm *PeerManager) Register(addr string) error {
	if !config.ValidIPv4(addr) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	if pm.isLocal(addr) {
		pm.log.Debug("not registering own address", zap.String("peer", addr))
		return nil
	}
	if _, created := pm.getOrCreate(addr); created {
		pm.log.Debug("peer registered", zap.String("peer", addr))
	}
	return nil
}

// Admit binds a connected socket to the entry of its remote address,
// creating the entry if needed. It is the single funnel for both accepted
// and dialled sockets. A socket that loses a bind race, or arrives after
// shutdown, is closed and false is returned.
func (pm *PeerManager) Admit(conn net.Conn) bool {
	addr := remoteHost(conn)
	if addr == "" {
		pm.log.Debug("rejecting non IPv4 socket", zap.Stringer("remote", conn.RemoteAddr()))
		_ = conn.Close()
		return false
	}
	if addr == localHost(conn, "") {
		pm.log.Debug("rejecting connection to self", zap.String("addr", addr))
		_ = conn.Close()
		return false
	}
	return pm.admitAs(addr, conn)
}

func (pm *PeerManager) isLocal(addr string) bool {
	_, ok := pm.local[addr]
	return ok
}

// localAddrs is the bind address when there is one, otherwise every IPv4
// on the host's interfaces.
func localAddrs(bindAddr string, log *zap.Logger) map[string]struct{} {
	local := make(map[string]struct{})
	if bindAddr != "" {
		local[bindAddr] = struct{}{}
		return local
	}
	ips, err := discovery.InterfaceIPv4s()
	if err != nil {
		log.Warn("cannot list local addresses", zap.Error(err))
	}
	for _, ip := range ips {
		local[ip] = struct{}{}
	}
	return local
}

func (pm *PeerManager) admitAs(addr string, conn net.Conn) bool {
	c, _ := pm.getOrCreate(addr)
	if c == nil || !c.Bind(addr, conn) {
		pm.log.Debug("duplicate link discarded", zap.String("peer", addr))
		_ = conn.Close()
		return false
	}
	return true
}

// getOrCreate returns the entry for addr, creating it atomically with the
// lookup. It returns nil once the manager has been shut down.
func (pm *PeerManager) getOrCreate(addr string) (*Connection, bool) {
	pm.mu.RLock()
	c, ok := pm.peers[addr]
	stopped := pm.stopped
	pm.mu.RUnlock()
	if ok || stopped {
		return c, false
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.stopped {
		return nil, false
	}
	if c, ok := pm.peers[addr]; ok {
		return c, false
	}
	c = newConnection(addr, pm, connOptions{
		clock:   pm.clk,
		log:     pm.log,
		metrics: pm.metrics,
		ttl:     pm.cfg.DefaultTTL,
		timeout: pm.cfg.HealthTimeout,
		self:    pm.cfg.BindAddr,
	})
	pm.peers[addr] = c
	return c, true
}

// Connection looks up the entry for addr.
func (pm *PeerManager) Connection(addr string) (*Connection, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	c, ok := pm.peers[addr]
	return c, ok
}

func (pm *PeerManager) snapshot() []*Connection {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	conns := make([]*Connection, 0, len(pm.peers))
	for _, c := range pm.peers {
		conns = append(conns, c)
	}
	return conns
}

// Peers lists every known peer sorted by address.
func (pm *PeerManager) Peers() []PeerStatus {
	conns := pm.snapshot()
	out := make([]PeerStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, PeerStatus{
			Address:      c.Address(),
			Live:         c.IsLive(),
			LastActivity: c.LastActivity(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// ConnectionStatus reports whether addr currently has a live link. Unknown
// addresses are not live.
func (pm *PeerManager) ConnectionStatus(addr string) bool {
	c, ok := pm.Connection(addr)
	return ok && c.IsLive()
}

// OnMessage registers the sink for messages addressed to us or broadcast.
func (pm *PeerManager) OnMessage(fn func(source, payload string)) {
	pm.hooksMu.Lock()
	pm.onMessage = fn
	pm.hooksMu.Unlock()
}

// OnPeerDisconnected registers a callback run whenever a live link drops.
func (pm *PeerManager) OnPeerDisconnected(fn func(addr string)) {
	pm.hooksMu.Lock()
	pm.onPeerDisconnected = fn
	pm.hooksMu.Unlock()
}

func (pm *PeerManager) firstSight(f *wire.Frame) bool {
	return pm.seen.firstSight(f.ID)
}

func (pm *PeerManager) deliver(f *wire.Frame) {
	pm.hooksMu.RLock()
	fn := pm.onMessage
	pm.hooksMu.RUnlock()
	if fn != nil {
		fn(f.Source, f.Payload)
	}
}

func (pm *PeerManager) linkDown(addr string) {
	pm.hooksMu.RLock()
	fn := pm.onPeerDisconnected
	pm.hooksMu.RUnlock()
	if fn != nil {
		fn(addr)
	}
}
