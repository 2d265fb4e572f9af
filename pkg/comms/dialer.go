package comms

import (
	"context"
	"net"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/eglochon/lan-mesh/config"
)

// peerSource is the registry view the reconnector scans.
type peerSource interface {
	snapshot() []*Connection
	Admit(conn net.Conn) bool
}

// Reconnector periodically redials every peer whose connection is down.
type Reconnector struct {
	cfg     *config.Config
	peers   peerSource
	clk     clock.Clock
	dialer  net.Dialer
	limiter *rate.Limiter
	metrics *Metrics
	log     *zap.Logger
}

func NewReconnector(cfg *config.Config, peers peerSource, clk clock.Clock, m *Metrics, log *zap.Logger) *Reconnector {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	if cfg.BindAddr != "" {
		// dial from our own address so the peer files the link under it
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(cfg.BindAddr)}
	}
	limit := rate.Inf
	if cfg.DialRate > 0 {
		limit = rate.Limit(cfg.DialRate)
	}
	return &Reconnector{
		cfg:     cfg,
		peers:   peers,
		clk:     clk,
		dialer:  dialer,
		limiter: rate.NewLimiter(limit, 1),
		metrics: m,
		log:     log.Named("reconnector"),
	}
}

// Run makes a pass immediately and then every ReconnectInterval until ctx
// is done.
func (r *Reconnector) Run(ctx context.Context) error {
	r.log.Info("started", zap.Duration("interval", r.cfg.ReconnectInterval))
	t := r.clk.Ticker(r.cfg.ReconnectInterval)
	defer t.Stop()
	for {
		r.pass(ctx)
		select {
		case <-ctx.Done():
			r.log.Info("stopped")
			return nil
		case <-t.C:
		}
	}
}

func (r *Reconnector) pass(ctx context.Context) {
	for _, c := range r.peers.snapshot() {
		if ctx.Err() != nil {
			return
		}
		if c.IsLive() {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		r.dial(ctx, c.Address())
	}
}

func (r *Reconnector) dial(ctx context.Context, addr string) {
	conn, err := r.dialer.DialContext(ctx, "tcp", r.cfg.PeerAddr(addr))
	if err != nil {
		r.metrics.dialed(false)
		r.log.Debug("dial failed", zap.String("peer", addr), zap.Error(err))
		return
	}
	r.metrics.dialed(true)
	if ctx.Err() != nil {
		_ = conn.Close()
		return
	}
	if r.peers.Admit(conn) {
		r.log.Info("reconnected", zap.String("peer", addr))
	}
}
