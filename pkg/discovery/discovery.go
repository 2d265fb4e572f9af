package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"github.com/eglochon/lan-mesh/config"
)

const maxDatagram = 1024

// Registrar learns about peers found on the LAN.
type Registrar interface {
	Register(addr string) error
}

// Service multicasts our Announcement and registers the senders of
// announcements it hears.
type Service struct {
	group    string
	interval time.Duration
	self     Announcement
	reg      Registrar
	clk      clock.Clock
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	conns  []*net.UDPConn
	tasks  *errgroup.Group
}

func NewService(cfg *config.Config, selfIP string, reg Registrar, clk clock.Clock, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		group:    cfg.MulticastAddr,
		interval: cfg.AnnounceInterval,
		self:     Announcement{IP: selfIP, Port: cfg.Port},
		reg:      reg,
		clk:      clk,
		log:      log.Named("discovery"),
	}
}

// Start joins the multicast group and begins announcing. Socket errors are
// returned; nothing runs when Start fails.
func (s *Service) Start(ctx context.Context) error {
	gaddr, err := net.ResolveUDPAddr("udp4", s.group)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.group, err)
	}
	in, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return fmt.Errorf("join %s: %w", s.group, err)
	}
	out, err := net.DialUDP("udp4", nil, gaddr)
	if err != nil {
		_ = in.Close()
		return fmt.Errorf("announce socket: %w", err)
	}
	if err := ipv4.NewPacketConn(out).SetMulticastLoopback(false); err != nil {
		s.log.Warn("failed to disable multicast loopback", zap.Error(err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g, runCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.listen(runCtx, in) })
	g.Go(func() error { return s.announce(runCtx, out) })

	s.mu.Lock()
	s.cancel = cancel
	s.conns = []*net.UDPConn{in, out}
	s.tasks = g
	s.mu.Unlock()
	s.log.Info("started", zap.String("group", s.group), zap.String("self", s.self.IP))
	return nil
}

// Stop leaves the group and waits for both loops.
func (s *Service) Stop() error {
	s.mu.Lock()
	cancel, conns, g := s.cancel, s.conns, s.tasks
	s.cancel, s.conns, s.tasks = nil, nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	var errs []error
	for _, c := range conns {
		errs = append(errs, c.Close())
	}
	errs = append(errs, g.Wait())
	s.log.Info("stopped")
	return errors.Join(errs...)
}

func (s *Service) listen(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Debug("read error", zap.Error(err))
			continue
		}
		s.handle(buf[:n], src)
	}
}

func (s *Service) announce(ctx context.Context, conn *net.UDPConn) error {
	msg := s.self.Marshal()
	t := s.clk.Ticker(s.interval)
	defer t.Stop()
	for {
		if _, err := conn.Write(msg); err != nil && ctx.Err() == nil {
			s.log.Debug("announce failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// handle registers the announcing node unless it is us, speaks another
// port, or is not a usable IPv4.
func (s *Service) handle(data []byte, src *net.UDPAddr) {
	a, err := UnmarshalAnnouncement(data)
	if err != nil {
		s.log.Debug("ignoring datagram", zap.Stringer("from", src), zap.Error(err))
		return
	}
	if a.Port != s.self.Port || a.IP == s.self.IP || !config.ValidIPv4(a.IP) {
		return
	}
	if err := s.reg.Register(a.IP); err != nil {
		s.log.Debug("register failed", zap.String("peer", a.IP), zap.Error(err))
	}
}
