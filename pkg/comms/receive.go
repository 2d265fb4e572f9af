package comms

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

const acceptRetryDelay = 50 * time.Millisecond

// admitter takes ownership of accepted sockets.
type admitter interface {
	Admit(conn net.Conn) bool
}

// TCPReceiver listens for incoming peer connections and passes them to the PeerManager
type TCPReceiver struct {
	addr       string
	pm         admitter
	maxInbound int
	log        *zap.Logger

	mu      sync.Mutex
	ln      net.Listener
	stopped atomic.Bool
}

// NewTCPReceiver creates a new TCP server bound to the given address (e.g. ":1234").
// maxInbound bounds the accepted sockets held open at once, 0 means no bound.
func NewTCPReceiver(addr string, pm admitter, maxInbound int, log *zap.Logger) *TCPReceiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &TCPReceiver{
		addr:       addr,
		pm:         pm,
		maxInbound: maxInbound,
		log:        log.Named("receiver"),
	}
}

// Listen binds the listening socket.
func (r *TCPReceiver) Listen() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("listen failed: %w", err)
	}
	if r.maxInbound > 0 {
		ln = netutil.LimitListener(ln, r.maxInbound)
	}
	r.mu.Lock()
	r.ln = ln
	r.mu.Unlock()
	r.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Addr is the bound address, nil before Listen.
func (r *TCPReceiver) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ln == nil {
		return nil
	}
	return r.ln.Addr()
}

// Serve accepts sockets until Stop. Accept errors are logged and retried.
func (r *TCPReceiver) Serve() error {
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()
	if ln == nil {
		return errors.New("receiver is not listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if r.stopped.Load() || errors.Is(err, net.ErrClosed) {
				r.log.Info("stopped")
				return nil
			}
			r.log.Warn("accept error", zap.Error(err))
			time.Sleep(acceptRetryDelay)
			continue
		}
		r.log.Debug("accepted", zap.Stringer("remote", conn.RemoteAddr()))
		r.pm.Admit(conn)
	}
}

// Stop closes the listening socket, which unblocks Serve.
func (r *TCPReceiver) Stop() error {
	if r.stopped.Swap(true) {
		return nil
	}
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}
