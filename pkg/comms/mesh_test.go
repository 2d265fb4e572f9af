package comms

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eglochon/lan-mesh/config"
)

// The mesh tests run every node on its own loopback address sharing one
// port, the way peers share SERVICE_PORT on a LAN.
const (
	nodeA = "127.0.0.2"
	nodeB = "127.0.0.3"
	nodeC = "127.0.0.4"
)

type inbox struct {
	mu   sync.Mutex
	msgs []received
}

type received struct{ source, payload string }

func (b *inbox) add(source, payload string) {
	b.mu.Lock()
	b.msgs = append(b.msgs, received{source, payload})
	b.mu.Unlock()
}

func (b *inbox) all() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.msgs...)
}

func (b *inbox) count(payload string) int {
	n := 0
	for _, m := range b.all() {
		if m.payload == payload {
			n++
		}
	}
	return n
}

type node struct {
	pm      *PeerManager
	inbox   *inbox
	metrics *Metrics
}

// meshPort finds a port free on every node address, skipping the test on
// hosts without the whole 127/8 routed to loopback.
func meshPort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	for _, ip := range []string{nodeA, nodeB, nodeC} {
		probe, err := net.Listen("tcp", net.JoinHostPort(ip, "0"))
		if err != nil {
			t.Skipf("cannot bind %s: %v", ip, err)
		}
		_ = probe.Close()
	}
	return uint16(port)
}

func startNode(t *testing.T, ip string, port uint16, peers ...string) *node {
	t.Helper()
	cfg := config.Default()
	cfg.Port = port
	cfg.BindAddr = ip
	cfg.Peers = peers
	cfg.HealthTimeout = 300 * time.Millisecond
	cfg.ReconnectInterval = 50 * time.Millisecond
	cfg.DialTimeout = 200 * time.Millisecond
	cfg.ShutdownGrace = time.Second

	n := &node{inbox: &inbox{}, metrics: NewMetrics(prometheus.NewRegistry())}
	pm, err := NewPeerManager(cfg, WithLogger(zap.NewNop()), WithMetrics(n.metrics))
	require.NoError(t, err)
	pm.OnMessage(n.inbox.add)
	require.NoError(t, pm.Start(context.Background()))
	t.Cleanup(func() { _ = pm.Shutdown(context.Background()) })
	n.pm = pm
	return n
}

func waitLive(t *testing.T, n *node, peers ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, p := range peers {
			if !n.pm.ConnectionStatus(p) {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "peers %v never came up", peers)
}

func TestMeshBroadcastDeliveredOnce(t *testing.T) {
	port := meshPort(t)
	c := startNode(t, nodeC, port)
	b := startNode(t, nodeB, port, nodeC)
	a := startNode(t, nodeA, port, nodeB, nodeC)
	waitLive(t, a, nodeB, nodeC)
	waitLive(t, b, nodeA, nodeC)
	waitLive(t, c, nodeA, nodeB)

	require.NoError(t, a.pm.SendMessage("", "hello mesh"))

	assert.Eventually(t, func() bool {
		return b.inbox.count("hello mesh") == 1 && c.inbox.count("hello mesh") == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, []received{{nodeA, "hello mesh"}}, b.inbox.all())
	assert.Equal(t, []received{{nodeA, "hello mesh"}}, c.inbox.all())
	assert.Empty(t, a.inbox.all())
}

func TestMeshDirectedMessageCrossesRelay(t *testing.T) {
	port := meshPort(t)
	c := startNode(t, nodeC, port)
	b := startNode(t, nodeB, port, nodeC)
	a := startNode(t, nodeA, port, nodeB)
	waitLive(t, b, nodeA, nodeC)
	assert.False(t, a.pm.ConnectionStatus(nodeC))

	require.NoError(t, a.pm.SendMessage(nodeC, "via b"))

	assert.Eventually(t, func() bool {
		return c.inbox.count("via b") == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, received{nodeA, "via b"}, c.inbox.all()[0])
	assert.Empty(t, b.inbox.all(), "relays do not deliver messages addressed elsewhere")
	assert.InDelta(t, 1, testutil.ToFloat64(b.metrics.framesForwarded), 0)
}

func TestMeshReconnectsWhenPeerAppears(t *testing.T) {
	port := meshPort(t)
	a := startNode(t, nodeA, port, nodeB)
	gone := make(chan string, 4)
	a.pm.OnPeerDisconnected(func(addr string) { gone <- addr })

	time.Sleep(150 * time.Millisecond)
	assert.False(t, a.pm.ConnectionStatus(nodeB))
	assert.Positive(t, testutil.ToFloat64(a.metrics.dials.WithLabelValues("error")))

	b := startNode(t, nodeB, port)
	waitLive(t, a, nodeB)
	waitLive(t, b, nodeA)

	require.NoError(t, b.pm.Shutdown(context.Background()))
	select {
	case addr := <-gone:
		assert.Equal(t, nodeB, addr)
	case <-time.After(2 * time.Second):
		t.Fatal("lost link was not reported")
	}
	assert.False(t, a.pm.ConnectionStatus(nodeB))

	startNode(t, nodeB, port)
	waitLive(t, a, nodeB)
}

func TestMeshIdleLinkSurvivesWatchdog(t *testing.T) {
	port := meshPort(t)
	b := startNode(t, nodeB, port)
	a := startNode(t, nodeA, port, nodeB)
	waitLive(t, a, nodeB)
	waitLive(t, b, nodeA)

	// several health windows without application traffic
	time.Sleep(time.Second)

	assert.True(t, a.pm.ConnectionStatus(nodeB))
	assert.True(t, b.pm.ConnectionStatus(nodeA))
	assert.Zero(t, testutil.ToFloat64(a.metrics.watchdogExpiries))
	assert.Zero(t, testutil.ToFloat64(b.metrics.watchdogExpiries))
}

func TestStartFailsWhenPortTaken(t *testing.T) {
	port := meshPort(t)
	startNode(t, nodeA, port)

	cfg := config.Default()
	cfg.Port = port
	cfg.BindAddr = nodeA
	pm, err := NewPeerManager(cfg)
	require.NoError(t, err)
	assert.Error(t, pm.Start(context.Background()))
	assert.Nil(t, pm.ListenAddr())
}

func TestMeshMutualPeersConverge(t *testing.T) {
	port := meshPort(t)
	// both sides dial each other on their first pass
	a := startNode(t, nodeA, port, nodeB)
	b := startNode(t, nodeB, port, nodeA)
	waitLive(t, a, nodeB)
	waitLive(t, b, nodeA)

	// a link lost to the dial race is restored, then stays up
	assert.Eventually(t, func() bool {
		return a.pm.ConnectionStatus(nodeB) && b.pm.ConnectionStatus(nodeA)
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	require.True(t, a.pm.ConnectionStatus(nodeB))
	require.True(t, b.pm.ConnectionStatus(nodeA))
	assert.Len(t, a.pm.Peers(), 1)
	assert.Len(t, b.pm.Peers(), 1)

	require.NoError(t, a.pm.SendMessage(nodeB, "after the race"))
	require.NoError(t, b.pm.SendMessage(nodeA, "likewise"))
	assert.Eventually(t, func() bool {
		return b.inbox.count("after the race") == 1 && a.inbox.count("likewise") == 1
	}, 2*time.Second, 10*time.Millisecond)
}
