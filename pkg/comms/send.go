package comms

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eglochon/lan-mesh/config"
	"github.com/eglochon/lan-mesh/pkg/wire"
)

// SendMessage sends payload to target. An empty target or wire.Wildcard
// broadcasts to every peer. A live neighbour gets the message directly;
// any other valid target is flooded so neighbours can forward it.
func (pm *PeerManager) SendMessage(target, payload string) error {
	if target == "" {
		target = wire.Wildcard
	}
	if target != wire.Wildcard && !config.ValidIPv4(target) {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, target)
	}
	pm.mu.RLock()
	stopped := pm.stopped
	pm.mu.RUnlock()
	if stopped {
		return ErrNotRunning
	}

	f := wire.NewMessage(uuid.NewString(), "", target, payload, pm.cfg.DefaultTTL)
	if err := checkSize(f); err != nil {
		return err
	}
	if target != wire.Wildcard {
		if c, ok := pm.Connection(target); ok && c.IsLive() {
			return c.SendFrame(f)
		}
	}
	pm.flood("", f)
	return nil
}

// widestSource is the longest Source a link can stamp on an outgoing frame.
const widestSource = "255.255.255.255"

// checkSize fails when f could not be encoded on some link, so broadcast and
// flooded sends report the same error a direct send would.
func checkSize(f *wire.Frame) error {
	if f.Source == "" {
		f = f.Clone()
		f.Source = widestSource
	}
	_, err := wire.Marshal(f)
	return err
}

// forward relays a message that arrived from exclude. A target we hold a
// live link to gets it directly, otherwise every other peer does.
func (pm *PeerManager) forward(exclude string, f *wire.Frame) {
	if c, ok := pm.Connection(f.Target); ok && f.Target != exclude && c.IsLive() {
		if err := c.SendFrame(f); err == nil {
			return
		}
	}
	pm.flood(exclude, f)
}

// flood writes f to every live peer except exclude.
func (pm *PeerManager) flood(exclude string, f *wire.Frame) {
	for _, c := range pm.snapshot() {
		if c.Address() == exclude || !c.IsLive() {
			continue
		}
		if err := c.SendFrame(f); err != nil {
			pm.log.Debug("flood write failed", zap.String("peer", c.Address()), zap.Error(err))
		}
	}
}
