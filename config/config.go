package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything a node needs to join the mesh.
type Config struct {
	// The port every peer listens on and dials
	Port uint16
	// Own IPv4, used as listen host and dial source. Empty means all interfaces.
	BindAddr string
	// Initial peer list, already filtered to valid IPv4 addresses
	Peers []string

	HealthTimeout     time.Duration
	ReconnectInterval time.Duration
	DialTimeout       time.Duration
	// Dials per second across all peers, 0 disables the limit
	DialRate   float64
	DefaultTTL int32
	// Concurrent accepted sockets, 0 disables the limit
	MaxInbound int

	SeenCacheSize int
	SeenTTL       time.Duration
	ShutdownGrace time.Duration

	Discovery        bool
	MulticastAddr    string
	AnnounceInterval time.Duration

	MetricsAddr string
	LogLevel    string
}

// Default returns the reference settings.
func Default() *Config {
	return &Config{
		Port:              1234,
		HealthTimeout:     time.Second,
		ReconnectInterval: 500 * time.Millisecond,
		DialTimeout:       2 * time.Second,
		DefaultTTL:        2,
		MaxInbound:        64,
		SeenCacheSize:     1024,
		SeenTTL:           30 * time.Second,
		ShutdownGrace:     500 * time.Millisecond,
		MulticastAddr:     "224.0.0.250:40400",
		AnnounceInterval:  5 * time.Second,
		LogLevel:          "info",
	}
}

// FromEnv starts from Default and applies any environment overrides.
// Values that fail to parse keep their default. Every rejected value,
// including invalid peer addresses, is returned as "KEY=value" so the caller
// can report it.
func FromEnv() (*Config, []string) {
	c := Default()
	e := &envReader{}

	if v, ok := lookup("SERVICE_PORT"); ok {
		if port, err := strconv.ParseUint(v, 10, 16); err == nil {
			c.Port = uint16(port)
		} else {
			e.reject("SERVICE_PORT", v)
		}
	}
	if v, ok := lookup("BIND_ADDR"); ok {
		c.BindAddr = v
	}
	if v, ok := lookup("PEERS"); ok {
		var rejected []string
		c.Peers, rejected = ParsePeers(v)
		for _, p := range rejected {
			e.reject("PEERS", p)
		}
	}

	e.duration("HEALTH_TIMEOUT", &c.HealthTimeout)
	e.duration("RECONNECT_INTERVAL", &c.ReconnectInterval)
	e.duration("DIAL_TIMEOUT", &c.DialTimeout)
	e.duration("SEEN_TTL", &c.SeenTTL)
	e.duration("SHUTDOWN_GRACE", &c.ShutdownGrace)
	e.duration("ANNOUNCE_INTERVAL", &c.AnnounceInterval)

	if v, ok := lookup("DIAL_RATE"); ok {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			c.DialRate = r
		} else {
			e.reject("DIAL_RATE", v)
		}
	}
	if v, ok := lookup("DEFAULT_TTL"); ok {
		if ttl, err := strconv.ParseInt(v, 10, 32); err == nil {
			c.DefaultTTL = int32(ttl)
		} else {
			e.reject("DEFAULT_TTL", v)
		}
	}
	e.int("MAX_INBOUND", &c.MaxInbound)
	e.int("SEEN_CACHE_SIZE", &c.SeenCacheSize)

	if v, ok := lookup("DISCOVERY"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Discovery = b
		} else {
			e.reject("DISCOVERY", v)
		}
	}
	if v, ok := lookup("MULTICAST_ADDR"); ok {
		c.MulticastAddr = v
	}
	if v, ok := lookup("METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	return c, e.rejected
}

// ParsePeers splits a comma separated list and keeps the valid IPv4 entries,
// without duplicates, in their original order.
func ParsePeers(list string) (peers, rejected []string) {
	seen := make(map[string]bool)
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !ValidIPv4(p) {
			rejected = append(rejected, p)
			continue
		}
		if !seen[p] {
			seen[p] = true
			peers = append(peers, p)
		}
	}
	return peers, rejected
}

// ValidIPv4 reports whether s is a dotted-decimal IPv4 address.
func ValidIPv4(s string) bool {
	addr, err := netip.ParseAddr(s)
	return err == nil && addr.Is4()
}

// Validate checks the settings the mesh cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.HealthTimeout <= 0 {
		errs = append(errs, errors.New("health timeout must be positive"))
	}
	if c.ReconnectInterval <= 0 {
		errs = append(errs, errors.New("reconnect interval must be positive"))
	}
	if c.DialTimeout <= 0 {
		errs = append(errs, errors.New("dial timeout must be positive"))
	}
	if c.Port == 0 {
		errs = append(errs, errors.New("port must be set"))
	}
	if c.ShutdownGrace <= 0 {
		errs = append(errs, errors.New("shutdown grace must be positive"))
	}
	if c.DefaultTTL < 1 {
		errs = append(errs, fmt.Errorf("default ttl must be at least 1, got %d", c.DefaultTTL))
	}
	if c.BindAddr != "" && !ValidIPv4(c.BindAddr) {
		errs = append(errs, fmt.Errorf("bind address %q is not IPv4", c.BindAddr))
	}
	if c.SeenCacheSize < 1 {
		errs = append(errs, errors.New("seen cache size must be positive"))
	}
	if c.Discovery && c.AnnounceInterval <= 0 {
		errs = append(errs, errors.New("announce interval must be positive"))
	}
	return errors.Join(errs...)
}

// ListenAddr is the host:port the receiver binds.
func (c *Config) ListenAddr() string {
	return c.PeerAddr(c.BindAddr)
}

// PeerAddr is the host:port a peer is dialled on.
func (c *Config) PeerAddr(ip string) string {
	return fmt.Sprintf("%s:%d", ip, c.Port)
}

func lookup(key string) (string, bool) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return "", false
	}
	return v, true
}

// envReader collects the values FromEnv could not use.
type envReader struct {
	rejected []string
}

func (e *envReader) reject(key, value string) {
	e.rejected = append(e.rejected, key+"="+value)
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		} else {
			e.reject(key, v)
		}
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			e.reject(key, v)
		}
	}
}
