package discovery

import (
	"errors"
	"fmt"
	"net"
	"os"
)

type SelfAddress struct {
	Hostname string
	IP       string
}

// LocalIPv4 returns the IPv4 this host uses for outbound traffic. The UDP
// dial sends nothing, it only makes the kernel pick a route.
func LocalIPv4() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("no outbound route: %w", err)
	}
	defer conn.Close()
	ip := conn.LocalAddr().(*net.UDPAddr).IP.To4()
	if ip == nil {
		return "", errors.New("outbound address is not IPv4")
	}
	return ip.String(), nil
}

// InterfaceIPv4s lists the IPv4 addresses assigned to this host's
// interfaces, loopback included.
func InterfaceIPv4s() ([]string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("interface addresses: %w", err)
	}
	var ips []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			ips = append(ips, ip4.String())
		}
	}
	return ips, nil
}

// NewSelfAddress describes this node. bindAddr wins when set, otherwise the
// outbound IPv4 is detected.
func NewSelfAddress(bindAddr string) (*SelfAddress, error) {
	ip := bindAddr
	if ip == "" {
		var err error
		if ip, err = LocalIPv4(); err != nil {
			return nil, err
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.Join(errors.New("error retrieving hostname"), err)
	}

	return &SelfAddress{
		Hostname: hostname,
		IP:       ip,
	}, nil
}

// Addr returns the node's TCP address as "IP:Port"
func (sa *SelfAddress) Addr(port uint16) string {
	return fmt.Sprintf("%s:%d", sa.IP, port)
}
