package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/eglochon/lan-mesh/pkg/comms"
)

var errUsage = errors.New(`usage: "<ip> <message>", "* <message>" or /peers`)

// console is the terminal sink and sender.
type console struct {
	pm  *comms.PeerManager
	log *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

func newConsole(pm *comms.PeerManager, out io.Writer, log *zap.Logger) *console {
	return &console{pm: pm, out: out, log: log.Named("console")}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) printMessage(source, payload string) {
	c.printf("[%s] %s\n", source, payload)
}

func (c *console) printDisconnect(addr string) {
	c.printf("[%s] disconnected\n", addr)
}

func (c *console) run(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := c.handle(sc.Text()); err != nil {
			c.printf("error: %v\n", err)
		}
	}
	if err := sc.Err(); err != nil {
		c.log.Warn("stdin closed", zap.Error(err))
	}
}

func (c *console) handle(line string) error {
	line = strings.TrimSpace(line)
	switch line {
	case "":
		return nil
	case "/peers":
		c.printPeers()
		return nil
	}
	target, payload, err := parseLine(line)
	if err != nil {
		return err
	}
	return c.pm.SendMessage(target, payload)
}

func (c *console) printPeers() {
	peers := c.pm.Peers()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(peers) == 0 {
		fmt.Fprintln(c.out, "no known peers")
		return
	}
	for _, p := range peers {
		state := comms.StateDown
		if p.Live {
			state = comms.StateLive
		}
		seen := "never"
		if !p.LastActivity.IsZero() {
			seen = p.LastActivity.Format(time.TimeOnly)
		}
		fmt.Fprintf(c.out, "%-15s %-4s %s\n", p.Address, state, seen)
	}
}

// parseLine splits "<target> <message>". The target is checked on send.
func parseLine(line string) (target, payload string, err error) {
	target, payload, ok := strings.Cut(line, " ")
	payload = strings.TrimSpace(payload)
	if !ok || payload == "" {
		return "", "", errUsage
	}
	return target, payload, nil
}
