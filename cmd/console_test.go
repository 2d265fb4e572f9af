package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/eglochon/lan-mesh/config"
	"github.com/eglochon/lan-mesh/pkg/comms"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line    string
		target  string
		payload string
		wantErr bool
	}{
		{line: "10.0.0.2 hello there", target: "10.0.0.2", payload: "hello there"},
		{line: "* everyone", target: "*", payload: "everyone"},
		{line: "10.0.0.2   padded ", target: "10.0.0.2", payload: "padded"},
		{line: "10.0.0.2", wantErr: true},
		{line: "10.0.0.2 ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			target, payload, err := parseLine(tt.line)
			if tt.wantErr {
				assert.ErrorIs(t, err, errUsage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target, target)
			assert.Equal(t, tt.payload, payload)
		})
	}
}

func newTestConsole(t *testing.T, peers ...string) (*console, *bytes.Buffer, *comms.PeerManager) {
	t.Helper()
	cfg := config.Default()
	cfg.Peers = peers
	pm, err := comms.NewPeerManager(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Shutdown(context.Background()) })
	var out bytes.Buffer
	return newConsole(pm, &out, zaptest.NewLogger(t)), &out, pm
}

func TestConsoleHandle(t *testing.T) {
	c, out, pm := newTestConsole(t, "10.0.0.2", "10.0.0.3")

	require.NoError(t, c.handle("/peers"))
	assert.Contains(t, out.String(), "10.0.0.2")
	assert.Contains(t, out.String(), "10.0.0.3")
	assert.Contains(t, out.String(), "down")
	assert.Contains(t, out.String(), "never")

	assert.NoError(t, c.handle(""))
	assert.NoError(t, c.handle("* hi all"))
	assert.ErrorIs(t, c.handle("10.0.0 hi"), comms.ErrInvalidAddress)
	assert.ErrorIs(t, c.handle("nothing"), errUsage)

	require.NoError(t, pm.Shutdown(context.Background()))
	assert.ErrorIs(t, c.handle("* late"), comms.ErrNotRunning)
}

func TestConsoleRunReportsErrors(t *testing.T) {
	c, out, _ := newTestConsole(t)

	c.run(bytes.NewBufferString("/peers\nbad\n"))
	assert.Contains(t, out.String(), "no known peers")
	assert.Contains(t, out.String(), "error: "+errUsage.Error())
}

func TestConsoleSink(t *testing.T) {
	c, out, _ := newTestConsole(t)

	c.printMessage("10.0.0.2", "hello")
	c.printDisconnect("10.0.0.3")
	assert.Equal(t, "[10.0.0.2] hello\n[10.0.0.3] disconnected\n", out.String())
}

func TestNewLogger(t *testing.T) {
	log, err := newLogger("debug")
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(-1))

	_, err = newLogger("loud")
	assert.Error(t, err)
}
