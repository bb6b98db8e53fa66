package health

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medwire/dicomgw/pkg/types"
)

func listen(t *testing.T) (*types.Destination, func()) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	d := &types.Destination{Name: "test-pacs", Host: "127.0.0.1", Port: port}
	return d, func() { ln.Close() }
}

func TestProbeUp(t *testing.T) {
	d, cleanup := listen(t)
	defer cleanup()

	res := NewProber(time.Second).Probe(context.Background(), d)
	assert.True(t, res.Healthy)
	assert.Equal(t, "test-pacs", res.Destination)
}

func TestProbeDown(t *testing.T) {
	d, cleanup := listen(t)
	cleanup() // port is now closed

	res := NewProber(time.Second).Probe(context.Background(), d)
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "connection failed")
}

func TestProbeAll(t *testing.T) {
	up, cleanup := listen(t)
	defer cleanup()
	down, downCleanup := listen(t)
	downCleanup()

	results := NewProber(time.Second).ProbeAll(context.Background(), []*types.Destination{up, down})
	require.Len(t, results, 2)
	assert.True(t, results[0].Healthy)
	assert.False(t, results[1].Healthy)
}
