package scp

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildAssociateRQ assembles a minimal A-ASSOCIATE-RQ with the given AE
// titles and an empty variable items section
func buildAssociateRQ(callingAE, calledAE string) []byte {
	body := make([]byte, associateRQFixedLen)
	body[1] = 0x01 // protocol version 1
	copy(body[4:20], padAE(calledAE))
	copy(body[20:36], padAE(callingAE))

	pdu := make([]byte, 6, 6+len(body))
	pdu[0] = pduTypeAssociateRQ
	pdu[2] = byte(len(body) >> 24)
	pdu[3] = byte(len(body) >> 16)
	pdu[4] = byte(len(body) >> 8)
	pdu[5] = byte(len(body))
	return append(pdu, body...)
}

func padAE(ae string) []byte {
	out := []byte("                ")
	copy(out, ae)
	return out
}

func TestReadAssociateRQ(t *testing.T) {
	raw := buildAssociateRQ("MODALITY1", "DICOMGW")

	got, info, err := readAssociateRQ(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "MODALITY1", info.CallingAETitle)
	assert.Equal(t, "DICOMGW", info.CalledAETitle)
	// The raw bytes must replay to the engine unchanged
	assert.Equal(t, raw, got)
}

func TestReadAssociateRQWrongPDUType(t *testing.T) {
	raw := buildAssociateRQ("MODALITY1", "DICOMGW")
	raw[0] = 0x04 // P-DATA-TF

	_, _, err := readAssociateRQ(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "PDU type")
}

func TestReadAssociateRQTruncated(t *testing.T) {
	raw := buildAssociateRQ("MODALITY1", "DICOMGW")

	_, _, err := readAssociateRQ(bytes.NewReader(raw[:20]))
	assert.Error(t, err)
}

func TestReadAssociateRQImplausibleLength(t *testing.T) {
	raw := buildAssociateRQ("MODALITY1", "DICOMGW")
	raw[2] = 0xFF // 4 GB body

	_, _, err := readAssociateRQ(bytes.NewReader(raw))
	assert.ErrorContains(t, err, "implausible")
}

func TestTrimAE(t *testing.T) {
	assert.Equal(t, "MODALITY1", trimAE([]byte("MODALITY1       ")))
	assert.Equal(t, "", trimAE([]byte("                ")))
	assert.Equal(t, "A", trimAE([]byte("A\x00\x00")))
}

func TestGateAdmissible(t *testing.T) {
	open := NewGate("127.0.0.1:1", nil)
	assert.True(t, open.admissible("ANYONE"))

	restricted := NewGate("127.0.0.1:1", []string{"MODALITY1", "MODALITY2"})
	assert.True(t, restricted.admissible("MODALITY1"))
	assert.False(t, restricted.admissible("INTRUDER"))
}

func TestGateRelaysToEngine(t *testing.T) {
	// Fake engine: accept one connection, read back the association
	// request, send a reply byte
	engine, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer engine.Close()

	raw := buildAssociateRQ("MODALITY1", "DICOMGW")
	engineGot := make(chan []byte, 1)
	go func() {
		conn, err := engine.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, len(raw))
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		engineGot <- buf
		_, _ = conn.Write([]byte{0x02}) // pretend A-ASSOCIATE-AC
	}()

	gate := NewGate(engine.Addr().String(), nil)
	require.NoError(t, gate.Listen("127.0.0.1:0", nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = gate.Serve(ctx) }()

	conn, err := net.Dial("tcp", gate.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(raw)
	require.NoError(t, err)

	select {
	case got := <-engineGot:
		assert.Equal(t, raw, got)
	case <-time.After(2 * time.Second):
		t.Fatal("engine never received the association request")
	}

	// Identity of the admitted association is visible while it is open
	reply := make([]byte, 1)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, byte(0x02), reply[0])

	info := gate.Current()
	assert.Equal(t, "MODALITY1", info.CallingAETitle)
	assert.Equal(t, "DICOMGW", info.CalledAETitle)
	assert.Equal(t, "127.0.0.1", info.SourceIP)
}

func TestGateRejectsUnknownCallingAE(t *testing.T) {
	gate := NewGate("127.0.0.1:1", []string{"MODALITY1"})
	require.NoError(t, gate.Listen("127.0.0.1:0", nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = gate.Serve(ctx) }()

	conn, err := net.Dial("tcp", gate.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(buildAssociateRQ("INTRUDER", "DICOMGW"))
	require.NoError(t, err)

	// The peer gets an A-ASSOCIATE-RJ and the connection closes without
	// touching the engine
	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, rejectCallingAEUnknown(), reply)
	assert.Equal(t, AssocInfo{}, gate.Current())
}

func TestGateDropsMalformedRequest(t *testing.T) {
	gate := NewGate("127.0.0.1:1", nil)
	require.NoError(t, gate.Listen("127.0.0.1:0", nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = gate.Serve(ctx) }()

	conn, err := net.Dial("tcp", gate.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	reply, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestGateServeStopsOnCancel(t *testing.T) {
	gate := NewGate("127.0.0.1:1", nil)
	require.NoError(t, gate.Listen("127.0.0.1:0", nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gate.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("gate did not stop on cancel")
	}
}
