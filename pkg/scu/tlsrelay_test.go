package scu

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverTLS builds a throwaway self-signed server config
func serverTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test-pacs"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
	}
}

func TestTLSRelayBridges(t *testing.T) {
	// TLS echo server standing in for the destination
	ln, err := tls.Listen("tcp", "127.0.0.1:0", serverTLS(t))
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	relay, err := newTLSRelay(&tls.Config{InsecureSkipVerify: true}, ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer relay.Close()

	// The association library's view: a plaintext loopback connection
	conn, err := net.Dial("tcp", relay.Addr())
	require.NoError(t, err)
	defer conn.Close()

	msg := []byte("A-ASSOCIATE-RQ bytes")
	_, err = conn.Write(msg)
	require.NoError(t, err)

	got := make([]byte, len(msg))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestTLSRelayRecordsDialFailure(t *testing.T) {
	// Reserve a port and close it so the dial is refused
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := ln.Addr().String()
	require.NoError(t, ln.Close())

	relay, err := newTLSRelay(&tls.Config{InsecureSkipVerify: true}, target, time.Second)
	require.NoError(t, err)
	defer relay.Close()

	conn, err := net.Dial("tcp", relay.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// The bridge closes the leg when its TLS dial fails
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	generic := errors.New("connection reset")
	enriched := relay.dialError(generic)
	assert.NotEqual(t, generic, enriched)
	assert.Error(t, enriched)
}

func TestTLSRelayDialErrorFallback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	relay, err := newTLSRelay(&tls.Config{InsecureSkipVerify: true}, ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer relay.Close()

	// Nothing recorded: the caller's error passes through
	generic := errors.New("association rejected")
	assert.Equal(t, generic, relay.dialError(generic))
}
