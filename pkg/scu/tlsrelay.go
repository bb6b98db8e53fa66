package scu

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/medwire/dicomgw/pkg/security"
)

// tlsRelay bridges plaintext loopback connections from the association
// library to TLS sessions with the destination. The library dials
// plaintext only, so TLS origination happens here; one relay lives for
// the duration of one forward job and serves the re-associate too.
type tlsRelay struct {
	ln      net.Listener
	tlsCfg  *tls.Config
	target  string
	timeout time.Duration

	mu      sync.Mutex
	lastErr error
}

func newTLSRelay(tlsCfg *tls.Config, target string, connectTimeout time.Duration) (*tlsRelay, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen for TLS bridge: %w", err)
	}
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	r := &tlsRelay{ln: ln, tlsCfg: tlsCfg, target: target, timeout: connectTimeout}
	go r.serve()
	return r, nil
}

// Addr returns the loopback address the association library should dial
func (r *tlsRelay) Addr() string {
	return r.ln.Addr().String()
}

func (r *tlsRelay) Close() error {
	return r.ln.Close()
}

func (r *tlsRelay) serve() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		go r.bridge(conn)
	}
}

func (r *tlsRelay) bridge(conn net.Conn) {
	dialer := &net.Dialer{Timeout: r.timeout}
	remote, err := tls.DialWithDialer(dialer, "tcp", r.target, r.tlsCfg)
	if err != nil {
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	security.Splice(conn, remote)
}

// dialError substitutes the recorded TLS failure for the generic
// loopback error the association library saw, when one was recorded
func (r *tlsRelay) dialError(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastErr != nil {
		return r.lastErr
	}
	return err
}
