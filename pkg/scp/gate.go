package scp

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medwire/dicomgw/pkg/log"
	"github.com/medwire/dicomgw/pkg/security"
)

// AssocInfo identifies the association currently admitted to the engine
type AssocInfo struct {
	CallingAETitle string
	CalledAETitle  string
	SourceIP       string
}

const (
	pduTypeAssociateRQ = 0x01

	// associateRQFixedLen is the fixed part of the A-ASSOCIATE-RQ body:
	// protocol version, reserved, called AE, calling AE, reserved block
	associateRQFixedLen = 2 + 2 + 16 + 16 + 32

	// maxAssociatePDU bounds the request length before any of it is read
	maxAssociatePDU = 1 << 20

	associateReadTimeout = 10 * time.Second
	engineDialTimeout    = 5 * time.Second
)

// Gate is the gateway-owned front listener for the SCP. The association
// library delivers DIMSE messages without association identity, so the
// gate reads each A-ASSOCIATE-RQ itself before relaying the connection
// to the engine on loopback. It terminates TLS, enforces the calling AE
// allow-list, and records the admitted peer's AE titles and address.
//
// Admission is serialized: one association holds the engine at a time,
// which keeps the recorded identity unambiguous for every object the
// engine hands to the handler. C-STOREs within an association are
// unaffected; a second peer waits until the first releases.
type Gate struct {
	engineAddr string
	allowed    map[string]struct{}
	logger     zerolog.Logger

	ln  net.Listener
	sem chan struct{}

	mu      sync.Mutex
	current AssocInfo
}

// NewGate creates a gate relaying to the engine at engineAddr. An empty
// allow-list admits every calling AE title.
func NewGate(engineAddr string, allowedCallingAEs []string) *Gate {
	var allowed map[string]struct{}
	if len(allowedCallingAEs) > 0 {
		allowed = make(map[string]struct{}, len(allowedCallingAEs))
		for _, ae := range allowedCallingAEs {
			allowed[ae] = struct{}{}
		}
	}
	return &Gate{
		engineAddr: engineAddr,
		allowed:    allowed,
		logger:     log.WithComponent("scp-gate"),
		sem:        make(chan struct{}, 1),
	}
}

// Listen binds the public address. A non-nil tlsCfg makes the gate the
// TLS terminator; the engine leg stays plaintext on loopback.
func (g *Gate) Listen(addr string, tlsCfg *tls.Config) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	g.ln = ln
	return nil
}

// Addr returns the bound listen address
func (g *Gate) Addr() net.Addr {
	return g.ln.Addr()
}

// Serve accepts and relays associations until ctx is cancelled
func (g *Gate) Serve(ctx context.Context) error {
	if g.ln == nil {
		return fmt.Errorf("gate is not listening")
	}
	stop := context.AfterFunc(ctx, func() { _ = g.ln.Close() })
	defer stop()

	for {
		conn, err := g.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go g.handle(ctx, conn)
	}
}

// Current returns the identity of the admitted association, or the zero
// value when none is active
func (g *Gate) Current() AssocInfo {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

func (g *Gate) setCurrent(info AssocInfo) {
	g.mu.Lock()
	g.current = info
	g.mu.Unlock()
}

func (g *Gate) admissible(callingAE string) bool {
	if g.allowed == nil {
		return true
	}
	_, ok := g.allowed[callingAE]
	return ok
}

func (g *Gate) handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	peer := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		host = peer
	}

	_ = conn.SetReadDeadline(time.Now().Add(associateReadTimeout))
	raw, info, err := readAssociateRQ(conn)
	if err != nil {
		g.logger.Warn().Err(err).Str("peer", peer).Msg("dropping connection with malformed association request")
		return
	}
	info.SourceIP = host

	if !g.admissible(info.CallingAETitle) {
		g.logger.Warn().
			Str("peer", peer).
			Str("calling_ae_title", info.CallingAETitle).
			Msg("rejecting association from unknown calling AE")
		_, _ = conn.Write(rejectCallingAEUnknown())
		return
	}

	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-g.sem }()

	g.setCurrent(info)
	defer g.setCurrent(AssocInfo{})

	engine, err := net.DialTimeout("tcp", g.engineAddr, engineDialTimeout)
	if err != nil {
		g.logger.Error().Err(err).Str("engine_addr", g.engineAddr).Msg("failed to reach DIMSE engine")
		return
	}
	if _, err := engine.Write(raw); err != nil {
		_ = engine.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	g.logger.Debug().
		Str("peer", peer).
		Str("calling_ae_title", info.CallingAETitle).
		Str("called_ae_title", info.CalledAETitle).
		Msg("association admitted")
	security.Splice(conn, engine)
}

// readAssociateRQ consumes one A-ASSOCIATE-RQ PDU and returns its raw
// bytes for replay to the engine plus the AE titles it carries
func readAssociateRQ(r io.Reader) ([]byte, AssocInfo, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, AssocInfo{}, fmt.Errorf("failed to read PDU header: %w", err)
	}
	if header[0] != pduTypeAssociateRQ {
		return nil, AssocInfo{}, fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU type 0x%02X", header[0])
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length < associateRQFixedLen || length > maxAssociatePDU {
		return nil, AssocInfo{}, fmt.Errorf("implausible A-ASSOCIATE-RQ length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, AssocInfo{}, fmt.Errorf("failed to read A-ASSOCIATE-RQ body: %w", err)
	}

	info := AssocInfo{
		CalledAETitle:  trimAE(body[4:20]),
		CallingAETitle: trimAE(body[20:36]),
	}
	return append(header, body...), info, nil
}

func trimAE(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// rejectCallingAEUnknown is an A-ASSOCIATE-RJ: rejected-permanent,
// service-user, calling AE title not recognized
func rejectCallingAEUnknown() []byte {
	return []byte{0x03, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x01, 0x01, 0x03}
}
