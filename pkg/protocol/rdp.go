package protocol

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// RDP security protocols from MS-RDPBCGR 2.2.1.1.1.
const (
	RDPProtocolRDP    uint32 = 0x0
	RDPProtocolSSL    uint32 = 0x1
	RDPProtocolHybrid uint32 = 0x2
)

// RDPNegotiation describes what an RDP listener agreed to.
type RDPNegotiation struct {
	SelectedProtocol uint32
	TLSVersion       uint16
}

// NLA reports whether the server selected CredSSP.
func (n RDPNegotiation) NLA() bool {
	return n.SelectedProtocol&RDPProtocolHybrid != 0
}

// RDPProber performs the RDP connection negotiation and TLS upgrade.
type RDPProber interface {
	Negotiate(ctx context.Context, addr, username string, timeout time.Duration) (RDPNegotiation, error)
}

// DefaultRDPProber speaks X.224 over TCP and then TLS.
type DefaultRDPProber struct{}

// Negotiate sends an X.224 Connection Request with an RDP_NEG_REQ for
// TLS|CredSSP, parses the confirm and completes the TLS handshake.
func (DefaultRDPProber) Negotiate(ctx context.Context, addr, username string, timeout time.Duration) (RDPNegotiation, error) {
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return RDPNegotiation{}, err
	}
	defer func() { _ = conn.Close() }()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	if _, err := conn.Write(connectionRequest(username, RDPProtocolSSL|RDPProtocolHybrid)); err != nil {
		return RDPNegotiation{}, err
	}
	selected, err := readConnectionConfirm(conn)
	if err != nil {
		return RDPNegotiation{}, err
	}
	neg := RDPNegotiation{SelectedProtocol: selected}
	if selected == RDPProtocolRDP {
		return neg, fmt.Errorf("rdp server only offers legacy RDP security")
	}

	host, _, _ := net.SplitHostPort(addr)
	// RDP listeners present self-signed certificates by default.
	tlsConn := tls.Client(conn, &tls.Config{ServerName: host, InsecureSkipVerify: true}) //nolint:gosec
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return neg, fmt.Errorf("tls: %w", err)
	}
	neg.TLSVersion = tlsConn.ConnectionState().Version
	return neg, nil
}

func connectionRequest(username string, protocols uint32) []byte {
	var cookie []byte
	if username != "" {
		cookie = []byte("Cookie: mstshash=" + username + "\r\n")
	}

	neg := make([]byte, 8)
	neg[0] = 0x01 // TYPE_RDP_NEG_REQ
	binary.LittleEndian.PutUint16(neg[2:], 8)
	binary.LittleEndian.PutUint32(neg[4:], protocols)

	x224 := []byte{0, 0xE0, 0, 0, 0, 0, 0}
	x224 = append(x224, cookie...)
	x224 = append(x224, neg...)
	x224[0] = byte(len(x224) - 1)

	pkt := make([]byte, 4, 4+len(x224))
	pkt[0] = 0x03
	binary.BigEndian.PutUint16(pkt[2:], uint16(4+len(x224)))
	return append(pkt, x224...)
}

func readConnectionConfirm(r io.Reader) (uint32, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, fmt.Errorf("rdp: reading TPKT header: %w", err)
	}
	if hdr[0] != 0x03 {
		return 0, fmt.Errorf("rdp: not a TPKT response")
	}
	size := int(binary.BigEndian.Uint16(hdr[2:]))
	if size < 11 || size > 512 {
		return 0, fmt.Errorf("rdp: bad TPKT length %d", size)
	}
	body := make([]byte, size-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, fmt.Errorf("rdp: reading connection confirm: %w", err)
	}
	if body[1]&0xF0 != 0xD0 {
		return 0, fmt.Errorf("rdp: expected connection confirm, got 0x%x", body[1])
	}
	neg := body[7:]
	if len(neg) < 8 {
		return RDPProtocolRDP, nil
	}
	code := binary.LittleEndian.Uint32(neg[4:8])
	switch neg[0] {
	case 0x02:
		return code, nil
	case 0x03:
		return 0, fmt.Errorf("rdp: negotiation failure code 0x%x", code)
	default:
		return 0, fmt.Errorf("rdp: unexpected negotiation type 0x%x", neg[0])
	}
}

