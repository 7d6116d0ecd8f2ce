package protocol

import (
	"context"
	"net"
	"time"

	"github.com/hirochachacha/go-smb2"
)

// SMBLister authenticates over SMB2 and lists shares.
type SMBLister interface {
	ListShares(ctx context.Context, addr, domain, username, password string, timeout time.Duration) ([]string, error)
}

// DefaultSMBLister uses github.com/hirochachacha/go-smb2 with NTLM.
type DefaultSMBLister struct{}

// ListShares performs an NTLM session setup and enumerates share names.
func (DefaultSMBLister) ListShares(ctx context.Context, addr, domain, username, password string, timeout time.Duration) ([]string, error) {
	nd := net.Dialer{Timeout: timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     username,
			Password: password,
			Domain:   domain,
		},
	}
	s, err := d.DialContext(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Logoff() }()

	return s.ListSharenames()
}
