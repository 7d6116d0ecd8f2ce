package verifier

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/systmms/credsentry/internal/secure"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/protocol"
)

const (
	testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testIV  = "0f0e0d0c0b0a09080706050403020100"
)

func testCipher(t *testing.T) *secure.PayloadCipher {
	t.Helper()
	c, err := secure.NewPayloadCipher(testKey, testIV)
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	return c
}

// sealed builds a credential whose payload is payload encrypted with c. A
// string payload is stored as a bare secret.
func sealed(t *testing.T, c *secure.PayloadCipher, typ credential.Type, payload interface{}) *credential.Credential {
	t.Helper()
	var plain []byte
	switch p := payload.(type) {
	case string:
		plain = []byte(p)
	default:
		var err error
		plain, err = json.Marshal(p)
		require.NoError(t, err)
	}
	enc, err := c.Encrypt(plain)
	require.NoError(t, err)
	return &credential.Credential{
		ID:               "cred-1",
		Type:             typ,
		Status:           credential.StatusPending,
		EncryptedPayload: enc,
	}
}

type fakeSSHClient struct {
	mu       sync.Mutex
	outputs  map[string]string
	errs     map[string]error
	commands []string
	closed   bool
}

func (c *fakeSSHClient) Run(_ context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = append(c.commands, cmd)
	if err, ok := c.errs[cmd]; ok {
		return "", err
	}
	return c.outputs[cmd], nil
}

func (c *fakeSSHClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeSSHDialer struct {
	client *fakeSSHClient
	err    error
	auth   protocol.SSHAuth
	addr   string
}

func (d *fakeSSHDialer) Dial(_ context.Context, addr string, auth protocol.SSHAuth, _ time.Duration) (protocol.SSHClient, error) {
	d.addr = addr
	d.auth = auth
	if d.err != nil {
		return nil, d.err
	}
	return d.client, nil
}

type fakeWinRM struct {
	out      string
	code     int
	err      error
	endpoint protocol.WinRMEndpoint
	commands []string
}

func (f *fakeWinRM) Run(_ context.Context, ep protocol.WinRMEndpoint, cmd string) (string, int, error) {
	f.endpoint = ep
	f.commands = append(f.commands, cmd)
	return f.out, f.code, f.err
}

type fakeSMB struct {
	shares []string
	err    error
	addr   string
	domain string
}

func (f *fakeSMB) ListShares(_ context.Context, addr, domain, _, _ string, _ time.Duration) ([]string, error) {
	f.addr = addr
	f.domain = domain
	return f.shares, f.err
}

type fakeRDP struct {
	neg   protocol.RDPNegotiation
	err   error
	calls int
}

func (f *fakeRDP) Negotiate(context.Context, string, string, time.Duration) (protocol.RDPNegotiation, error) {
	f.calls++
	return f.neg, f.err
}

type fakeProber struct {
	engine  protocol.Engine
	version string
	err     error
	seen    []protocol.Endpoint
}

func (f *fakeProber) Engine() protocol.Engine { return f.engine }

func (f *fakeProber) Probe(_ context.Context, ep protocol.Endpoint) (protocol.ProbeResult, error) {
	f.seen = append(f.seen, ep)
	if f.err != nil {
		return protocol.ProbeResult{}, f.err
	}
	return protocol.ProbeResult{Engine: f.engine, Version: f.version}, nil
}
