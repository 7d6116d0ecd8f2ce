package protocol

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHAuth carries the secret used to log in.
type SSHAuth struct {
	Username   string
	Password   string
	PrivateKey []byte
	Passphrase []byte
}

// SSHClient runs commands over an established connection.
type SSHClient interface {
	Run(ctx context.Context, cmd string) (string, error)
	Close() error
}

// SSHDialer opens authenticated SSH connections.
type SSHDialer interface {
	Dial(ctx context.Context, addr string, auth SSHAuth, timeout time.Duration) (SSHClient, error)
}

// DefaultSSHDialer dials with golang.org/x/crypto/ssh. Host keys are pinned
// only when KnownHostsFile is set.
type DefaultSSHDialer struct {
	KnownHostsFile string
}

// Dial connects and authenticates.
func (d *DefaultSSHDialer) Dial(ctx context.Context, addr string, auth SSHAuth, timeout time.Duration) (SSHClient, error) {
	methods, err := authMethods(auth)
	if err != nil {
		return nil, err
	}
	hostKey, err := d.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            auth.Username,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	var nd net.Dialer
	if timeout > 0 {
		nd.Timeout = timeout
	}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	// Bound the handshake by the context deadline too.
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return &sshClient{client: ssh.NewClient(c, chans, reqs)}, nil
}

func (d *DefaultSSHDialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(d.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

func authMethods(auth SSHAuth) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(auth.PrivateKey) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if len(auth.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(auth.PrivateKey, auth.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(auth.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if auth.Password != "" {
		password := auth.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("no SSH password or private key supplied")
	}
	return methods, nil
}

type sshClient struct {
	client *ssh.Client
}

// Run executes cmd in a new session. Cancelling ctx closes the session.
func (c *sshClient) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", err
	}
	defer func() { _ = session.Close() }()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		return stdout.String(), err
	case <-ctx.Done():
		_ = session.Close()
		return stdout.String(), ctx.Err()
	}
}

func (c *sshClient) Close() error {
	return c.client.Close()
}
