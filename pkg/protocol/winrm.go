package protocol

import (
	"context"
	"time"

	"github.com/masterzen/winrm"
)

// WinRMEndpoint addresses a WinRM listener.
type WinRMEndpoint struct {
	Host     string
	Port     int
	HTTPS    bool
	Insecure bool
	Username string
	Password string
	Domain   string
	NTLM     bool
	Timeout  time.Duration
}

// WinRMRunner runs one command over WinRM.
type WinRMRunner interface {
	Run(ctx context.Context, ep WinRMEndpoint, command string) (stdout string, exitCode int, err error)
}

// DefaultWinRMRunner uses github.com/masterzen/winrm.
type DefaultWinRMRunner struct{}

// Run opens a shell, runs command and returns its stdout and exit code.
func (DefaultWinRMRunner) Run(ctx context.Context, ep WinRMEndpoint, command string) (string, int, error) {
	port := ep.Port
	if port == 0 {
		port = 5985
		if ep.HTTPS {
			port = 5986
		}
	}
	endpoint := winrm.NewEndpoint(ep.Host, port, ep.HTTPS, ep.Insecure, nil, nil, nil, ep.Timeout)

	user := ep.Username
	if ep.Domain != "" {
		user = ep.Domain + `\` + ep.Username
	}

	params := winrm.NewParameters("PT60S", "en-US", 153600)
	if ep.NTLM {
		params.TransportDecorator = func() winrm.Transporter { return &winrm.ClientNTLM{} }
	}
	client, err := winrm.NewClientWithParameters(endpoint, user, ep.Password, params)
	if err != nil {
		return "", 0, err
	}

	stdout, _, code, err := client.RunWithContextWithString(ctx, command, "")
	return stdout, code, err
}
