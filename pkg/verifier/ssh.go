package verifier

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/systmms/credsentry/internal/logging"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/protocol"
)

const sshDefaultPort = 22

var sshAliases = aliases{
	"host":        {"hostname", "address"},
	"username":    {"user"},
	"private_key": {"privateKey", "key"},
}

// usernamePattern restricts account names passed to remote shell commands.
var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]{0,31}\$?$`)

// SSHVerifier logs in over SSH and runs a trivial command.
type SSHVerifier struct {
	decryptor Decryptor
	dialer    protocol.SSHDialer
	timeout   time.Duration
	logger    *logging.Logger
}

// NewSSHVerifier creates an SSH verifier.
func NewSSHVerifier(d Decryptor, dialer protocol.SSHDialer, timeout time.Duration, logger *logging.Logger) *SSHVerifier {
	return &SSHVerifier{decryptor: d, dialer: dialer, timeout: timeout, logger: logger}
}

// Type returns credential.TypeSSH.
func (v *SSHVerifier) Type() credential.Type { return credential.TypeSSH }

// ValidateCredential checks host, username and a password or private key.
func (v *SSHVerifier) ValidateCredential(cred *credential.Credential) ValidationResult {
	p, err := prepare(v.decryptor, cred, "password", sshAliases)
	return validatePrepared(p, err, sshSchema)
}

type sshTarget struct {
	addr string
	host string
	port int
	auth protocol.SSHAuth
}

func (v *SSHVerifier) target(cred *credential.Credential) (sshTarget, error) {
	p, err := prepare(v.decryptor, cred, "password", sshAliases)
	if err != nil {
		return sshTarget{}, err
	}
	if res := sshSchema.validate(p.Fields); !res.Valid {
		return sshTarget{}, fmt.Errorf("invalid SSH payload: %s", strings.Join(res.Errors, "; "))
	}
	port := p.Int("port")
	if port == 0 {
		port = sshDefaultPort
	}
	host := p.String("host")
	return sshTarget{
		addr: net.JoinHostPort(host, strconv.Itoa(port)),
		host: host,
		port: port,
		auth: protocol.SSHAuth{
			Username:   p.String("username"),
			Password:   p.String("password"),
			PrivateKey: []byte(p.String("private_key")),
			Passphrase: []byte(p.String("passphrase")),
		},
	}, nil
}

// Verify connects, runs whoami and always closes the connection.
func (v *SSHVerifier) Verify(ctx context.Context, cred *credential.Credential) (Result, error) {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, v.timeout)
	defer cancel()

	t, err := v.target(cred)
	if err != nil {
		return finish(ctx, start, Failed("ssh", CategoryConfiguration, err.Error())), nil
	}

	v.logger.Debug("ssh: connecting to %s as %s", t.addr, t.auth.Username)
	client, err := v.dialer.Dial(ctx, t.addr, t.auth, v.timeout)
	if err != nil {
		return finish(ctx, start, FailedWith("ssh", err)), nil
	}
	defer func() { _ = client.Close() }()

	out, err := client.Run(ctx, "whoami")
	if err != nil {
		r := FailedWith("ssh", err)
		r.Message = "authenticated but command execution failed: " + err.Error()
		if r.Category == CategoryUnknown {
			r.Category = CategoryPermissionDenied
		}
		return finish(ctx, start, r), nil
	}

	return finish(ctx, start, Succeeded("ssh", "SSH authentication successful", map[string]interface{}{
		"host":        t.host,
		"port":        t.port,
		"username":    t.auth.Username,
		"remote_user": strings.TrimSpace(out),
	})), nil
}

// AccountCheck reports whether a local account exists on an SSH host.
type AccountCheck struct {
	Exists   bool   `json:"exists"`
	Username string `json:"username"`
	Method   string `json:"method,omitempty"`
	Result   Result `json:"result"`
}

// VerifyAccountExists connects with cred and looks for username using id,
// getent passwd and /etc/passwd in that order.
func (v *SSHVerifier) VerifyAccountExists(ctx context.Context, cred *credential.Credential, username string) (AccountCheck, error) {
	check := AccountCheck{Username: username}
	if !usernamePattern.MatchString(username) {
		return check, fmt.Errorf("invalid username %q", username)
	}

	start := time.Now()
	ctx, cancel := withTimeout(ctx, v.timeout)
	defer cancel()

	t, err := v.target(cred)
	if err != nil {
		check.Result = finish(ctx, start, Failed("ssh", CategoryConfiguration, err.Error()))
		return check, nil
	}

	client, err := v.dialer.Dial(ctx, t.addr, t.auth, v.timeout)
	if err != nil {
		check.Result = finish(ctx, start, FailedWith("ssh", err))
		return check, nil
	}
	defer func() { _ = client.Close() }()

	commands := []struct {
		method string
		cmd    string
	}{
		{"id", "id " + username},
		{"getent", "getent passwd " + username},
		{"passwd", "grep '^" + username + ":' /etc/passwd"},
	}
	for _, c := range commands {
		out, err := client.Run(ctx, c.cmd)
		if err == nil && strings.TrimSpace(out) != "" {
			check.Exists = true
			check.Method = c.method
			check.Result = finish(ctx, start, Succeeded("ssh", "account "+username+" exists", map[string]interface{}{
				"host":   t.host,
				"method": c.method,
			}))
			return check, nil
		}
		if ctx.Err() != nil {
			check.Result = finish(ctx, start, Failed("ssh", CategoryTimeout, "account lookup timed out"))
			return check, nil
		}
	}

	check.Result = finish(ctx, start, Succeeded("ssh", "account "+username+" not found", map[string]interface{}{
		"host": t.host,
	}))
	return check, nil
}
