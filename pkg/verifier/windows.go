package verifier

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/systmms/credsentry/internal/logging"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/protocol"
)

// Windows sub-methods.
const (
	MethodWinRM = "winrm"
	MethodSMB   = "smb"
	MethodRDP   = "rdp"
	MethodWMI   = "wmi"
)

var windowsDefaultOrder = []string{MethodWinRM, MethodSMB, MethodRDP}

var windowsAliases = aliases{
	"host":     {"hostname", "address"},
	"username": {"user"},
	"method":   {"protocol"},
}

// Substrings that mean the target rejected the account.
var logonFailureMarkers = []string{
	"http response error: 401",
	"logon failure",
	"the attempted logon is invalid",
	"status_logon_failure",
	"unknown user name or bad password",
	"status_account_disabled",
	"status_account_locked_out",
	"status_password_expired",
}

const wmiQuery = `powershell -NoProfile -NonInteractive -Command "Get-WmiObject -Class Win32_OperatingSystem | Select-Object -ExpandProperty Caption"`

// WindowsVerifier checks Windows accounts over WinRM, SMB, RDP or WMI.
type WindowsVerifier struct {
	decryptor Decryptor
	winrm     protocol.WinRMRunner
	smb       protocol.SMBLister
	rdp       protocol.RDPProber
	timeout   time.Duration
	logger    *logging.Logger
}

// NewWindowsVerifier creates a Windows verifier.
func NewWindowsVerifier(d Decryptor, winrm protocol.WinRMRunner, smb protocol.SMBLister, rdp protocol.RDPProber, timeout time.Duration, logger *logging.Logger) *WindowsVerifier {
	return &WindowsVerifier{decryptor: d, winrm: winrm, smb: smb, rdp: rdp, timeout: timeout, logger: logger}
}

// Type returns credential.TypeWindows.
func (v *WindowsVerifier) Type() credential.Type { return credential.TypeWindows }

// ValidateCredential checks host, username, password and method.
func (v *WindowsVerifier) ValidateCredential(cred *credential.Credential) ValidationResult {
	p, err := prepare(v.decryptor, cred, "password", windowsAliases)
	return validatePrepared(p, err, windowsSchema)
}

type windowsTarget struct {
	host     string
	port     int
	username string
	password string
	domain   string
	method   string
	https    bool
	insecure bool
	winrm    int
	smb      int
	rdp      int
}

func (v *WindowsVerifier) target(cred *credential.Credential) (windowsTarget, error) {
	p, err := prepare(v.decryptor, cred, "password", windowsAliases)
	if err != nil {
		return windowsTarget{}, err
	}
	if res := windowsSchema.validate(p.Fields); !res.Valid {
		return windowsTarget{}, fmt.Errorf("invalid Windows payload: %s", strings.Join(res.Errors, "; "))
	}

	t := windowsTarget{
		host:     p.String("host"),
		port:     p.Int("port"),
		username: p.String("username"),
		password: p.String("password"),
		domain:   p.String("domain"),
		method:   p.String("method"),
		https:    p.Bool("use_ssl") || p.Bool("https"),
		insecure: p.Bool("insecure"),
		winrm:    p.Int("winrm_port"),
		smb:      p.Int("smb_port"),
		rdp:      p.Int("rdp_port"),
	}
	// DOMAIN\user is split so NTLM gets the domain separately.
	if d, u, ok := strings.Cut(t.username, `\`); ok && t.domain == "" {
		t.domain, t.username = d, u
	}
	switch t.port {
	case 5985, 5986:
		if t.winrm == 0 {
			t.winrm = t.port
		}
	case 445:
		if t.smb == 0 {
			t.smb = t.port
		}
	case 3389:
		if t.rdp == 0 {
			t.rdp = t.port
		}
	}
	if t.winrm == 0 {
		t.winrm = 5985
		if t.https {
			t.winrm = 5986
		}
	}
	if t.winrm == 5986 {
		t.https = true
	}
	if t.smb == 0 {
		t.smb = 445
	}
	if t.rdp == 0 {
		t.rdp = 3389
	}
	return t, nil
}

// Verify tries WinRM, SMB then RDP under one shared timeout, or only the
// requested method. WMI runs only when requested.
func (v *WindowsVerifier) Verify(ctx context.Context, cred *credential.Credential) (Result, error) {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, v.timeout)
	defer cancel()

	t, err := v.target(cred)
	if err != nil {
		return finish(ctx, start, Failed("windows", CategoryConfiguration, err.Error())), nil
	}

	strategies := map[string]Strategy{
		MethodWinRM: {Name: MethodWinRM, Run: func(ctx context.Context) Result { return v.viaWinRM(ctx, t) }},
		MethodSMB:   {Name: MethodSMB, Run: func(ctx context.Context) Result { return v.viaSMB(ctx, t) }},
		MethodRDP:   {Name: MethodRDP, Run: func(ctx context.Context) Result { return v.viaRDP(ctx, t) }},
		MethodWMI:   {Name: MethodWMI, Run: func(ctx context.Context) Result { return v.viaWMI(ctx, t) }},
	}

	var plan []Strategy
	if t.method != "" {
		plan = []Strategy{strategies[t.method]}
	} else {
		for _, m := range windowsDefaultOrder {
			plan = append(plan, strategies[m])
		}
	}

	v.logger.Debug("windows: verifying %s@%s via %d method(s)", t.username, t.host, len(plan))
	return finish(ctx, start, FirstSuccess(ctx, plan)), nil
}

func (v *WindowsVerifier) endpoint(t windowsTarget) protocol.WinRMEndpoint {
	return protocol.WinRMEndpoint{
		Host:     t.host,
		Port:     t.winrm,
		HTTPS:    t.https,
		Insecure: t.insecure,
		Username: t.username,
		Password: t.password,
		Domain:   t.domain,
		NTLM:     true,
		Timeout:  v.timeout,
	}
}

func (v *WindowsVerifier) viaWinRM(ctx context.Context, t windowsTarget) Result {
	out, code, err := v.winrm.Run(ctx, v.endpoint(t), "whoami")
	if err != nil {
		return windowsFailure(MethodWinRM, err)
	}
	if code != 0 {
		return Failed(MethodWinRM, CategoryPermissionDenied, fmt.Sprintf("whoami exited with code %d", code))
	}
	return Succeeded(MethodWinRM, "WinRM authentication successful", map[string]interface{}{
		"host":        t.host,
		"port":        t.winrm,
		"remote_user": strings.TrimSpace(out),
	})
}

func (v *WindowsVerifier) viaSMB(ctx context.Context, t windowsTarget) Result {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.smb))
	shares, err := v.smb.ListShares(ctx, addr, t.domain, t.username, t.password, v.timeout)
	if err != nil {
		return windowsFailure(MethodSMB, err)
	}
	return Succeeded(MethodSMB, "SMB authentication successful", map[string]interface{}{
		"host":   t.host,
		"port":   t.smb,
		"shares": len(shares),
	})
}

func (v *WindowsVerifier) viaRDP(ctx context.Context, t windowsTarget) Result {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.rdp))
	neg, err := v.rdp.Negotiate(ctx, addr, t.username, v.timeout)
	if err != nil {
		return FailedWith(MethodRDP, err)
	}
	return Succeeded(MethodRDP, "RDP security negotiation completed", map[string]interface{}{
		"host":                  t.host,
		"port":                  t.rdp,
		"nla":                   neg.NLA(),
		"credentials_exercised": false,
	})
}

func (v *WindowsVerifier) viaWMI(ctx context.Context, t windowsTarget) Result {
	out, code, err := v.winrm.Run(ctx, v.endpoint(t), wmiQuery)
	if err != nil {
		return windowsFailure(MethodWMI, err)
	}
	if code != 0 {
		return Failed(MethodWMI, CategoryPermissionDenied, fmt.Sprintf("WMI query exited with code %d", code))
	}
	return Succeeded(MethodWMI, "WMI query successful", map[string]interface{}{
		"host": t.host,
		"os":   strings.TrimSpace(out),
	})
}

func windowsFailure(method string, err error) Result {
	msg := strings.ToLower(err.Error())
	for _, marker := range logonFailureMarkers {
		if strings.Contains(msg, marker) {
			return Failed(method, CategoryAuthentication, err.Error())
		}
	}
	return FailedWith(method, err)
}
