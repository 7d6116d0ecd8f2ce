package verifier

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/systmms/credsentry/internal/logging"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/protocol"
)

var apiTokenAliases = aliases{
	"token":     {"value", "api_key", "access_token", "bearer_token"},
	"auth_type": {"auth_method"},
	"endpoint":  {"url", "smoke_test_endpoint", "test_endpoint"},
}

// APITokenVerifier calls a smoke-test endpoint with the token attached.
type APITokenVerifier struct {
	decryptor       Decryptor
	clients         HTTPClientFactory
	defaultEndpoint string
	timeout         time.Duration
	logger          *logging.Logger
}

// NewAPITokenVerifier creates an API token verifier. defaultEndpoint is used
// when the payload names none.
func NewAPITokenVerifier(d Decryptor, clients HTTPClientFactory, defaultEndpoint string, timeout time.Duration, logger *logging.Logger) *APITokenVerifier {
	if clients == nil {
		clients = DefaultHTTPClientFactory
	}
	return &APITokenVerifier{
		decryptor:       d,
		clients:         clients,
		defaultEndpoint: defaultEndpoint,
		timeout:         timeout,
		logger:          logger,
	}
}

// Type returns credential.TypeAPIToken.
func (v *APITokenVerifier) Type() credential.Type { return credential.TypeAPIToken }

// ValidateCredential checks the token and endpoint fields.
func (v *APITokenVerifier) ValidateCredential(cred *credential.Credential) ValidationResult {
	p, err := prepare(v.decryptor, cred, "token", apiTokenAliases)
	res := validatePrepared(p, err, apiTokenSchema)
	if res.Valid && p.String("endpoint") == "" && v.defaultEndpoint == "" {
		res.Valid = false
		res.Errors = append(res.Errors, "no endpoint in payload and no default smoke-test endpoint configured")
	}
	return res
}

// Verify sends one authenticated GET and classifies the status code.
func (v *APITokenVerifier) Verify(ctx context.Context, cred *credential.Credential) (Result, error) {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, v.timeout)
	defer cancel()

	p, err := prepare(v.decryptor, cred, "token", apiTokenAliases)
	if err != nil {
		return finish(ctx, start, Failed("http", CategoryConfiguration, err.Error())), nil
	}
	if res := apiTokenSchema.validate(p.Fields); !res.Valid {
		return finish(ctx, start, Failed("http", CategoryConfiguration,
			"invalid api token payload: "+strings.Join(res.Errors, "; "))), nil
	}

	endpoint := p.String("endpoint")
	if endpoint == "" {
		endpoint = v.defaultEndpoint
	}
	if endpoint == "" {
		return finish(ctx, start, Failed("http", CategoryConfiguration, "no smoke-test endpoint configured")), nil
	}

	auth := protocol.Auth{
		Type:       p.String("auth_type"),
		Value:      p.String("token"),
		Username:   p.String("username"),
		HeaderName: p.String("header_name"),
		Location:   p.String("location"),
		ParamName:  p.String("param_name"),
	}
	method := auth.Type
	if method == "" {
		method = "bearer"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return finish(ctx, start, Failed(method, CategoryConfiguration, err.Error())), nil
	}
	req.Header.Set("User-Agent", "credsentry/1.0")
	req.Header.Set("Accept", "application/json")
	if err := protocol.ApplyAuth(req, auth); err != nil {
		return finish(ctx, start, Failed(method, CategoryConfiguration, err.Error())), nil
	}

	client := v.clients(protocol.HTTPClientOptions{Timeout: v.timeout, FollowRedirects: true})
	resp, _, err := do(client, req)
	if err != nil {
		return finish(ctx, start, FailedWith(method, err)), nil
	}

	v.logger.Debug("api token: %s returned %d", endpoint, resp.StatusCode)
	return finish(ctx, start, classifyTokenStatus(method, endpoint, resp)), nil
}

func classifyTokenStatus(method, endpoint string, resp *http.Response) Result {
	details := map[string]interface{}{
		"endpoint":    endpoint,
		"status_code": resp.StatusCode,
	}
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return Succeeded(method, "token accepted", details)
	case code == http.StatusUnauthorized:
		return Failed(method, CategoryAuthentication, "token rejected (HTTP 401)")
	case code == http.StatusForbidden:
		return Failed(method, CategoryPermissionDenied, "token lacks permission (HTTP 403)")
	case code == http.StatusTooManyRequests:
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			details["retry_after"] = ra
		}
		r := Succeeded(method, "rate limited (HTTP 429); token presumed valid", details)
		r.Category = CategoryRateLimited
		return r
	case code >= 500:
		return Failed(method, CategoryConfiguration, fmt.Sprintf("endpoint error (HTTP %d), not attributable to the token", code))
	default:
		return Failed(method, CategoryConfiguration, fmt.Sprintf("unexpected HTTP %d from smoke-test endpoint", code))
	}
}
