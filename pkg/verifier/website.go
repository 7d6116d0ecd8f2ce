package verifier

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/systmms/credsentry/internal/logging"
	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/protocol"
)

// Website sub-methods.
const (
	MethodBasic  = "basic"
	MethodForm   = "form"
	MethodDigest = "digest"
	MethodBearer = "bearer"
	MethodAPIKey = "api_key"
	MethodOAuth  = "oauth"
)

var websiteDefaultOrder = []string{MethodBasic, MethodForm, MethodBearer}

var websiteAliases = aliases{
	"url":      {"website_url", "site_url"},
	"username": {"user", "email", "login"},
	"token":    {"bearer_token", "access_token"},
	"method":   {"auth_method", "auth_type"},
}

// Words that mark a login page as rejected when no explicit indicator is set.
var loginErrorKeywords = []string{
	"invalid", "incorrect", "failed", "wrong password", "error", "denied", "try again",
}

const maxBodyBytes = 1 << 20

// HTTPClientFactory builds the HTTP client for one verification.
type HTTPClientFactory func(opts protocol.HTTPClientOptions) protocol.HTTPClient

// DefaultHTTPClientFactory returns protocol.NewHTTPClient.
func DefaultHTTPClientFactory(opts protocol.HTTPClientOptions) protocol.HTTPClient {
	return protocol.NewHTTPClient(opts)
}

// WebsiteVerifier logs in to websites.
type WebsiteVerifier struct {
	decryptor Decryptor
	clients   HTTPClientFactory
	timeout   time.Duration
	logger    *logging.Logger
}

// NewWebsiteVerifier creates a website verifier.
func NewWebsiteVerifier(d Decryptor, clients HTTPClientFactory, timeout time.Duration, logger *logging.Logger) *WebsiteVerifier {
	if clients == nil {
		clients = DefaultHTTPClientFactory
	}
	return &WebsiteVerifier{decryptor: d, clients: clients, timeout: timeout, logger: logger}
}

// Type returns credential.TypeWebsite.
func (v *WebsiteVerifier) Type() credential.Type { return credential.TypeWebsite }

// ValidateCredential checks that a URL or host is present and the method is known.
func (v *WebsiteVerifier) ValidateCredential(cred *credential.Credential) ValidationResult {
	p, err := prepare(v.decryptor, cred, "password", websiteAliases)
	return validatePrepared(p, err, websiteSchema)
}

type websiteTarget struct {
	url              string
	loginURL         string
	username         string
	password         string
	token            string
	apiKey           string
	apiKeyHeader     string
	method           string
	successIndicator string
	failureIndicator string
	successRedirect  string
	usernameField    string
	passwordField    string
	extraFields      map[string]string
	headers          map[string]string
	tokenURL         string
	insecure         bool
}

func (v *WebsiteVerifier) target(cred *credential.Credential) (websiteTarget, error) {
	p, err := prepare(v.decryptor, cred, "password", websiteAliases)
	if err != nil {
		return websiteTarget{}, err
	}
	if res := websiteSchema.validate(p.Fields); !res.Valid {
		return websiteTarget{}, fmt.Errorf("invalid website payload: %s", strings.Join(res.Errors, "; "))
	}

	t := websiteTarget{
		url:              p.String("url"),
		loginURL:         p.String("login_url"),
		username:         p.String("username"),
		password:         p.String("password"),
		token:            p.String("token"),
		apiKey:           p.String("api_key"),
		apiKeyHeader:     p.String("api_key_header"),
		method:           p.String("method"),
		successIndicator: p.String("success_indicator"),
		failureIndicator: p.String("failure_indicator"),
		successRedirect:  p.String("success_redirect"),
		usernameField:    p.String("username_field"),
		passwordField:    p.String("password_field"),
		extraFields:      p.StringMap("form_fields"),
		headers:          p.StringMap("headers"),
		tokenURL:         p.String("token_url"),
		insecure:         p.Bool("insecure_skip_verify"),
	}
	if t.url == "" {
		t.url = t.loginURL
	}
	if t.url == "" {
		t.url = urlFromHost(p.String("host"), p.Int("port"))
	}
	if t.loginURL == "" {
		t.loginURL = t.url
	}
	if t.token == "" && t.method == MethodBearer {
		t.token = t.password
	}
	if t.apiKey == "" {
		t.apiKey = t.password
	}
	return t, nil
}

func urlFromHost(host string, port int) string {
	scheme := "https"
	if port == 80 || port == 8080 {
		scheme = "http"
	}
	if port == 0 || port == 80 || port == 443 {
		return scheme + "://" + host + "/"
	}
	return scheme + "://" + host + ":" + strconv.Itoa(port) + "/"
}

// Verify runs the requested method or basic, form and bearer in order.
func (v *WebsiteVerifier) Verify(ctx context.Context, cred *credential.Credential) (Result, error) {
	start := time.Now()
	ctx, cancel := withTimeout(ctx, v.timeout)
	defer cancel()

	t, err := v.target(cred)
	if err != nil {
		return finish(ctx, start, Failed("website", CategoryConfiguration, err.Error())), nil
	}
	client := v.clients(protocol.HTTPClientOptions{
		Timeout:            v.timeout,
		InsecureSkipVerify: t.insecure,
	})

	methods := map[string]func(context.Context) Result{
		MethodBasic:  func(ctx context.Context) Result { return v.basic(ctx, client, t) },
		MethodForm:   func(ctx context.Context) Result { return v.form(ctx, client, t) },
		MethodDigest: func(ctx context.Context) Result { return v.digest(ctx, client, t) },
		MethodBearer: func(ctx context.Context) Result { return v.bearer(ctx, client, t) },
		MethodAPIKey: func(ctx context.Context) Result { return v.apiKeyHeader(ctx, client, t) },
		MethodOAuth:  func(ctx context.Context) Result { return v.oauth(ctx, client, t) },
	}

	order := websiteDefaultOrder
	if t.method != "" {
		order = []string{t.method}
	}
	plan := make([]Strategy, 0, len(order))
	for _, m := range order {
		plan = append(plan, Strategy{Name: m, Run: methods[m]})
	}

	v.logger.Debug("website: verifying %s via %v", t.url, order)
	return finish(ctx, start, FirstSuccess(ctx, plan)), nil
}

func (v *WebsiteVerifier) newRequest(ctx context.Context, method, target string, body io.Reader, t websiteTarget) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "credsentry/1.0")
	for k, val := range t.headers {
		req.Header.Set(k, val)
	}
	return req, nil
}

func do(client protocol.HTTPClient, req *http.Request) (*http.Response, string, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp, "", err
	}
	return resp, string(body), nil
}

// statusResult classifies the status of an authenticated request.
func statusResult(method string, code int, okMessage string, details map[string]interface{}) Result {
	switch {
	case code >= 200 && code < 400:
		return Succeeded(method, okMessage, details)
	case code == http.StatusUnauthorized:
		return Failed(method, CategoryAuthentication, "server rejected the credentials (HTTP 401)")
	case code == http.StatusForbidden:
		return Failed(method, CategoryPermissionDenied, "server refused access (HTTP 403)")
	case code >= 500:
		return Failed(method, CategoryConfiguration, fmt.Sprintf("server error (HTTP %d)", code))
	default:
		return Failed(method, CategoryConfiguration, fmt.Sprintf("unexpected HTTP %d", code))
	}
}

func challenge(resp *http.Response, scheme string) bool {
	for _, h := range resp.Header.Values("WWW-Authenticate") {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(h)), scheme) {
			return true
		}
	}
	return false
}

func (v *WebsiteVerifier) basic(ctx context.Context, client protocol.HTTPClient, t websiteTarget) Result {
	if t.username == "" || t.password == "" {
		return Failed(MethodBasic, CategoryConfiguration, "basic auth needs a username and password")
	}

	probe, err := v.newRequest(ctx, http.MethodGet, t.url, nil, t)
	if err != nil {
		return Failed(MethodBasic, CategoryConfiguration, err.Error())
	}
	resp, _, err := do(client, probe)
	if err != nil {
		return FailedWith(MethodBasic, err)
	}
	if resp.StatusCode != http.StatusUnauthorized || !challenge(resp, "basic") {
		return Failed(MethodBasic, CategoryConfiguration, "site does not offer HTTP basic authentication")
	}

	req, err := v.newRequest(ctx, http.MethodGet, t.url, nil, t)
	if err != nil {
		return Failed(MethodBasic, CategoryConfiguration, err.Error())
	}
	req.SetBasicAuth(t.username, t.password)
	resp, _, err = do(client, req)
	if err != nil {
		return FailedWith(MethodBasic, err)
	}
	return statusResult(MethodBasic, resp.StatusCode, "basic authentication successful", map[string]interface{}{
		"url":         t.url,
		"status_code": resp.StatusCode,
	})
}

func (v *WebsiteVerifier) digest(ctx context.Context, client protocol.HTTPClient, t websiteTarget) Result {
	req, err := v.newRequest(ctx, http.MethodGet, t.url, nil, t)
	if err != nil {
		return Failed(MethodDigest, CategoryConfiguration, err.Error())
	}
	resp, _, err := do(client, req)
	if err != nil {
		return FailedWith(MethodDigest, err)
	}
	if resp.StatusCode == http.StatusUnauthorized && challenge(resp, "digest") {
		return Succeeded(MethodDigest, "digest authentication challenge detected", map[string]interface{}{
			"url":                   t.url,
			"credentials_exercised": false,
		})
	}
	return Failed(MethodDigest, CategoryConfiguration, "site does not offer HTTP digest authentication")
}

func (v *WebsiteVerifier) bearer(ctx context.Context, client protocol.HTTPClient, t websiteTarget) Result {
	token := t.token
	if token == "" {
		token = t.password
	}
	if token == "" {
		return Failed(MethodBearer, CategoryConfiguration, "no bearer token configured")
	}
	req, err := v.newRequest(ctx, http.MethodGet, t.url, nil, t)
	if err != nil {
		return Failed(MethodBearer, CategoryConfiguration, err.Error())
	}
	if err := protocol.ApplyAuth(req, protocol.Auth{Type: "bearer", Value: token}); err != nil {
		return Failed(MethodBearer, CategoryConfiguration, err.Error())
	}
	resp, _, err := do(client, req)
	if err != nil {
		return FailedWith(MethodBearer, err)
	}
	return statusResult(MethodBearer, resp.StatusCode, "bearer token accepted", map[string]interface{}{
		"url":         t.url,
		"status_code": resp.StatusCode,
	})
}

func (v *WebsiteVerifier) apiKeyHeader(ctx context.Context, client protocol.HTTPClient, t websiteTarget) Result {
	if t.apiKey == "" {
		return Failed(MethodAPIKey, CategoryConfiguration, "no API key configured")
	}
	req, err := v.newRequest(ctx, http.MethodGet, t.url, nil, t)
	if err != nil {
		return Failed(MethodAPIKey, CategoryConfiguration, err.Error())
	}
	if err := protocol.ApplyAuth(req, protocol.Auth{Type: "api_key", Value: t.apiKey, HeaderName: t.apiKeyHeader}); err != nil {
		return Failed(MethodAPIKey, CategoryConfiguration, err.Error())
	}
	resp, _, err := do(client, req)
	if err != nil {
		return FailedWith(MethodAPIKey, err)
	}
	return statusResult(MethodAPIKey, resp.StatusCode, "API key accepted", map[string]interface{}{
		"url":         t.url,
		"status_code": resp.StatusCode,
	})
}

func (v *WebsiteVerifier) oauth(ctx context.Context, client protocol.HTTPClient, t websiteTarget) Result {
	target := t.tokenURL
	if target == "" {
		target = t.url
	}
	req, err := v.newRequest(ctx, http.MethodGet, target, nil, t)
	if err != nil {
		return Failed(MethodOAuth, CategoryConfiguration, err.Error())
	}
	resp, _, err := do(client, req)
	if err != nil {
		return FailedWith(MethodOAuth, err)
	}
	if resp.StatusCode >= 500 {
		return Failed(MethodOAuth, CategoryConfiguration, fmt.Sprintf("OAuth endpoint returned HTTP %d", resp.StatusCode))
	}
	return Succeeded(MethodOAuth, "OAuth endpoint reachable", map[string]interface{}{
		"url":                   target,
		"status_code":           resp.StatusCode,
		"credentials_exercised": false,
	})
}

// loginForm is the form that holds a password input.
type loginForm struct {
	action        string
	method        string
	fields        url.Values
	usernameField string
	passwordField string
}

func (v *WebsiteVerifier) form(ctx context.Context, client protocol.HTTPClient, t websiteTarget) Result {
	if t.password == "" {
		return Failed(MethodForm, CategoryConfiguration, "form login needs a password")
	}

	req, err := v.newRequest(ctx, http.MethodGet, t.loginURL, nil, t)
	if err != nil {
		return Failed(MethodForm, CategoryConfiguration, err.Error())
	}
	resp, page, err := do(client, req)
	if err != nil {
		return FailedWith(MethodForm, err)
	}
	if resp.StatusCode >= 400 {
		return statusResult(MethodForm, resp.StatusCode, "", nil)
	}

	base, _ := url.Parse(t.loginURL)
	f, err := findLoginForm(page, base)
	if err != nil {
		return Failed(MethodForm, CategoryConfiguration, err.Error())
	}
	userField := orElse(t.usernameField, f.usernameField)
	passField := orElse(t.passwordField, f.passwordField)
	if userField != "" && t.username != "" {
		f.fields.Set(userField, t.username)
	}
	f.fields.Set(passField, t.password)
	for k, val := range t.extraFields {
		f.fields.Set(k, val)
	}

	var submit *http.Request
	if f.method == http.MethodGet {
		var u *url.URL
		if u, err = url.Parse(f.action); err == nil {
			u.RawQuery = f.fields.Encode()
			submit, err = v.newRequest(ctx, http.MethodGet, u.String(), nil, t)
		}
	} else {
		submit, err = v.newRequest(ctx, http.MethodPost, f.action, strings.NewReader(f.fields.Encode()), t)
		if submit != nil {
			submit.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return Failed(MethodForm, CategoryConfiguration, err.Error())
	}
	// The client does not keep a jar; carry the session cookies by hand.
	for _, c := range resp.Cookies() {
		submit.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}

	result, body, err := do(client, submit)
	if err != nil {
		return FailedWith(MethodForm, err)
	}
	return judgeLogin(t, result, body, f.action)
}

func judgeLogin(t websiteTarget, resp *http.Response, body, action string) Result {
	details := map[string]interface{}{
		"url":         t.loginURL,
		"status_code": resp.StatusCode,
	}
	location := resp.Header.Get("Location")
	lowerBody := strings.ToLower(body)

	if t.failureIndicator != "" && strings.Contains(body, t.failureIndicator) {
		return Failed(MethodForm, CategoryAuthentication, "login page reported failure")
	}
	if t.successIndicator != "" {
		if strings.Contains(body, t.successIndicator) {
			details["judged_by"] = "success_indicator"
			return Succeeded(MethodForm, "form login successful", details)
		}
		return Failed(MethodForm, CategoryAuthentication, "success indicator not found after login")
	}
	if t.successRedirect != "" {
		if location != "" && strings.Contains(location, t.successRedirect) {
			details["judged_by"] = "redirect"
			return Succeeded(MethodForm, "form login successful", details)
		}
		return Failed(MethodForm, CategoryAuthentication, "login did not redirect to the expected location")
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		for _, kw := range loginErrorKeywords {
			if strings.Contains(lowerBody, kw) {
				return Failed(MethodForm, CategoryAuthentication, "login page reported an error")
			}
		}
		details["judged_by"] = "status"
		return Succeeded(MethodForm, "form login successful", details)
	case resp.StatusCode >= 300 && resp.StatusCode < 400:
		if location == "" || sameTarget(location, t.loginURL) || sameTarget(location, action) {
			return Failed(MethodForm, CategoryAuthentication, "login redirected back to the login page")
		}
		details["judged_by"] = "redirect"
		return Succeeded(MethodForm, "form login successful", details)
	default:
		return statusResult(MethodForm, resp.StatusCode, "", nil)
	}
}

func sameTarget(location, ref string) bool {
	l, err1 := url.Parse(location)
	r, err2 := url.Parse(ref)
	if err1 != nil || err2 != nil {
		return false
	}
	return strings.TrimSuffix(l.Path, "/") == strings.TrimSuffix(r.Path, "/")
}

func orElse(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// findLoginForm returns the first form containing a password input.
func findLoginForm(page string, base *url.URL) (*loginForm, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse login page: %w", err)
	}

	var found *loginForm
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && n.Data == "form" {
			if f := inspectForm(n, base); f != nil {
				found = f
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	if found == nil {
		return nil, fmt.Errorf("no login form with a password field found")
	}
	return found, nil
}

func inspectForm(form *html.Node, base *url.URL) *loginForm {
	f := &loginForm{
		method: strings.ToUpper(attr(form, "method")),
		fields: url.Values{},
	}
	if f.method != http.MethodGet {
		f.method = http.MethodPost
	}
	action := attr(form, "action")
	if base != nil {
		if ref, err := url.Parse(action); err == nil {
			action = base.ResolveReference(ref).String()
		}
	}
	f.action = action

	var firstText string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "input" {
			name := attr(n, "name")
			typ := strings.ToLower(attr(n, "type"))
			if name != "" {
				switch typ {
				case "password":
					if f.passwordField == "" {
						f.passwordField = name
					}
				case "text", "email", "":
					lname := strings.ToLower(name)
					if f.usernameField == "" && (strings.Contains(lname, "user") || strings.Contains(lname, "email") || strings.Contains(lname, "login")) {
						f.usernameField = name
					}
					if firstText == "" {
						firstText = name
					}
					f.fields.Set(name, attr(n, "value"))
				case "hidden":
					f.fields.Set(name, attr(n, "value"))
				case "checkbox", "radio":
					if hasAttr(n, "checked") {
						f.fields.Set(name, orElse(attr(n, "value"), "on"))
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)

	if f.passwordField == "" {
		return nil
	}
	if f.usernameField == "" {
		f.usernameField = firstText
	}
	return f
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
