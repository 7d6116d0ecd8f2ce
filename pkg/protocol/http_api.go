package protocol

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// HTTPClient is the subset of *http.Client the verifiers use.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPClientOptions configures NewHTTPClient.
type HTTPClientOptions struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	FollowRedirects    bool
	CookieJar          bool
}

// NewHTTPClient builds an *http.Client. Redirects are returned to the
// caller unless FollowRedirects is set.
func NewHTTPClient(opts HTTPClientOptions) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
	if !opts.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	if opts.CookieJar {
		jar, _ := cookiejar.New(nil)
		client.Jar = jar
	}
	return client
}

// Auth describes how a token is attached to a request.
type Auth struct {
	// Type is bearer, api_key or basic.
	Type  string
	Value string

	// Username is used by basic.
	Username string

	// HeaderName and Location/ParamName are used by api_key.
	HeaderName string
	Location   string
	ParamName  string
}

// ApplyAuth sets the Authorization header (or query parameter) on req.
func ApplyAuth(req *http.Request, auth Auth) error {
	if auth.Value == "" {
		return fmt.Errorf("auth value is required")
	}

	switch auth.Type {
	case "bearer", "":
		req.Header.Set("Authorization", "Bearer "+auth.Value)

	case "api_key":
		if auth.Location == "query" {
			q := req.URL.Query()
			paramName := auth.ParamName
			if paramName == "" {
				paramName = "api_key"
			}
			q.Set(paramName, auth.Value)
			req.URL.RawQuery = q.Encode()
		} else {
			headerName := auth.HeaderName
			if headerName == "" {
				headerName = "X-API-Key"
			}
			req.Header.Set(headerName, auth.Value)
		}

	case "basic":
		req.SetBasicAuth(auth.Username, auth.Value)

	default:
		return fmt.Errorf("unsupported auth type: %s", auth.Type)
	}

	return nil
}
