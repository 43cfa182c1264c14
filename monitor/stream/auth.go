package stream

import (
	"net/http"
	"time"
)

const defaultFetchTimeout = 10 * time.Second

type Credentials struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Complete reports whether both parts are present.
// Partial credentials never produce an Authorization header.
func (c *Credentials) Complete() bool {
	return c != nil && c.Username != "" && c.Password != ""
}

func (c *Credentials) clone() *Credentials {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func sameCredentials(a, b *Credentials) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type basicAuthTransport struct {
	base     http.RoundTripper
	username string
	password string
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(r)
}

// NewHTTPClient returns a client which adds Basic authorization to every
// request when creds are complete.
func NewHTTPClient(base http.RoundTripper, creds *Credentials, timeout time.Duration) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	client := &http.Client{Transport: base, Timeout: timeout}
	if creds.Complete() {
		client.Transport = &basicAuthTransport{
			base:     base,
			username: creds.Username,
			password: creds.Password,
		}
	}
	return client
}
