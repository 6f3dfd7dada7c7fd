package factory

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/provider"
	openaiProvider "chatrelay/internal/provider/openai"
)

const (
	defaultDialTimeout           = 10 * time.Second
	defaultKeepAlive             = 30 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultResponseHeaderTimeout = 60 * time.Second
)

// NewProvider constructs the upstream provider from configuration.
func NewProvider(cfg config.Config) (provider.Provider, error) {
	if cfg.Upstream.APIKey == "" {
		return nil, errors.New("upstream api key must not be empty")
	}

	p, err := openaiProvider.New("openai", cfg.Upstream, NewHTTPClient(cfg.Upstream.Headers))
	if err != nil {
		return nil, fmt.Errorf("initialise openai provider: %w", err)
	}
	return p, nil
}

// NewHTTPClient returns a client suited to long-lived streaming responses.
// There is no overall timeout; request contexts bound each call.
func NewHTTPClient(headers config.Headers) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: defaultResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	var rt http.RoundTripper = transport
	if len(headers) > 0 {
		rt = &headerTransport{base: transport, headers: headers}
	}
	return &http.Client{Transport: rt}
}

// headerTransport adds configured headers to every outbound request.
type headerTransport struct {
	base    http.RoundTripper
	headers config.Headers
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
