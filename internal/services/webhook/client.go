package webhook

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/NordCoder/Herald/internal/obs"
)

// NewHTTPClient builds the outbound client. Redirects are not followed: a 3xx
// answer is reported as-is. Timeouts are applied per attempt by the caller.
func NewHTTPClient(dialTimeout time.Duration) *http.Client {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}
	return &http.Client{
		Transport: obs.HTTPTransport(transport),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
