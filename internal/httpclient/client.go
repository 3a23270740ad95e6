// Package httpclient builds the outbound HTTP clients the attempt
// executor uses to reach upstream providers. Upstream endpoint base URLs
// are admin-configured rather than user-supplied, so no SSRF
// dial-context guard is wired into the relay client.
package httpclient

import (
	"crypto/tls"
	"net/http"
	"net/url"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"

	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/logger"
)

// Upstream is the shared client used to dispatch attempts against provider
// endpoints. Timeout is zero (no deadline) unless UPSTREAM_TIMEOUT_SECONDS
// is set — streaming responses need to run longer than a fixed deadline
// would allow, so the executor layers context deadlines on a per-attempt
// basis instead of relying on this client's own Timeout in the common case.
var Upstream *http.Client

// Impatient is a short-timeout client for cheap non-streaming calls such as
// provider health probes.
var Impatient *http.Client

func createTransport(proxyURL *url.URL) *http.Transport {
	transport := &http.Transport{
		// HTTP/2 is disabled to avoid stream-level errors some upstream
		// gateways exhibit under it.
		TLSNextProto: make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),
	}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return transport
}

// Init builds Upstream and Impatient from config. Call once at boot.
func Init() error {
	var proxyURL *url.URL
	if config.UpstreamProxy != "" {
		var err error
		proxyURL, err = url.Parse(config.UpstreamProxy)
		if err != nil {
			return errors.Wrapf(err, "parse upstream proxy %s", config.UpstreamProxy)
		}
		logger.Info("using upstream proxy", zap.String("proxy", config.UpstreamProxy))
	}

	transport := createTransport(proxyURL)

	Upstream = &http.Client{
		Transport: transport,
		Timeout:   config.UpstreamTimeout,
	}
	Impatient = &http.Client{
		Transport: transport,
		Timeout:   config.ImpatientHTTPTimeout,
	}
	return nil
}

// IsTimeout reports whether err represents a client-side deadline or
// context-cancellation timeout, used by the executor's outcome classifier
// to distinguish from a NETWORK_ERROR.
func IsTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}
