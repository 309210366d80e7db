package proxy

import (
	"net/http"
	"strings"
)

const (
	HeaderTargetURL = "X-Target-URL"
	HeaderProxiedBy = "X-Proxied-By"
	ProxiedByValue  = "xvpn"
)

// Response headers the gateway owns. When already set on the relay writer,
// the destination's values are dropped.
var gatewayHeaders = map[string]bool{
	"Access-Control-Allow-Origin":  true,
	"Access-Control-Allow-Methods": true,
	"Access-Control-Allow-Headers": true,
	"Access-Control-Max-Age":       true,
	"X-Ratelimit-Limit":            true,
	"X-Ratelimit-Remaining":        true,
	"X-Ratelimit-Reset":            true,
	"Retry-After":                  true,
	"X-Request-Id":                 true,
}

// Connection-scoped headers that never cross the proxy in either direction
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Caller headers the destination must never see
var requestStripHeaders = []string{
	HeaderTargetURL,
	"Authorization",
}

// Headers sent to the destination: the caller's headers minus hop-by-hop,
// the destination selector and the caller's credential, with our user agent.
func OutboundHeaders(in http.Header, userAgent string) http.Header {
	out := in.Clone()
	if out == nil {
		out = make(http.Header)
	}

	removeHopByHop(out)
	for _, h := range requestStripHeaders {
		out.Del(h)
	}
	out.Set("User-Agent", userAgent)

	return out
}

// Headers relayed to the caller: the destination's headers minus hop-by-hop,
// plus the proxy marker.
func ResponseHeaders(in http.Header) http.Header {
	out := in.Clone()
	if out == nil {
		out = make(http.Header)
	}

	removeHopByHop(out)
	out.Set(HeaderProxiedBy, ProxiedByValue)

	return out
}

func removeHopByHop(h http.Header) {
	// Headers listed in Connection are hop-by-hop too
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// Union of Vary field names, first spelling kept. "*" absorbs everything else.
func mergeVary(values ...[]string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, vs := range values {
		for _, v := range vs {
			for _, name := range strings.Split(v, ",") {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				if name == "*" {
					return []string{"*"}
				}
				key := http.CanonicalHeaderKey(name)
				if seen[key] {
					continue
				}
				seen[key] = true
				names = append(names, name)
			}
		}
	}
	if len(names) == 0 {
		return nil
	}
	return []string{strings.Join(names, ", ")}
}
