package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/aman-churiwal/xvpn-gateway/internal/circuitbreaker"
	"github.com/rs/zerolog"
)

// Returned for every failure to get a response from the destination,
// including an open circuit for its host.
type ForwardError struct {
	Target string
	Err    error
}

func (e *ForwardError) Error() string {
	return fmt.Sprintf("forward to %s failed: %v", e.Target, e.Err)
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

// Message suitable for the caller
func (e *ForwardError) Details() string {
	if errors.Is(e.Err, circuitbreaker.ErrCircuitOpen) {
		return "destination temporarily unavailable (circuit open)"
	}
	return e.Err.Error()
}

var errRedirectRefused = errors.New("redirect refused")

type Config struct {
	Timeout      time.Duration
	UserAgent    string
	MaxRedirects int
	// Consulted for every redirect hop; nil allows all
	RedirectPolicy func(*url.URL) error
	// nil disables per-host circuit breaking
	Breaker   *circuitbreaker.Config
	Transport http.RoundTripper
}

type Request struct {
	Method string
	Header http.Header
	Body   io.Reader
	// -1 when unknown
	ContentLength int64
	Target        *url.URL
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

type Forwarder struct {
	client    *http.Client
	userAgent string
	breakers  *circuitbreaker.Registry
	logger    zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Forwarder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "xvpn-proxy/1.0"
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 10
	}
	if cfg.Transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		// bodies are relayed exactly as the destination encoded them
		t.DisableCompression = true
		cfg.Transport = t
	}

	maxRedirects := cfg.MaxRedirects
	redirectPolicy := cfg.RedirectPolicy

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: cfg.Transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if redirectPolicy != nil {
				if err := redirectPolicy(req.URL); err != nil {
					return fmt.Errorf("%w to %s: %v", errRedirectRefused, req.URL.Host, err)
				}
			}
			return nil
		},
	}

	var breaker *circuitbreaker.Config
	if cfg.Breaker != nil {
		b := *cfg.Breaker
		next := b.OnStateChange
		b.OnStateChange = func(host string, from, to circuitbreaker.State) {
			logger.Warn().Str("host", host).Stringer("from", from).Stringer("to", to).Msg("destination circuit changed state")
			if next != nil {
				next(host, from, to)
			}
		}
		breaker = &b
	}

	return &Forwarder{
		client:    client,
		userAgent: cfg.UserAgent,
		breakers:  circuitbreaker.NewRegistry(breaker),
		logger:    logger,
	}
}

// Issues req to its target and returns the destination's response with
// relay-safe headers. The caller must close the response body.
// Cancelling ctx aborts the outbound call.
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Response, error) {
	target := req.Target.String()

	var body io.Reader
	if carriesBody(req.Method) {
		body = req.Body
	}

	outReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, &ForwardError{Target: target, Err: err}
	}
	outReq.Header = OutboundHeaders(req.Header, f.userAgent)
	if body != nil && req.ContentLength > 0 {
		outReq.ContentLength = req.ContentLength
	}

	var (
		resp  *http.Response
		doErr error
	)
	call := func() error {
		resp, doErr = f.client.Do(outReq)
		// a refused redirect or a departed caller says nothing about the host's health
		if doErr == nil || errors.Is(doErr, errRedirectRefused) || ctx.Err() != nil {
			return nil
		}
		return doErr
	}

	if cb := f.breakers.Get(req.Target.Host); cb != nil {
		if err := cb.Call(call); errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			doErr = err
		}
	} else {
		_ = call()
	}

	if doErr != nil {
		f.logger.Debug().Err(doErr).Str("target", target).Msg("forward failed")
		return nil, &ForwardError{Target: target, Err: unwrapURLError(doErr)}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     ResponseHeaders(resp.Header),
		Body:       resp.Body,
	}, nil
}

// Breaker state per destination host that is not closed
func (f *Forwarder) TrippedHosts() map[string]circuitbreaker.State {
	return f.breakers.Tripped()
}

// Closes the circuit for host; false when the host has no breaker
func (f *Forwarder) ResetHost(host string) bool {
	return f.breakers.Reset(host)
}

// Copies a forwarded response to w. Gateway-owned headers already set on w
// (its CORS keys, rate limit, request id) win over the destination's, Vary is
// merged, and every other destination header is relayed as is.
func WriteResponse(w http.ResponseWriter, resp *Response) (int64, error) {
	dst := w.Header()
	for name, values := range resp.Header {
		switch {
		case name == "Vary":
			if merged := mergeVary(dst.Values("Vary"), values); merged != nil {
				dst["Vary"] = merged
			}
		case gatewayHeaders[name]:
			if _, taken := dst[name]; !taken {
				dst[name] = values
			}
		default:
			dst[name] = values
		}
	}
	w.WriteHeader(resp.StatusCode)

	return io.Copy(w, resp.Body)
}

func carriesBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

// *url.Error repeats the method and URL; keep the cause, but surface timeouts plainly
func unwrapURLError(err error) error {
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		return err
	}

	var netErr net.Error
	if errors.As(urlErr.Err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("timeout: %w", urlErr.Err)
	}
	return urlErr.Err
}
