package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/yori-gw/yori/internal/ctxkeys"
	yorierrors "github.com/yori-gw/yori/internal/errors"
)

// retryBackoff is the pause before the single retry on a transport error.
const retryBackoff = 250 * time.Millisecond

// Forwarder relays allowed requests to the upstream provider. It uses
// http.Client directly instead of httputil.ReverseProxy to keep full control
// over header management, the timeout taxonomy, and the retry behavior.
type Forwarder struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewTransport creates the upstream http.Transport. Providers stream
// responses (SSE token streams), so there is no response read deadline beyond
// the header timeout; the per-request context bounds the whole exchange.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// NewForwarder creates a Forwarder. timeout bounds the whole upstream
// exchange including body streaming; zero means 30s.
func NewForwarder(transport http.RoundTripper, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		client:  &http.Client{Transport: transport},
		timeout: timeout,
		logger:  logger,
	}
}

// Forward relays the request to targetURL and streams the response back.
// A timeout maps to 504; any other transport error is retried once with a
// short backoff, then maps to 502. The client disconnecting cancels the
// upstream exchange through the request context. Returns the upstream status
// code (0 when nothing was written).
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, targetURL string, body io.Reader) (int, error) {
	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	resp, err := f.attempt(ctx, r, targetURL, body)
	if err != nil {
		if isTimeout(ctx, err) {
			yorierrors.WriteHTTPError(w, yorierrors.ErrUpstreamTimeout)
			return 0, fmt.Errorf("upstream timeout: %w", err)
		}
		// One bounded retry for transient transport failures. Only safe
		// when the body can be replayed.
		if seeker, ok := body.(io.Seeker); ok {
			if _, serr := seeker.Seek(0, io.SeekStart); serr == nil {
				select {
				case <-time.After(retryBackoff):
				case <-ctx.Done():
				}
				resp, err = f.attempt(ctx, r, targetURL, body)
			}
		}
		if err != nil {
			if isTimeout(ctx, err) {
				yorierrors.WriteHTTPError(w, yorierrors.ErrUpstreamTimeout)
				return 0, fmt.Errorf("upstream timeout: %w", err)
			}
			attrs := []any{"target", targetURL, "error", err}
			if d, ok := ctxkeys.DecisionFrom(ctx); ok {
				attrs = append(attrs, "policy", d.PolicyName, "rule", d.Rule)
			}
			f.logger.Warn("upstream request failed", attrs...)
			yorierrors.WriteHTTPError(w, yorierrors.ErrUpstreamUnavailable)
			return 0, fmt.Errorf("upstream request failed: %w", err)
		}
	}
	defer resp.Body.Close()

	copyHeadersFiltered(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	// Stream the body through; providers send SSE token streams, so flush
	// as data arrives rather than buffering.
	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil {
		// The response is already underway; nothing to send the client.
		f.logger.Debug("upstream body copy interrupted", "error", err)
	}

	return resp.StatusCode, nil
}

func (f *Forwarder) attempt(ctx context.Context, r *http.Request, targetURL string, body io.Reader) (*http.Response, error) {
	upstreamURL := targetURL
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, body)
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}

	copyHeadersFiltered(req.Header, r.Header)

	clientIP := stripPort(r.RemoteAddr)
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		req.Header.Set("X-Forwarded-For", clientIP)
	}

	return f.client.Do(req)
}

// isTimeout reports whether err stems from the per-request deadline.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// flushWriter flushes after every write so streamed tokens reach the client
// immediately.
type flushWriter struct {
	w http.ResponseWriter
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}
