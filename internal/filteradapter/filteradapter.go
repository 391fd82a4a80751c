// Package filteradapter wraps an HTTP handler with SentinAI's detection
// pipeline: request analysis before the handler runs, verdict enforcement,
// response body caching and rewriting after it returns, and async
// submission either way. Expressed as a standard net/http middleware
// (statusWriter, request-ID injection, failure-boundary logging around
// every external call).
package filteradapter

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinai/sentinai/internal/engine"
	"github.com/sentinai/sentinai/internal/eventmodel"
)

const maxCachedRequestBody = 1 << 20 // 1MB, matches DLP's own response-side cap

// IdentityResolver extracts the authenticated principal's user id from a
// request, the way a host application's own auth middleware would expose
// it. Return nil if the request carries no resolved identity — the
// adapter then falls back to decoding a Basic-auth username.
type IdentityResolver func(*http.Request) *string

// Adapter is the HTTP-facing half of SentinAI: a middleware that drives an
// *engine.Engine across the request/response round-trip.
type Adapter struct {
	engine   *engine.Engine
	identity IdentityResolver
	logger   *slog.Logger
}

// New builds an Adapter. identity may be nil, in which case only the
// Basic-auth fallback is used to resolve a user id.
func New(eng *engine.Engine, identity IdentityResolver, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{engine: eng, identity: identity, logger: logger}
}

// Middleware returns the http.Handler wrapping next with SentinAI's
// pipeline.
func (a *Adapter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := uuid.New().String()[:8]

		event, body, err := a.buildRequestEvent(r, requestID)
		if err != nil {
			a.logger.Error("filter-adapter: inbound event construction failed, request not blocked", "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if body != nil {
			r.Body = bodyReader{bytes.NewReader(body)}
		}

		verdict := a.engine.ProcessRequest(*event)
		if verdict.IsThreat() && isDenyAction(verdict.Action) {
			a.writeBlocked(w, verdict, requestID)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		func() {
			defer func() {
				if p := recover(); p != nil {
					rec.flush()
					withResponse := event.WithResponseData(rec.status, time.Since(start).Milliseconds())
					a.engine.SubmitForAsyncAnalysis(withResponse)
					panic(p)
				}
			}()
			next.ServeHTTP(rec, r)
		}()

		a.processOutbound(rec, event.Path, requestID)

		withResponse := event.WithResponseData(rec.status, time.Since(start).Milliseconds())
		a.engine.SubmitForAsyncAnalysis(withResponse)

		rec.flush()
	})
}

func (a *Adapter) processOutbound(rec *responseRecorder, path, requestID string) {
	defer func() {
		if p := recover(); p != nil {
			a.logger.Error("filter-adapter: outbound analysis panic", "panic", p)
		}
	}()

	if rec.buf.Len() == 0 || !isJSONResponse(rec.Header().Get("Content-Type")) {
		return
	}

	resp := eventmodel.ResponseEvent{
		RequestID:   requestID,
		Path:        path,
		StatusCode:  rec.status,
		ContentType: rec.Header().Get("Content-Type"),
		Body:        rec.buf.String(),
	}
	processed := a.engine.ProcessResponse(resp)
	if processed.Body != resp.Body {
		rec.buf.Reset()
		rec.buf.WriteString(processed.Body)
	}
}

func (a *Adapter) writeBlocked(w http.ResponseWriter, verdict eventmodel.ThreatVerdict, requestID string) {
	status := http.StatusForbidden
	if verdict.Action == eventmodel.ActionThrottle {
		status = http.StatusTooManyRequests
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":"Request blocked by SentinAI","reason":"%s","requestId":"%s"}`,
		jsonEscape(verdict.Reason), requestID)
}

func (a *Adapter) buildRequestEvent(r *http.Request, requestID string) (*eventmodel.RequestEvent, []byte, error) {
	var bodyBytes []byte
	var bodyPtr *string
	if r.Body != nil {
		limited := io.LimitReader(r.Body, maxCachedRequestBody)
		buf, err := io.ReadAll(limited)
		if err != nil {
			return nil, nil, fmt.Errorf("reading request body: %w", err)
		}
		bodyBytes = buf
		if len(buf) > 0 {
			s := string(buf)
			bodyPtr = &s
		}
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[strings.ToLower(name)] = r.Header.Get(name)
	}

	userID := a.resolveIdentity(r)
	sourceIP := sourceIPFrom(r)

	event := eventmodel.RequestEvent{
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Headers:   headers,
		Body:      bodyPtr,
		SourceIP:  sourceIP,
		UserAgent: r.Header.Get("User-Agent"),
		UserID:    userID,
		Timestamp: time.Now(),
	}
	return &event, bodyBytes, nil
}

// resolveIdentity prefers the host application's own resolved principal and
// falls back to decoding a Basic-auth username — the original's pragmatic
// fallback for routes the host's security layer doesn't cover.
func (a *Adapter) resolveIdentity(r *http.Request) *string {
	if a.identity != nil {
		if uid := a.identity(r); uid != nil {
			return uid
		}
	}

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authHeader), "basic ") {
		return nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(authHeader[len("Basic "):]))
	if err != nil {
		return nil
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) == 0 || parts[0] == "" {
		return nil
	}
	return &parts[0]
}

// sourceIPFrom resolves the client address with the same fallback order as
// the original: X-Forwarded-For, then X-Real-IP, then the connection's
// remote address. A comma-separated X-Forwarded-For takes its first hop.
func sourceIPFrom(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}

func isDenyAction(action eventmodel.Action) bool {
	return action == eventmodel.ActionBlock || action == eventmodel.ActionThrottle || action == eventmodel.ActionChallenge
}

func isJSONResponse(contentType string) bool {
	return strings.Contains(contentType, "json")
}

func jsonEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// responseRecorder buffers the handler's response so DLP and friends can
// rewrite the body before anything reaches the wire, mirroring
// ContentCachingResponseWrapper's role in the original.
type responseRecorder struct {
	http.ResponseWriter
	buf         bytes.Buffer
	status      int
	wroteHeader bool
	flushed     bool
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.status = status
	r.wroteHeader = true
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.buf.Write(b)
}

// flush copies the recorded status and body to the underlying
// ResponseWriter exactly once.
func (r *responseRecorder) flush() {
	if r.flushed {
		return
	}
	r.flushed = true
	r.ResponseWriter.WriteHeader(r.status)
	r.buf.WriteTo(r.ResponseWriter)
}

// bodyReader lets the handler re-read the request body after the adapter
// has already consumed it to build the event.
type bodyReader struct {
	*bytes.Reader
}

func (bodyReader) Close() error { return nil }
