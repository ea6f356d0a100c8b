package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

// maxLoggedBody caps how much of a body is parsed for logging.
const maxLoggedBody = 16 << 10

// sensitiveFields are matched as substrings of lower-cased header and JSON keys.
var sensitiveFields = []string{
	"authorization",
	"token",
	"secret",
	"signature",
	"password",
	"api_key",
	"access_key",
	"image_base64",
	"cookie",
}

func LoggingMiddleware(lg *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			log := lg
			if l := logger.From(r.Context()); l != nil {
				log = l
			}
			reqID := middleware.GetReqID(r.Context())

			logRequest(log, r, reqID)

			ww := &responseWriter{ResponseWriter: w, body: &bytes.Buffer{}}
			next.ServeHTTP(ww, r)

			logResponse(log, r, ww, time.Since(start), reqID)
		})
	}
}

// responseWriter keeps the status and the first bytes of the body for logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - rw.body.Len(); room > 0 {
		if len(b) > room {
			rw.body.Write(b[:room])
		} else {
			rw.body.Write(b)
		}
	}
	return rw.ResponseWriter.Write(b)
}

func logRequest(log *slog.Logger, r *http.Request, reqID string) {
	bodyBytes, truncated := peekBody(r)
	body := filterSensitiveBody(bodyBytes)
	if truncated {
		body = "[TRUNCATED]"
	}

	log.Info("incoming request",
		"request_id", reqID,
		"method", r.Method,
		"path", r.URL.Path,
		"query", filterQuery(r.URL.Query()),
		"remote_addr", r.RemoteAddr,
		"user_agent", r.UserAgent(),
		"headers", filterSensitiveHeaders(r.Header),
		"body", body,
	)
}

// peekBody reads at most maxLoggedBody+1 bytes and puts them back in front of
// the unread remainder. Chunked bodies carry ContentLength -1 and are peeked
// the same way, never buffered whole.
func peekBody(r *http.Request) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return nil, false
	}
	if r.ContentLength > maxLoggedBody {
		return nil, true
	}

	head, err := io.ReadAll(io.LimitReader(r.Body, maxLoggedBody+1))
	var rest io.Reader = r.Body
	if err != nil {
		rest = failedReader{err: err}
	}
	r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(head), rest), Closer: r.Body}

	if len(head) > maxLoggedBody {
		return nil, true
	}
	return head, false
}

type replayBody struct {
	io.Reader
	io.Closer
}

// failedReader hands a read error from the peek on to the handler.
type failedReader struct {
	err error
}

func (f failedReader) Read([]byte) (int, error) {
	return 0, f.err
}

func logResponse(log *slog.Logger, r *http.Request, rw *responseWriter, duration time.Duration, reqID string) {
	statusCode := rw.statusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}

	level := slog.LevelInfo
	switch {
	case statusCode >= 500:
		level = slog.LevelError
	case statusCode >= 400:
		level = slog.LevelWarn
	}

	log.Log(r.Context(), level, "response",
		"request_id", reqID,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
		"body", filterSensitiveBody(rw.body.Bytes()),
	)
}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

func filterSensitiveHeaders(headers http.Header) map[string]string {
	filtered := make(map[string]string, len(headers))
	for name, values := range headers {
		if isSensitive(name) {
			filtered[name] = "[FILTERED]"
			continue
		}
		filtered[name] = strings.Join(values, ", ")
	}
	return filtered
}

func filterQuery(values map[string][]string) map[string]string {
	filtered := make(map[string]string, len(values))
	for name, v := range values {
		if isSensitive(name) {
			filtered[name] = "[FILTERED]"
			continue
		}
		filtered[name] = strings.Join(v, ",")
	}
	return filtered
}

func filterSensitiveBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		if isSensitive(string(body)) {
			return "[FILTERED - Contains sensitive data]"
		}
		return string(body)
	}

	out, err := json.Marshal(filterSensitiveJSON(data))
	if err != nil {
		return "[ERROR - Failed to marshal filtered JSON]"
	}
	return string(out)
}

func filterSensitiveJSON(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}:
		filtered := make(map[string]interface{}, len(v))
		for key, value := range v {
			if isSensitive(key) {
				filtered[key] = "[FILTERED]"
			} else {
				filtered[key] = filterSensitiveJSON(value)
			}
		}
		return filtered
	case []interface{}:
		filtered := make([]interface{}, len(v))
		for i, item := range v {
			filtered[i] = filterSensitiveJSON(item)
		}
		return filtered
	default:
		return v
	}
}
