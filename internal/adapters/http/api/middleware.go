package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"

	"github.com/okian/outreachops/pkg/logger"
	"github.com/okian/outreachops/pkg/metrics"
)

// Instrument records the latency and status of every request to endpoint.
// Responses of 400 and above also count against the http_<endpoint>
// component, classed by statusClass.
func Instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)

		metrics.RecordHTTPRequest(endpoint, r.Method, strconv.Itoa(sw.status), float64(time.Since(start).Milliseconds()))
		if class := statusClass(sw.status); class != "" {
			metrics.RecordErrorByComponent("http_"+endpoint, class)
		}
	}
}

// statusClass names the failure a status reports, or "" for success.
func statusClass(status int) string {
	switch {
	case status < http.StatusBadRequest:
		return ""
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	case status == http.StatusServiceUnavailable:
		return "unavailable"
	case status == http.StatusNotFound:
		return "not_found"
	case status >= http.StatusInternalServerError:
		return "server_error"
	default:
		return "validation"
	}
}

// statusWriter remembers the status written through it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// recoveryLogger adapts the service logger to handlers.RecoveryHandlerLogger.
type recoveryLogger struct {
	log logger.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	metrics.RecordErrorByComponent("http", "panic")
	l.log.Error(context.Background(), "handler panic recovered", logger.String("panic", fmt.Sprint(v...)))
}

// Middleware adds panic recovery and CORS. Origins default to "*".
func Middleware(next http.Handler, log logger.Logger, origins ...string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", SessionHeader}),
		handlers.ExposedHeaders([]string{"Retry-After"}),
	)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{log: log}),
		handlers.PrintRecoveryStack(false),
	)
	return recovery(cors(next))
}
