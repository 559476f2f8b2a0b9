package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/kiranshivaraju/hubfeed-agent/internal/api/response"
)

// wroteRecorder notes whether the handler started its response.
type wroteRecorder struct {
	http.ResponseWriter
	wrote bool
}

func (w *wroteRecorder) WriteHeader(code int) {
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *wroteRecorder) Write(b []byte) (int, error) {
	w.wrote = true
	return w.ResponseWriter.Write(b)
}

// Recovery turns a handler panic into a 500 envelope. A panic after the
// handler began writing (a long browser login streaming its result, say) is
// only logged, since the status line is already gone. http.ErrAbortHandler
// is re-raised for net/http to handle.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &wroteRecorder{ResponseWriter: w}
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			if err == http.ErrAbortHandler {
				panic(err)
			}
			slog.Error("panic in control API handler",
				"error", err,
				"stack", string(debug.Stack()),
				"request_id", GetRequestID(r),
				"method", r.Method,
				"path", r.URL.Path,
				"response_started", rec.wrote,
			)
			if rec.wrote {
				return
			}
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(rec, r)
	})
}
