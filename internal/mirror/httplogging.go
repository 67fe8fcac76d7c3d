package mirror

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type loggingHandler struct {
	log  *slog.Logger
	next http.Handler
}

func newLoggingHandler(log *slog.Logger, next http.Handler) *loggingHandler {
	return &loggingHandler{log: log, next: next}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status        int
	size          int
	headerWritten bool
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.headerWritten {
		return
	}
	w.status = code
	w.headerWritten = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func (h *loggingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	msg := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
	lrw := &loggingResponseWriter{ResponseWriter: w}

	defer func() {
		dur := time.Since(start).Milliseconds()
		if rec := recover(); rec != nil {
			h.log.Error(msg, slog.Any("panic", rec), slog.Int("status", http.StatusInternalServerError), slog.Int64("ms", dur))
			if !lrw.headerWritten {
				http.Error(lrw, "internal server error", http.StatusInternalServerError)
			}
			return
		}
		h.log.Info(msg, slog.Int("status", lrw.status), slog.Int("bytes", lrw.size), slog.Int64("ms", dur))
	}()

	h.next.ServeHTTP(lrw, r)
}
