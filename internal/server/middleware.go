package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	goamiddleware "goa.design/goa/v3/middleware"
)

// RequestID returns the id the goa RequestID middleware assigned to the
// request, if any
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(goamiddleware.RequestIDKey).(string)
	return id
}

// zapAdapter lets the goa request logger write through zap
type zapAdapter struct {
	logger *zap.SugaredLogger
}

var _ goamiddleware.Logger = (*zapAdapter)(nil)

func (a *zapAdapter) Log(keyvals ...any) error {
	a.logger.Debugw("request", keyvals...)
	return nil
}

// echoRequestID returns the request id to the caller
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := RequestID(r.Context()); id != "" {
			w.Header().Set("X-Request-Id", id)
		}
		next.ServeHTTP(w, r)
	})
}

// withRequestLogging applies the goa request id and log middlewares.
// Incoming X-Request-Id headers are honoured up to 128 bytes.
func withRequestLogging(h http.Handler, logger *zap.SugaredLogger) http.Handler {
	h = echoRequestID(h)
	h = httpmdlwr.Log(&zapAdapter{logger: logger})(h)
	h = httpmdlwr.RequestID(
		httpmdlwr.UseXRequestIDHeaderOption(true),
		httpmdlwr.XRequestHeaderLimitOption(128),
	)(h)
	return h
}
