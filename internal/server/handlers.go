package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"alertrelay/internal/alert"
	"alertrelay/internal/delivery"
	logx "alertrelay/pkg/logx"
)

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	wh, err := alert.ParseWebhook(r.Body)
	if err != nil {
		code := http.StatusBadRequest
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			code = http.StatusRequestEntityTooLarge
		}
		s.log.Warn("webhook rejected",
			logx.String("request_id", middleware.GetReqID(r.Context())), logx.Int("status", code), logx.Err(err))
		s.writeError(w, r, code, err)
		return
	}

	res := s.proc.Process(r.Context(), wh.Events())
	render.Status(r, StatusFor(res))
	render.JSON(w, r, res)
}

// StatusFor maps a batch result to its HTTP status. A failed target wins
// over the acknowledgment so Alertmanager retries the batch.
func StatusFor(res delivery.Result) int {
	if res.Failed() {
		return http.StatusBadGateway
	}
	if res.Ack == delivery.AckUnrecognizedStatus {
		return http.StatusUnprocessableEntity
	}
	return http.StatusOK
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		err := s.ready.Ping(ctx)
		cancel()
		if err != nil {
			s.log.Warn("readiness check failed", logx.Err(err))
			s.writeError(w, r, http.StatusServiceUnavailable, err)
			return
		}
	}
	render.JSON(w, r, map[string]string{"status": "ready"})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	render.Status(r, code)
	render.JSON(w, r, errorResponse{Error: err.Error(), RequestID: middleware.GetReqID(r.Context())})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []logx.Field{
				logx.String("request_id", middleware.GetReqID(r.Context())),
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.String("remote", r.RemoteAddr),
				logx.Int("status", status),
				logx.Int("bytes", ww.BytesWritten()),
				logx.Duration("took", time.Since(start)),
			}
			if status >= 500 {
				s.log.Warn("http request", fields...)
				return
			}
			s.log.Debug("http request", fields...)
		}()
		next.ServeHTTP(ww, r)
	})
}
