package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

type middlewareFunc func(http.Handler) http.Handler

// chainMiddleware wraps h so that the last middleware listed runs first.
func chainMiddleware(h http.Handler, mws ...middlewareFunc) http.Handler {
	for _, m := range mws {
		h = m(h)
	}
	return h
}

func recoverHandler(next http.Handler) http.Handler {
	return middleware.Recoverer(next)
}

func realIPHandler(next http.Handler) http.Handler {
	return middleware.RealIP(next)
}

// requestIDHandler assigns a request id and puts a logger carrying it into
// the request context.
func requestIDHandler(next http.Handler) http.Handler {
	withLogger := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id := middleware.GetReqID(ctx)
		w.Header().Set(middleware.RequestIDHeader, id)
		logger := log.Ctx(ctx).With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(ctx)))
	})
	return middleware.RequestID(withLogger)
}

func loggerHandler(skip func(w http.ResponseWriter, r *http.Request) bool) middlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip != nil && skip(w, r) {
				next.ServeHTTP(w, r)
				return
			}
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.Ctx(r.Context()).Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

func corsHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
