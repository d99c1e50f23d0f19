// Package httpx is a convenience wrapper around the http.ServeMux type that
// allows us to return errors from our handlers.
// see https://blog.questionable.services/article/http-handler-error-handling-revisited/ for more details.
package httpx

import (
	"errors"
	"net/http"

	"github.com/go-json-experiment/json"
	"golang.org/x/exp/slog"
)

// Error is a convenience function for returning an error with an associated HTTP status code.
func Error(code int, err error) error {
	return &StatusError{code, err}
}

// StatusError represents an error with an associated HTTP status code.
type StatusError struct {
	Code int
	Err  error
}

// Allows StatusError to satisfy the error interface.
func (se *StatusError) Error() string {
	return se.Err.Error()
}

// Returns our HTTP status code.
func (se *StatusError) Status() int {
	return se.Code
}

func (se *StatusError) Unwrap() error {
	return se.Err
}

// logger is implemented by environments that carry their own logger.
type logger interface {
	Log() *slog.Logger
}

// HandlerFunc adapts a function that returns an error to an http.HandlerFunc.
// Errors are logged with the environment's logger if it has one.
func HandlerFunc[E any](envFn func(r *http.Request) *E, fn func(*E, http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env := envFn(r)
		err := fn(env, w, r)
		if err == nil {
			return
		}
		log := slog.Default()
		if l, ok := any(env).(logger); ok {
			log = l.Log()
		}
		code := http.StatusInternalServerError
		msg := http.StatusText(code)
		if se := new(StatusError); errors.As(err, &se) {
			code = se.Status()
			msg = se.Error()
		}
		log.Info("HTTP", "method", r.Method, "path", r.URL.Path, "status", code, "err", err)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		json.MarshalFull(w, map[string]any{
			"error": msg,
		})
	}
}
