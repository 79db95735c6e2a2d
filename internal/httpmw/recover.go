package httpmw

import (
	"net/http"

	"github.com/courseloop/guardrail/internal/log"
	"github.com/courseloop/guardrail/internal/xerrors"
)

// Recover converts handler panics into 500s instead of killed connections.
// onPanic, if set, is called after logging (used to bump the panic counter).
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				// the server panics with this to abort in-flight responses
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				err, ok := rec.(error)
				if ok {
					err = xerrors.WithStack(err)
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				L := base.With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
				)
				L.Error(r.Context(), err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
