package httpmiddleware

import (
	"net/http"

	"github.com/boypt/selective-torrent/common"
)

// Liveness answers /healthz. Until ready reports true it answers 503 so
// health checks wait for the engine to come up.
func Liveness(h http.Handler, ready func() bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// liveness response
		if r.URL.Path == "/healthz" {
			if ready != nil && !ready() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, err := w.Write([]byte("STARTING"))
				common.HandleError(err)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, err := w.Write([]byte("OK"))
			common.HandleError(err)
			return
		}
		h.ServeHTTP(w, r)
	})
}
