package relay

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HealthBody is returned by GET /.
const HealthBody = "Gotcha!"

// Register mounts the inbound surface on r:
// GET / answers HealthBody, POST /{converter}/... relays, any other GET
// is a 404 and any other method a 405.
func (e *Engine) Register(r chi.Router) {
	r.NotFound(emptyStatus(http.StatusNotFound))
	r.MethodNotAllowed(emptyStatus(http.StatusMethodNotAllowed))

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(HealthBody))
	})
	r.Get("/*", emptyStatus(http.StatusNotFound))

	r.Post("/", e.ServeHTTP)
	r.Post("/*", e.ServeHTTP)
}

func emptyStatus(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	}
}
