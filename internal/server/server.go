package server

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"path"
	"strings"
	"time"
)

const shutdownGrace = 5 * time.Second

// ControlHooks are the live call surfaces exposed over HTTP. Nil fields
// leave the matching routes unregistered.
type ControlHooks struct {
	Calls    CallController
	Bus      Publisher
	Warnings func() []string
}

// Handler builds the full route table. staticFS must contain index.html.
func Handler(staticFS fs.FS, hub *Hub, store CallStore, controls ControlHooks) (http.Handler, error) {
	if _, err := fs.Stat(staticFS, "index.html"); err != nil {
		return nil, fmt.Errorf("static assets: %w", err)
	}

	mux := http.NewServeMux()
	registerWSRoute(mux, hub, controls.Bus)
	registerCallRoutes(mux, controls)
	registerEventRoutes(mux, controls.Bus)
	registerAPIRoutes(mux, store, controls)
	mux.HandleFunc("/", serveSPA(staticFS))

	return logMutations(rejectCrossSite(mux)), nil
}

// Serve runs the HTTP server until ctx is cancelled.
func Serve(ctx context.Context, addr string, staticFS fs.FS, hub *Hub, store CallStore, controls ControlHooks) error {
	h, err := Handler(staticFS, hub, store, controls)
	if err != nil {
		return err
	}

	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown: %v", err)
		}
	}()

	log.Printf("web UI at http://%s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-stopped
	return nil
}

// logMutations logs every non-GET request, which covers the call controls
// and published events.
func logMutations(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			log.Printf("%s %s", r.Method, r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

// serveSPA serves real files as-is and index.html for client-side routes.
func serveSPA(staticFS fs.FS) http.HandlerFunc {
	files := http.FileServer(http.FS(staticFS))
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/ws" {
			http.NotFound(w, r)
			return
		}

		clean := path.Clean("/" + r.URL.Path)
		if clean != "/" && path.Ext(clean) == "" {
			// FileServer would redirect /index.html back to /.
			http.ServeFileFS(w, r, staticFS, "index.html")
			return
		}
		r.URL.Path = clean
		files.ServeHTTP(w, r)
	}
}
