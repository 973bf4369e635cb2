package hub

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// Handler returns the observer mux: /ws for websocket observers and
// /healthz for liveness probes.
func (h *Hub) Handler(auth *Authenticator) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWS(w, r, SubjectFromContext(r.Context()))
	})))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// ListenAndServe runs the hub and its HTTP server on addr until ctx is done.
func (h *Hub) ListenAndServe(ctx context.Context, addr string, auth *Authenticator) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           h.Handler(auth),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go h.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	h.logger.Info("hub.listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
