package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/neboloop/marketrelay/internal/httputil"
	"github.com/neboloop/marketrelay/internal/logging"
	"github.com/neboloop/marketrelay/internal/svc"
)

// Router builds the local listener's routes. The extension and pages dial
// in over websocket; /status and /audit are for the CLI.
func Router(svcCtx *svc.ServiceContext) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(httputil.LoopbackOnly)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		httputil.OK(w, svcCtx.Status())
	})
	r.Get("/audit", auditHandler(svcCtx))

	r.Get("/extension", svcCtx.Link.HandleWS)
	r.Get("/page", svcCtx.PageBus.HandleWS)

	return r
}

func auditHandler(svcCtx *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svcCtx.DB == nil {
			httputil.Error(w, http.StatusNotFound, "audit disabled")
			return
		}
		recs, err := svcCtx.DB.RecentCommands(r.Context(), httputil.Limit(r, "n", 50, 500))
		if err != nil {
			httputil.Error(w, http.StatusInternalServerError, err.Error())
			return
		}
		httputil.OK(w, recs)
	}
}

// Run serves the local listener until ctx is cancelled.
func Run(ctx context.Context, svcCtx *svc.ServiceContext) error {
	logger := logging.Component("server")
	addr := svcCtx.Config.Extension.Listen

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w (is another relay running?)", addr, err)
	}

	// No ReadTimeout/WriteTimeout: they would cut hijacked websocket conns.
	httpServer := &http.Server{
		Handler:           Router(svcCtx),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("relay listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	logger.Info("shutting down listener")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
