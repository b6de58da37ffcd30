package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maloquacious/goobkv/internal/db"
	"github.com/maloquacious/goobkv/internal/logger"
	"github.com/spf13/cobra"
)

var (
	port      int
	adminPort int
	exitAfter time.Duration
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the database and serve health and admin endpoints",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&port, "port", 8080, "public HTTP port (health probes)")
	serveCmd.Flags().IntVar(&adminPort, "admin-port", 8383, "admin HTTP port (JSON, loopback only)")
	serveCmd.Flags().DurationVar(&exitAfter, "exit-after", 0, "optional runtime; if set, server exits after this duration (testing)")
	return serveCmd
}

// server holds the open database for the HTTP handlers.
type server struct {
	log      logger.Logger
	db       atomic.Pointer[db.DB]
	shutdown func()
}

// ready reports whether the database is open.
func (s *server) ready() bool {
	d := s.db.Load()
	return d != nil && !d.Closed()
}

// runServe opens the database and starts both the public and the admin
// servers with graceful shutdown.
func runServe(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer d.Close()

	s := &server{log: a.log, shutdown: cancel}
	s.db.Store(d)

	publicSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.publicMux(),
	}

	// Bind admin to 127.0.0.1 only (loopback enforcement)
	adminListener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", adminPort))
	if err != nil {
		return fmt.Errorf("admin listener bind failed (loopback only): %w", err)
	}
	adminSrv := &http.Server{
		Handler: s.adminMux(),
	}

	errCh := make(chan error, 2)

	go func() {
		a.log.Info("public server listening on :%d", port)
		if err := publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("public server error: %w", err)
		}
	}()

	go func() {
		a.log.Info("admin server listening on 127.0.0.1:%d (JSON-only)", adminPort)
		if err := adminSrv.Serve(adminListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
	}()

	// Optional run timer
	if exitAfter > 0 {
		a.log.Info("exit-after timer set: %s", exitAfter)
		timer := time.AfterFunc(exitAfter, cancel)
		defer timer.Stop()
	}

	var serveErr error
	select {
	case <-ctx.Done():
		// graceful shutdown
	case serveErr = <-errCh:
		a.log.Error("server error: %v", serveErr)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTO)
	defer cancelShutdown()

	_ = publicSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	s.db.Store(nil)
	d.Close()
	a.log.Info("shutdown complete")
	return serveErr
}

func (s *server) publicMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("READY"))
	})

	return mux
}

// storeStatus is one row of the status report.
type storeStatus struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type statusReport struct {
	Version       string        `json:"version"`
	BuildDate     string        `json:"buildDate"`
	Time          string        `json:"time"`
	Mode          string        `json:"mode"`
	Database      string        `json:"database,omitempty"`
	SchemaVersion int           `json:"schemaVersion,omitempty"`
	Stores        []storeStatus `json:"stores,omitempty"`
}

func (s *server) adminMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/admin/status", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := statusReport{
			Version:   version.String(),
			BuildDate: buildDate,
			Time:      time.Now().UTC().Format(time.RFC3339),
			Mode:      "closed",
		}
		if d := s.db.Load(); d != nil && !d.Closed() {
			resp.Mode = "running"
			resp.Database = d.Name()
			resp.SchemaVersion = d.Version()
			resp.Stores = []storeStatus{}
			for _, name := range d.Conn().ObjectStoreNames() {
				n, err := d.Store(name).Count(r.Context(), nil)
				if err != nil {
					writeJSONError(w, http.StatusInternalServerError, "count_failed", err.Error())
					return
				}
				resp.Stores = append(resp.Stores, storeStatus{Name: name, Count: n})
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})))

	mux.Handle("/admin/clear", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
			return
		}
		d := s.db.Load()
		if d == nil || d.Closed() {
			writeJSONError(w, http.StatusServiceUnavailable, "not_ready", "database is not open")
			return
		}
		if err := d.Clear(r.Context()); err != nil {
			s.log.Error("admin: clear: %v", err)
			writeJSONError(w, http.StatusInternalServerError, "clear_failed", err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "cleared"})
	})))

	mux.Handle("/admin/shutdown", jsonOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "shutting down"})
		if s.shutdown != nil {
			s.shutdown()
		}
	})))

	return mux
}

// jsonOnly enforces JSON-only contract for admin routes.
func jsonOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Require Accept: application/json (at least for admin)
		accept := r.Header.Get("Accept")
		if !strings.Contains(accept, "application/json") && accept != "" {
			writeJSONError(w, http.StatusNotAcceptable, "not_acceptable", "Accept must include application/json")
			return
		}
		if r.Method != http.MethodGet && !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "Content-Type must be application/json")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": msg,
	})
}
