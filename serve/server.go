package serve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/everydev1618/shopkeep"
	"github.com/everydev1618/shopkeep/internal/metrics"
	"github.com/everydev1618/shopkeep/provision"
	"github.com/everydev1618/shopkeep/store"
	"github.com/everydev1618/shopkeep/translation"
)

// Config holds server configuration.
type Config struct {
	Addr string

	// Images used when a create request leaves them empty.
	WPImage    string
	MySQLImage string
}

// Provisioner creates shops and re-applies their rewrite configuration.
type Provisioner interface {
	CreateShop(ctx context.Context, req shopkeep.ShopRequest) (*provision.Result, error)
	Reapply(ctx context.Context, site string) (bool, error)
	OnTransition(fn func(provision.Event))
}

// Translator exports and imports translation tables.
type Translator interface {
	Export(ctx context.Context, storeName, locale string) (*translation.Export, error)
	Import(ctx context.Context, storeName, locale string, table io.Reader) (*translation.DeployResult, error)
}

// Server is the HTTP server for the shop REST API.
type Server struct {
	prov      Provisioner
	trans     Translator
	store     store.Store
	broker    *EventBroker
	cfg       Config
	logger    *slog.Logger
	baseCtx   context.Context
	startedAt time.Time

	// creates admits shop creations; nil admits all.
	creates *rate.Limiter
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// WithCreateLimit admits at most perMinute shop creations per minute with
// the given burst. Excess requests get 429.
func WithCreateLimit(perMinute float64, burst int) ServerOption {
	return func(s *Server) {
		if perMinute > 0 && burst > 0 {
			s.creates = rate.NewLimiter(rate.Limit(perMinute/60), burst)
		}
	}
}

// New creates a new Server and subscribes its event broker to the
// provisioner's transitions.
func New(cfg Config, prov Provisioner, trans Translator, st store.Store, opts ...ServerOption) *Server {
	s := &Server{
		prov:      prov,
		trans:     trans,
		store:     st,
		broker:    NewEventBroker(),
		cfg:       cfg,
		logger:    slog.Default(),
		baseCtx:   context.Background(),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wireCallbacks()
	return s
}

// Start listens for HTTP requests. It blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.baseCtx = ctx

	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("shopkeep serve started", "addr", s.cfg.Addr)
		fmt.Printf("API: http://localhost%s/shops\n", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error.
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down server")
	case err := <-errCh:
		return err
	}

	// Close broker first so SSE handlers return and the server can drain.
	s.broker.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", "error", err)
	}
	return nil
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return corsMiddleware(metricsMiddleware(mux))
}

// registerRoutes adds all API routes to the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Shops
	mux.HandleFunc("POST /create_shop", s.handleCreateShop)
	mux.HandleFunc("GET /shops", s.handleListShops)
	mux.HandleFunc("GET /shops/{site_name}", s.handleGetShop)
	mux.HandleFunc("POST /shops/{site_name}/rewrites", s.handleReapplyRewrites)

	// Translations
	mux.HandleFunc("GET /download_csv/{store_name}", s.handleDownloadCSV)
	mux.HandleFunc("POST /upload_csv/{store_name}", s.handleUploadCSV)

	// SSE
	mux.HandleFunc("GET /events", s.handleSSE)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// wireCallbacks hooks provisioning transitions into the broker.
func (s *Server) wireCallbacks() {
	s.prov.OnTransition(func(ev provision.Event) {
		s.broker.Publish(BrokerEvent{
			Type:      "shop.transition",
			Site:      ev.SiteName,
			Attempt:   ev.Attempt,
			From:      string(ev.From),
			To:        string(ev.To),
			Error:     ev.Error,
			Timestamp: ev.At,
		})
	})
}

// corsMiddleware adds permissive CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder remembers the status written through it. Flush passes
// through for SSE.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// metricsMiddleware labels requests by route pattern, never by raw path.
func metricsMiddleware(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		_, route := next.Handler(r)
		if route == "" {
			route = "unmatched"
		}
		next.ServeHTTP(rec, r)
		metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start))
	})
}
