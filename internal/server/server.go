package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/lambda-runtime/pkg/logging"
	"github.com/psantana5/lambda-runtime/pkg/metrics"
)

// DefaultMinTmpFree is the free space /tmp needs for the runtime to report ready
const DefaultMinTmpFree uint64 = 16 << 20

// Resources is a point-in-time view of what the function sandbox has left
type Resources struct {
	TmpDir            string  `json:"tmp_dir"`
	TmpFreeBytes      uint64  `json:"tmp_free_bytes"`
	MemAvailableBytes uint64  `json:"mem_available_bytes"`
	MemUsedPercent    float64 `json:"mem_used_percent"`
}

// Probe samples sandbox resources
type Probe func(ctx context.Context) (Resources, error)

// SystemProbe reads /tmp usage and virtual memory through gopsutil
func SystemProbe(ctx context.Context) (Resources, error) {
	res := Resources{TmpDir: os.TempDir()}

	usage, err := disk.UsageWithContext(ctx, res.TmpDir)
	if err != nil {
		return res, fmt.Errorf("failed to read disk usage of %s: %w", res.TmpDir, err)
	}
	res.TmpFreeBytes = usage.Free

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read memory stats: %w", err)
	}
	res.MemAvailableBytes = vmem.Available
	res.MemUsedPercent = vmem.UsedPercent
	return res, nil
}

// Server is the ops HTTP server: metrics, liveness and readiness
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	listener   net.Listener
	logger     *logging.Logger
	metrics    *metrics.RuntimeMetrics
	probe      Probe
	minTmpFree uint64
	ready      func() bool
}

// Option configures a Server
type Option func(s *Server)

// WithLogger sets the logger
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithProbe replaces the resource probe
func WithProbe(p Probe) Option {
	return func(s *Server) {
		if p != nil {
			s.probe = p
		}
	}
}

// WithMinTmpFree sets the /tmp free-space threshold for readiness
func WithMinTmpFree(bytes uint64) Option {
	return func(s *Server) {
		s.minTmpFree = bytes
	}
}

// WithReadiness sets the check that the invocation loop is up
func WithReadiness(ready func() bool) Option {
	return func(s *Server) {
		s.ready = ready
	}
}

// New creates an ops server listening on addr once Start is called
func New(addr string, m *metrics.RuntimeMetrics, opts ...Option) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		logger:     logging.Discard(),
		metrics:    m,
		probe:      SystemProbe,
		minTmpFree: DefaultMinTmpFree,
		ready:      func() bool { return true },
	}
	for _, opt := range opts {
		opt(s)
	}

	if m != nil {
		s.router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	go func() {
		s.logger.Info("Ops server listening", map[string]interface{}{"addr": ln.Addr().String()})
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Ops server error", map[string]interface{}{"error": err})
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type readyResponse struct {
	Status    string     `json:"status"`
	Loop      bool       `json:"loop_running"`
	Resources *Resources `json:"resources,omitempty"`
	Reasons   []string   `json:"reasons,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ready", Loop: s.ready()}
	if !resp.Loop {
		resp.Reasons = append(resp.Reasons, "invocation loop is not running")
	}

	res, err := s.probe(r.Context())
	if err != nil {
		resp.Reasons = append(resp.Reasons, err.Error())
	} else {
		resp.Resources = &res
		if res.TmpFreeBytes < s.minTmpFree {
			resp.Reasons = append(resp.Reasons,
				fmt.Sprintf("%s has %d bytes free, need %d", res.TmpDir, res.TmpFreeBytes, s.minTmpFree))
		}
		if res.MemAvailableBytes == 0 {
			resp.Reasons = append(resp.Reasons, "no memory available")
		}
	}

	status := http.StatusOK
	if len(resp.Reasons) > 0 {
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
		s.logger.Debug("Readiness check failed", map[string]interface{}{"reasons": resp.Reasons})
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
