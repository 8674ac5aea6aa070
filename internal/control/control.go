// Package control serves the profiler's HTTP surface: Prometheus metrics,
// the live status stream and a small RPC endpoint to inspect or cancel the
// running profile.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/NodePath81/joule/internal/config"
	"github.com/NodePath81/joule/internal/measure"
	"github.com/NodePath81/joule/internal/metrics"
	"github.com/NodePath81/joule/internal/util"
)

const (
	maxRPCBodyBytes   = 1 << 20
	rpcRatePerSecond  = 5
	rpcRateBurst      = 10
	wsTokenPrefix     = "joule-token."
	wsPrimaryProtocol = "joule"
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 30 * time.Second
)

// RunController is the view of a profiling run the server needs.
// *measure.Scheduler satisfies it.
type RunController interface {
	Progress() measure.Progress
	Cancel()
}

type ControlServer struct {
	cfg     config.StatusConfig
	metrics *metrics.Metrics
	hub     *StatusHub
	logger  util.Logger
	server  *http.Server
	limiter *rateLimiter
	auth    tokenAuth

	runMu sync.RWMutex
	run   RunController
}

func NewControlServer(cfg config.StatusConfig, metrics *metrics.Metrics, hub *StatusHub, logger util.Logger) *ControlServer {
	if logger == nil {
		logger = util.Discard()
	}
	return &ControlServer{
		cfg:     cfg,
		metrics: metrics,
		hub:     hub,
		logger:  logger,
		limiter: newRateLimiter(rpcRatePerSecond, rpcRateBurst, 5*time.Minute),
		auth:    tokenAuth{token: cfg.AuthToken},
	}
}

func (c *ControlServer) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.cfg.Metrics.IsEnabled() && c.metrics != nil {
		mux.HandleFunc("/metrics", c.handleMetrics)
	}
	mux.HandleFunc("/rpc", c.handleRPC)
	mux.HandleFunc("/status", c.handleStatus)
	return mux
}

// Start binds the listener synchronously so a busy port is reported to the
// caller, then serves until ctx is done.
func (c *ControlServer) Start(ctx context.Context) error {
	addr := util.NetJoin(c.cfg.BindAddr, c.cfg.BindPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	c.server = &http.Server{
		Addr:              addr,
		Handler:           c.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = c.server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("control server error", "error", err)
		}
	}()
	c.logger.Info("control server started", "addr", ln.Addr().String())
	return nil
}

func (c *ControlServer) Shutdown(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func (c *ControlServer) SetRun(run RunController) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	c.run = run
}

func (c *ControlServer) currentRun() RunController {
	c.runMu.RLock()
	defer c.runMu.RUnlock()
	return c.run
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

func (c *ControlServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
		return
	}
	if !c.auth.allowHTTP(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid json"})
		return
	}
	method, ok := rpcMethods[req.Method]
	if !ok {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "unknown method"})
		return
	}
	run := c.currentRun()
	if run == nil {
		writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Ok: false, Error: "no run in progress"})
		return
	}
	if req.Method == "Cancel" {
		c.logger.Info("cancel requested", "client", clientIP(r))
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: method(run)})
}

// rpcMethods maps an RPC name to its effect on the current run.
var rpcMethods = map[string]func(RunController) any{
	"GetStatus": func(run RunController) any { return run.Progress() },
	"Cancel": func(run RunController) any {
		run.Cancel()
		return nil
	},
}

func (c *ControlServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !c.auth.allowHTTP(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c.metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
