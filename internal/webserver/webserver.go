package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/zsprackett/reload-relay/internal/broker"
	"github.com/zsprackett/reload-relay/internal/clock"
	"github.com/zsprackett/reload-relay/internal/db"
	"github.com/zsprackett/reload-relay/internal/metrics"
)

// ErrClosed is returned for attachments that arrive during shutdown.
var ErrClosed = errors.New("webserver: closed")

const (
	defaultSendBuffer   = 16
	defaultPingInterval = 30 * time.Second
	defaultKeepAlive    = 15 * time.Second
	defaultEventLimit   = 50
	maxEventLimit       = 500
)

type Config struct {
	Addr         string
	SendBuffer   int
	PingInterval time.Duration
	KeepAlive    time.Duration
	// AttachRate limits new tab connections per second; zero disables it.
	AttachRate  float64
	AttachBurst int
	// Clock drives ping and keepalive tickers. Nil means the real clock.
	Clock clock.Clock
}

// BrokerFactory builds an unstarted broker. The server calls it for the
// first attachment and again whenever the previous broker has terminated.
type BrokerFactory func() *broker.Broker

type Server struct {
	cfg       Config
	newBroker BrokerFactory
	store     *db.DB
	logger    *slog.Logger
	limiter   *rate.Limiter
	clk       clock.Clock

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	current *broker.Broker
	spawns  int
	closing bool

	srv      *http.Server
	listener net.Listener
}

// New returns a relay server. store may be nil when the journal is off.
func New(cfg Config, newBroker BrokerFactory, store *db.DB, logger *slog.Logger) *Server {
	if cfg.SendBuffer < 1 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	s := &Server{
		cfg:       cfg,
		clk:       cfg.Clock,
		newBroker: newBroker,
		store:     store,
		logger:    logger,
	}
	if cfg.AttachRate > 0 {
		burst := cfg.AttachBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AttachRate), burst)
	}
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /__air_internal/ws", s.handleWebSocket)
	mux.HandleFunc("GET /__air_internal/sse", s.handleEventStream)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("webserver: serve failed", "err", err)
		}
	}()
	s.logger.Info("webserver: listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting tabs, ends open streams and stops the broker.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	b := s.current
	s.mu.Unlock()

	s.cancel()
	var err error
	if s.srv != nil {
		err = s.srv.Shutdown(ctx)
	}
	if b != nil {
		b.Stop()
	}
	return err
}

// broker returns the live broker, spawning a replacement if the previous
// one terminated.
func (s *Server) broker() (*broker.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, ErrClosed
	}
	if s.current != nil {
		select {
		case <-s.current.Done():
		default:
			return s.current, nil
		}
	}
	b := s.newBroker()
	b.Start()
	s.current = b
	s.spawns++
	metrics.BrokerSpawns.Inc()
	s.logger.Info("webserver: broker started", "spawns", s.spawns)
	return b, nil
}

// attach registers p with the live broker. A broker can terminate between
// lookup and attach, so a second attempt goes to its replacement.
func (s *Server) attach(p broker.Port) (*broker.Broker, error) {
	for range 2 {
		b, err := s.broker()
		if err != nil {
			return nil, err
		}
		if err := b.Attach(p); err == nil {
			return b, nil
		} else if !errors.Is(err, broker.ErrTerminated) {
			return nil, err
		}
	}
	return nil, broker.ErrTerminated
}

func (s *Server) allowAttach() bool {
	if s.limiter == nil || s.limiter.Allow() {
		return true
	}
	metrics.AttachRejected.WithLabelValues("rate_limited").Inc()
	return false
}

type statusResponse struct {
	Running bool          `json:"running"`
	Spawns  int           `json:"spawns"`
	Broker  *broker.Stats `json:"broker,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	b, spawns := s.current, s.spawns
	s.mu.Unlock()

	resp := statusResponse{Spawns: spawns}
	if b != nil {
		if st, err := b.Stats(); err == nil {
			resp.Running = true
			resp.Broker = &st
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}
	evts, err := s.store.RecentEvents(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if evts == nil {
		evts = []db.RelayEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evts})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
