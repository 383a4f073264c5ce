package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"e2eed/internal/domain"
	"e2eed/internal/services/backup"
	"e2eed/internal/services/crosssign"
	"e2eed/internal/services/devicekeys"
	"e2eed/internal/services/eventsig"
	"e2eed/internal/services/keyrequest"
	"e2eed/internal/services/ssss"
	"e2eed/internal/services/todevice"
)

// MaxRequestTimeout caps the timeout a client may ask for on query and claim.
const MaxRequestTimeout = 10 * time.Second

// Config holds the HTTP server settings.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	JWTSecret      string
	AllowedOrigins []string
	RateLimit      RateLimitConfig
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8008"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	return c
}

// Services are the handlers' collaborators.
type Services struct {
	DeviceKeys   *devicekeys.Service
	CrossSigning *crosssign.Service
	EventSigs    *eventsig.Service
	Backup       *backup.Service
	SecretStore  *ssss.Service
	KeyRequests  *keyrequest.Service
	ToDevice     *todevice.Service
	// Ping reports storage health for /health; optional.
	Ping func(ctx context.Context) error
}

// Server serves the client API.
type Server struct {
	cfg     Config
	svc     Services
	jwt     *JWTConfig
	limiter *limiter
	log     domain.Logger
	handler http.Handler
	httpSrv *http.Server
}

func New(cfg Config, svc Services, log domain.Logger) (*Server, error) {
	if log == nil {
		log = domain.NopLogger{}
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("api: jwt secret must be at least 32 characters")
	}
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:     cfg,
		svc:     svc,
		jwt:     NewJWTConfig(cfg.JWTSecret),
		limiter: newLimiter(cfg.RateLimit),
		log:     log,
	}
	s.handler = s.routes()
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// JWT exposes the token issuer.
func (s *Server) JWT() *JWTConfig { return s.jwt }

// Start listens until Shutdown is called; it returns nil on clean shutdown.
func (s *Server) Start() error {
	s.log.Info("http server listening", "addr", s.cfg.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the limiter's cleanup worker.
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.close()
	return s.httpSrv.Shutdown(ctx)
}

// withClientTimeout bounds ctx by the client's timeout in ms, capped at
// MaxRequestTimeout. A non-positive timeout leaves ctx unbounded.
func withClientTimeout(ctx context.Context, timeoutMS int64) (context.Context, context.CancelFunc) {
	if timeoutMS <= 0 {
		return context.WithCancel(ctx)
	}
	d := MaxRequestTimeout
	if timeoutMS < d.Milliseconds() {
		d = time.Duration(timeoutMS) * time.Millisecond
	}
	return context.WithTimeout(ctx, d)
}
