// Package stubserver is an in-memory stand-in for the auth service and the
// order/payment gateway. It speaks the same JSON contracts as the real
// services and is used by tests and by cmd/stubserver for local demos.
package stubserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

type Options struct {
	JWTSecret      string
	AccessTokenTTL time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost; tests use bcrypt.MinCost.
	BcryptCost int
	// RateLimit is requests per second across all callers; zero disables it.
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
	Logger         zerolog.Logger
	Now            func() time.Time
	// OTPGenerator replaces the random six digit verification codes.
	OTPGenerator func() (string, error)
}

type Server struct {
	store     *store
	faults    faults
	secretKey []byte
	accessTTL time.Duration
	logger    zerolog.Logger
	now       func() time.Time
	limiter   *rateLimiter
	origins   []string
}

func New(opts Options) *Server {
	if opts.JWTSecret == "" {
		opts.JWTSecret = "default-secret-key-change-in-production"
		opts.Logger.Warn().Msg("JWT_SECRET not set, using default key")
	}
	if opts.AccessTokenTTL <= 0 {
		opts.AccessTokenTTL = 15 * time.Minute
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"http://localhost:3000"}
	}

	s := &Server{
		store:     newStore(opts.BcryptCost, opts.Now, opts.OTPGenerator),
		secretKey: []byte(opts.JWTSecret),
		accessTTL: opts.AccessTokenTTL,
		logger:    opts.Logger,
		now:       opts.Now,
		origins:   opts.AllowedOrigins,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = newRateLimiter(opts.RateLimit, burst)
	}
	return s
}

// AuthHandler serves the auth service routes under /auth.
func (s *Server) AuthHandler() http.Handler {
	r := s.baseRouter()
	s.mountAuth(r)
	return s.faults.wrap(r)
}

// GatewayHandler serves the API gateway: the auth routes unauthenticated,
// order and payment routes behind bearer authentication.
func (s *Server) GatewayHandler() http.Handler {
	r := s.baseRouter()
	s.mountAuth(r)

	orders := r.PathPrefix("/order").Subrouter()
	orders.Use(s.authentication)
	orders.HandleFunc("/list", s.listOrders).Methods("GET")
	orders.HandleFunc("/create", s.createOrder).Methods("POST")

	payments := r.PathPrefix("/payment").Subrouter()
	payments.Use(s.authentication)
	payments.HandleFunc("/pay", s.pay).Methods("POST")

	return s.faults.wrap(r)
}

// OTP returns the pending verification code for email, standing in for the
// verification email.
func (s *Server) OTP(email string) (string, bool) {
	return s.store.otp(email)
}

func (s *Server) baseRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(errorHandling(s.logger))
	r.Use(requestLogging(s.logger))
	r.Use(corsMiddleware(s.origins))
	r.Use(securityHeaders)
	r.Use(requestValidation)
	if s.limiter != nil {
		r.Use(s.limiter.middleware)
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	return r
}

func (s *Server) mountAuth(r *mux.Router) {
	auth := r.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/register", s.register).Methods("POST")
	auth.HandleFunc("/verify", s.verify).Methods("POST")
	auth.HandleFunc("/login", s.login).Methods("POST")
	auth.HandleFunc("/refresh", s.refresh).Methods("POST")
	auth.HandleFunc("/logout", s.logout).Methods("POST")
}
