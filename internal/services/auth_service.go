package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"grepud/internal/credential"
	"grepud/internal/errs"
	"grepud/internal/gateway"
	"grepud/internal/models"

	"github.com/rs/zerolog"
)

type AuthState int

const (
	StateAnonymous AuthState = iota
	StateRegistered
	StateVerified
	StateAuthenticated
)

func (s AuthState) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateVerified:
		return "verified"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

type Stage string

const (
	StageRegister Stage = "register"
	StageVerify   Stage = "verify"
	StageLogin    Stage = "login"
	StageRefresh  Stage = "refresh"
)

// ErrBusy is returned when the same action is already in flight.
var ErrBusy = errors.New("action already in progress")

// ErrNotAuthenticated is returned when an operation needs a stored credential.
var ErrNotAuthenticated = errors.New("not logged in")

const (
	RegisterPrompt = "Registration successful! Check your email for the verification code."
	VerifiedPrompt = "Verification successful! Please log in."

	logoutTimeout = 3 * time.Second
)

var stageFallback = map[Stage]string{
	StageRegister: "registration failed",
	StageVerify:   "invalid or expired code",
	StageLogin:    "login failed",
	StageRefresh:  "session expired",
}

// FailureText renders a stage failure for display.
func FailureText(stage Stage, err error) string {
	return errs.Describe(err, stageFallback[stage])
}

type RegisterResult struct {
	Email  string
	Prompt string
}

// AuthFlow drives register, verify and login against the auth service and
// is the only writer of the credential store.
type AuthFlow struct {
	api    *gateway.Client
	store  credential.Store
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    AuthState
	prefill  string
	inflight map[Stage]bool
}

func NewAuthFlow(ctx context.Context, api *gateway.Client, store credential.Store, logger zerolog.Logger) (*AuthFlow, error) {
	f := &AuthFlow{
		api:      api,
		store:    store,
		logger:   logger,
		now:      time.Now,
		inflight: make(map[Stage]bool),
	}

	cred, err := store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred.Present {
		f.state = StateAuthenticated
	}
	return f, nil
}

func (f *AuthFlow) State() AuthState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// PrefillEmail is the email carried forward from the last register or verify.
func (f *AuthFlow) PrefillEmail() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefill
}

func (f *AuthFlow) InFlight(stage Stage) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inflight[stage]
}

func (f *AuthFlow) begin(stage Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[stage] {
		return errs.WrapInvalid(fmt.Errorf("%s: %w", stage, ErrBusy))
	}
	f.inflight[stage] = true
	return nil
}

func (f *AuthFlow) end(stage Stage) {
	f.mu.Lock()
	delete(f.inflight, stage)
	f.mu.Unlock()
}

func (f *AuthFlow) Register(ctx context.Context, req models.RegisterRequest) (*RegisterResult, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	if req.Username == "" || req.Email == "" || req.Password == "" {
		return nil, errs.NewInvalid("username, email, and password are required")
	}

	if err := f.begin(StageRegister); err != nil {
		return nil, err
	}
	defer f.end(StageRegister)

	status, err := f.api.DoStatus(ctx, http.MethodPost, "/register", req, nil)
	if err != nil {
		f.logger.Warn().Err(err).Str("email", req.Email).Msg("Registration failed")
		return nil, err
	}
	if status != http.StatusCreated {
		return nil, errs.NewRejected(status, "registration was not confirmed by the server")
	}

	f.mu.Lock()
	if f.state < StateRegistered {
		f.state = StateRegistered
	}
	f.prefill = req.Email
	f.mu.Unlock()

	f.logger.Info().Str("email", req.Email).Msg("User registered, awaiting verification")
	return &RegisterResult{Email: req.Email, Prompt: RegisterPrompt}, nil
}

// Verify submits an OTP. Non-digits are stripped from the code before it is
// sent; the server decides whether it is correct. Success never yields a
// credential, Login is always a separate step.
func (f *AuthFlow) Verify(ctx context.Context, req models.VerifyRequest) error {
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		req.Email = f.PrefillEmail()
	}
	req.Code = models.NormalizeCode(req.Code)

	switch {
	case req.Email == "":
		return errs.NewInvalid("email is required")
	case req.Code == "":
		return errs.NewInvalid("verification code is required")
	case len(req.Code) > models.OTPMaxDigits:
		return errs.NewInvalid(fmt.Sprintf("verification code must be at most %d digits", models.OTPMaxDigits))
	}

	if err := f.begin(StageVerify); err != nil {
		return err
	}
	defer f.end(StageVerify)

	status, err := f.api.DoStatus(ctx, http.MethodPost, "/verify", req, nil)
	if err != nil {
		f.logger.Warn().Err(err).Str("email", req.Email).Msg("Verification failed")
		return err
	}
	if status != http.StatusOK {
		return errs.NewRejected(status, "verification was not confirmed by the server")
	}

	f.mu.Lock()
	if f.state < StateVerified {
		f.state = StateVerified
	}
	f.prefill = req.Email
	f.mu.Unlock()

	f.logger.Info().Str("email", req.Email).Msg("Email verified")
	return nil
}

func (f *AuthFlow) Login(ctx context.Context, req models.LoginRequest) error {
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		return errs.NewInvalid("email and password are required")
	}

	if err := f.begin(StageLogin); err != nil {
		return err
	}
	defer f.end(StageLogin)

	var resp models.AuthResponse
	status, err := f.api.DoStatus(ctx, http.MethodPost, "/login", req, &resp)
	if err != nil {
		f.logger.Warn().Str("email", req.Email).Msg("Login failed")
		return err
	}
	if err := f.storeToken(ctx, status, resp); err != nil {
		return err
	}

	f.mu.Lock()
	f.state = StateAuthenticated
	f.prefill = req.Email
	f.mu.Unlock()

	f.logger.Info().Str("email", req.Email).Msg("User authenticated")
	return nil
}

// Refresh trades the refresh cookie held by the auth client for a new
// access token. A 401 means the session is over and logs out locally.
func (f *AuthFlow) Refresh(ctx context.Context) error {
	if err := f.begin(StageRefresh); err != nil {
		return err
	}
	defer f.end(StageRefresh)

	var resp models.AuthResponse
	status, err := f.api.DoStatus(ctx, http.MethodPost, "/refresh", nil, &resp)
	if err != nil {
		if errs.IsUnauthorized(err) {
			f.logger.Info().Msg("Refresh rejected, logging out")
			if lerr := f.clearLocal(ctx); lerr != nil {
				return lerr
			}
		}
		return err
	}
	if err := f.storeToken(ctx, status, resp); err != nil {
		return err
	}

	f.mu.Lock()
	f.state = StateAuthenticated
	f.mu.Unlock()

	f.logger.Debug().Msg("Access token refreshed")
	return nil
}

// EnsureFresh refreshes the stored token when it expires within skew.
// Tokens without a readable exp claim are left alone.
func (f *AuthFlow) EnsureFresh(ctx context.Context, skew time.Duration) error {
	cred, err := f.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !cred.Present {
		return errs.WrapInvalid(ErrNotAuthenticated)
	}

	exp, ok := TokenExpiry(cred.Token)
	if !ok || exp.Sub(f.now()) > skew {
		return nil
	}
	return f.Refresh(ctx)
}

// Logout drops the local credential. The server is told on a best-effort
// basis; its answer does not affect the local result.
func (f *AuthFlow) Logout(ctx context.Context) error {
	if err := f.clearLocal(ctx); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
	defer cancel()
	if err := f.api.Do(callCtx, http.MethodPost, "/logout", nil, nil); err != nil {
		f.logger.Debug().Err(err).Msg("Server logout failed, local credential already cleared")
	}

	f.logger.Info().Msg("User logged out")
	return nil
}

// HandleRejection logs out when err is an authorization rejection and
// reports whether it did.
func (f *AuthFlow) HandleRejection(ctx context.Context, err error) bool {
	if !errs.IsUnauthorized(err) {
		return false
	}
	if lerr := f.Logout(ctx); lerr != nil {
		f.logger.Error().Err(lerr).Msg("Forced logout failed")
	}
	return true
}

func (f *AuthFlow) clearLocal(ctx context.Context) error {
	if err := f.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear credential: %w", err)
	}
	f.mu.Lock()
	f.state = StateAnonymous
	f.mu.Unlock()
	return nil
}

func (f *AuthFlow) storeToken(ctx context.Context, status int, resp models.AuthResponse) error {
	token := resp.BearerToken()
	if token == "" {
		return errs.NewRejected(status, "server returned no token")
	}
	if err := f.store.Set(ctx, token); err != nil {
		f.logger.Error().Err(err).Msg("Error storing credential")
		return fmt.Errorf("store credential: %w", err)
	}
	return nil
}
