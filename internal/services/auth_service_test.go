package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grepud/internal/credential"
	"grepud/internal/errs"
	"grepud/internal/gateway"
	"grepud/internal/models"
	"grepud/internal/stubserver"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testEmail    = "budi@mail.com"
	testPassword = "rahasia"
)

type testEnv struct {
	stub   *stubserver.Server
	store  *credential.MemoryStore
	auth   *gateway.Client
	api    *gateway.Client
	flow   *AuthFlow
	orders *OrderWorkflow
}

// newTestEnv runs both fake services and wires the client the same way the
// CLI does, including the forced logout on 401.
func newTestEnv(t *testing.T, opts stubserver.Options) *testEnv {
	t.Helper()
	opts.BcryptCost = bcrypt.MinCost
	opts.Logger = zerolog.Nop()
	stub := stubserver.New(opts)

	authSrv := httptest.NewServer(stub.AuthHandler())
	t.Cleanup(authSrv.Close)
	gwSrv := httptest.NewServer(stub.GatewayHandler())
	t.Cleanup(gwSrv.Close)

	store := credential.NewMemoryStore()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	auth, err := gateway.New("auth", authSrv.URL+"/auth", store, zerolog.Nop(), gateway.WithCookieJar(jar))
	require.NoError(t, err)
	api, err := gateway.New("gateway", gwSrv.URL, store, zerolog.Nop())
	require.NoError(t, err)

	flow, err := NewAuthFlow(context.Background(), auth, store, zerolog.Nop())
	require.NoError(t, err)
	orders := NewOrderWorkflow(api, zerolog.Nop(), WithUnauthorizedHook(func(ctx context.Context) {
		flow.HandleRejection(ctx, errs.NewRejected(http.StatusUnauthorized, ""))
	}))

	return &testEnv{stub: stub, store: store, auth: auth, api: api, flow: flow, orders: orders}
}

func (e *testEnv) signup(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := e.flow.Register(ctx, models.RegisterRequest{Username: "budi", Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	code, ok := e.stub.OTP(testEmail)
	require.True(t, ok)
	require.NoError(t, e.flow.Verify(ctx, models.VerifyRequest{Code: code}))
	require.NoError(t, e.flow.Login(ctx, models.LoginRequest{Email: testEmail, Password: testPassword}))
}

func newClient(t *testing.T, h http.Handler, store credential.Store) *gateway.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := gateway.New("test", srv.URL, store, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func closedClient(t *testing.T, store credential.Store) *gateway.Client {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := gateway.New("test", url, store, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestAuthFlow_RegisterVerifyLogin(t *testing.T) {
	env := newTestEnv(t, stubserver.Options{OTPGenerator: func() (string, error) { return "555181", nil }})
	ctx := context.Background()
	assert.Equal(t, StateAnonymous, env.flow.State())

	res, err := env.flow.Register(ctx, models.RegisterRequest{Username: "budi", Email: testEmail, Password: testPassword})
	require.NoError(t, err)
	assert.Equal(t, testEmail, res.Email)
	assert.Equal(t, RegisterPrompt, res.Prompt)
	assert.Equal(t, StateRegistered, env.flow.State())
	assert.Equal(t, testEmail, env.flow.PrefillEmail())

	cred, err := env.store.Get(ctx)
	require.NoError(t, err)
	assert.False(t, cred.Present, "registering never yields a credential")

	require.NoError(t, env.flow.Verify(ctx, models.VerifyRequest{Code: "555 181"}))
	assert.Equal(t, StateVerified, env.flow.State())
	cred, err = env.store.Get(ctx)
	require.NoError(t, err)
	assert.False(t, cred.Present, "verifying never yields a credential")

	require.NoError(t, env.flow.Login(ctx, models.LoginRequest{Email: testEmail, Password: testPassword}))
	assert.Equal(t, StateAuthenticated, env.flow.State())
	cred, err = env.store.Get(ctx)
	require.NoError(t, err)
	assert.True(t, cred.Present)
	assert.Equal(t, "1", TokenSubject(cred.Token))

	orders, err := env.orders.ListOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestAuthFlow_LoginStoresTokenAndAuthorizes(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()

	var gotAuth atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"token": "abc123"})
	})
	mux.HandleFunc("/order/list", func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, []models.Order{})
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.MessageResponse{Message: "Logged out"})
	})
	api := newClient(t, mux, store)

	flow, err := NewAuthFlow(ctx, api, store, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, flow.Login(ctx, models.LoginRequest{Email: testEmail, Password: testPassword}))

	cred, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, credential.Bearer("abc123"), cred)

	orders := NewOrderWorkflow(api, zerolog.Nop())
	_, err = orders.ListOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc123", gotAuth.Load())

	require.NoError(t, flow.Logout(ctx))
	assert.Equal(t, StateAnonymous, flow.State())
	_, err = orders.ListOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, "", gotAuth.Load(), "no Authorization header after logout")
}

func TestAuthFlow_LoginAcceptsAccessTokenField(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	api := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "xyz789"})
	}), store)

	flow, err := NewAuthFlow(ctx, api, store, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, flow.Login(ctx, models.LoginRequest{Email: testEmail, Password: testPassword}))
	cred, _ := store.Get(ctx)
	assert.Equal(t, "xyz789", cred.Token)
}

func TestAuthFlow_LoginWithoutToken(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	api := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
	}), store)

	flow, err := NewAuthFlow(ctx, api, store, zerolog.Nop())
	require.NoError(t, err)
	err = flow.Login(ctx, models.LoginRequest{Email: testEmail, Password: testPassword})
	require.Error(t, err)
	assert.Equal(t, errs.Rejected, errs.KindOf(err))
	assert.Equal(t, StateAnonymous, flow.State())
	cred, _ := store.Get(ctx)
	assert.False(t, cred.Present)
}

func TestAuthFlow_LoginRejected(t *testing.T) {
	env := newTestEnv(t, stubserver.Options{})
	ctx := context.Background()
	_, err := env.flow.Register(ctx, models.RegisterRequest{Username: "budi", Email: testEmail, Password: testPassword})
	require.NoError(t, err)

	err = env.flow.Login(ctx, models.LoginRequest{Email: testEmail, Password: testPassword})
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, errs.StatusOf(err))
	assert.Equal(t, "account not verified, check your email", FailureText(StageLogin, err))
	assert.Equal(t, StateRegistered, env.flow.State())
}

func TestAuthFlow_LoginUnreachable(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	flow, err := NewAuthFlow(ctx, closedClient(t, store), store, zerolog.Nop())
	require.NoError(t, err)

	err = flow.Login(ctx, models.LoginRequest{Email: testEmail, Password: testPassword})
	require.Error(t, err)
	assert.Equal(t, errs.Unreachable, errs.KindOf(err))
	assert.Equal(t, errs.UnreachableMessage, FailureText(StageLogin, err))
	cred, _ := store.Get(ctx)
	assert.False(t, cred.Present)
}

func TestAuthFlow_RegisterDuplicate(t *testing.T) {
	env := newTestEnv(t, stubserver.Options{})
	ctx := context.Background()
	req := models.RegisterRequest{Username: "budi", Email: testEmail, Password: testPassword}
	_, err := env.flow.Register(ctx, req)
	require.NoError(t, err)

	_, err = env.flow.Register(ctx, req)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, errs.StatusOf(err))
	assert.Equal(t, "user with this email or username already exists", FailureText(StageRegister, err))
}

func TestAuthFlow_RegisterRequiresCreated(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	api := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, models.MessageResponse{Message: "ok"})
	}), store)
	flow, err := NewAuthFlow(ctx, api, store, zerolog.Nop())
	require.NoError(t, err)

	_, err = flow.Register(ctx, models.RegisterRequest{Username: "budi", Email: testEmail, Password: testPassword})
	require.Error(t, err)
	assert.Equal(t, errs.Rejected, errs.KindOf(err))
	assert.Equal(t, StateAnonymous, flow.State())
}

func TestAuthFlow_InvalidInputSendsNothing(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	var calls atomic.Int32
	api := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}), store)
	flow, err := NewAuthFlow(ctx, api, store, zerolog.Nop())
	require.NoError(t, err)

	_, err = flow.Register(ctx, models.RegisterRequest{Email: testEmail})
	assert.Equal(t, errs.Invalid, errs.KindOf(err))
	err = flow.Verify(ctx, models.VerifyRequest{Email: testEmail, Code: "abc"})
	assert.Equal(t, errs.Invalid, errs.KindOf(err))
	err = flow.Verify(ctx, models.VerifyRequest{Email: testEmail, Code: "1234567"})
	assert.Equal(t, errs.Invalid, errs.KindOf(err))
	err = flow.Verify(ctx, models.VerifyRequest{Code: "555181"})
	assert.Equal(t, errs.Invalid, errs.KindOf(err), "no email and nothing to prefill")
	err = flow.Login(ctx, models.LoginRequest{Email: testEmail})
	assert.Equal(t, errs.Invalid, errs.KindOf(err))

	assert.Zero(t, calls.Load())
}

func TestAuthFlow_VerifyWrongCode(t *testing.T) {
	env := newTestEnv(t, stubserver.Options{OTPGenerator: func() (string, error) { return "555181", nil }})
	ctx := context.Background()
	_, err := env.flow.Register(ctx, models.RegisterRequest{Username: "budi", Email: testEmail, Password: testPassword})
	require.NoError(t, err)

	err = env.flow.Verify(ctx, models.VerifyRequest{Code: "111111"})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, errs.StatusOf(err))
	assert.Equal(t, "invalid verification code", FailureText(StageVerify, err))
	assert.Equal(t, StateRegistered, env.flow.State())

	require.NoError(t, env.flow.Verify(ctx, models.VerifyRequest{Code: "555181"}))
	assert.Equal(t, StateVerified, env.flow.State())
}

func TestAuthFlow_VerifyFallbackText(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	api := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}), store)
	flow, err := NewAuthFlow(ctx, api, store, zerolog.Nop())
	require.NoError(t, err)

	err = flow.Verify(ctx, models.VerifyRequest{Email: testEmail, Code: "555181"})
	require.Error(t, err)
	assert.Equal(t, "invalid or expired code", FailureText(StageVerify, err))
}

func TestAuthFlow_SingleFlight(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	api := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": "abc123"})
	}), store)
	flow, err := NewAuthFlow(ctx, api, store, zerolog.Nop())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- flow.Login(ctx, models.LoginRequest{Email: testEmail, Password: testPassword})
	}()
	<-entered
	assert.True(t, flow.InFlight(StageLogin))

	err = flow.Login(ctx, models.LoginRequest{Email: testEmail, Password: testPassword})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, errs.Invalid, errs.KindOf(err))

	close(release)
	require.NoError(t, <-done)
	assert.False(t, flow.InFlight(StageLogin))
	assert.Equal(t, int32(1), calls.Load())
}

func TestAuthFlow_RestoresCredential(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "abc123"))

	flow, err := NewAuthFlow(ctx, closedClient(t, store), store, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, flow.State())
}

func TestAuthFlow_EnsureFresh(t *testing.T) {
	var mu sync.Mutex
	now := time.Now().Truncate(time.Second)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	env := newTestEnv(t, stubserver.Options{Now: clock, AccessTokenTTL: time.Minute})
	env.flow.now = clock
	env.signup(t)
	ctx := context.Background()

	before, _ := env.store.Get(ctx)
	exp, ok := TokenExpiry(before.Token)
	require.True(t, ok)

	mu.Lock()
	now = now.Add(10 * time.Second)
	mu.Unlock()

	require.NoError(t, env.flow.EnsureFresh(ctx, 0))
	same, _ := env.store.Get(ctx)
	assert.Equal(t, before.Token, same.Token, "token far from expiry is kept")

	require.NoError(t, env.flow.EnsureFresh(ctx, 5*time.Minute))
	after, _ := env.store.Get(ctx)
	assert.NotEqual(t, before.Token, after.Token)
	renewed, ok := TokenExpiry(after.Token)
	require.True(t, ok)
	assert.True(t, renewed.After(exp))
	assert.Equal(t, StateAuthenticated, env.flow.State())

	_, err := env.orders.ListOrders(ctx)
	assert.NoError(t, err)
}

func TestAuthFlow_EnsureFreshNeedsCredential(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	flow, err := NewAuthFlow(ctx, closedClient(t, store), store, zerolog.Nop())
	require.NoError(t, err)

	err = flow.EnsureFresh(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	require.NoError(t, store.Set(ctx, "abc123"))
	assert.NoError(t, flow.EnsureFresh(ctx, time.Minute), "opaque tokens are left alone")
}

func TestAuthFlow_RefreshRejectedLogsOut(t *testing.T) {
	env := newTestEnv(t, stubserver.Options{})
	ctx := context.Background()
	require.NoError(t, env.store.Set(ctx, "abc123"))
	flow, err := NewAuthFlow(ctx, env.auth, env.store, zerolog.Nop())
	require.NoError(t, err)

	err = flow.Refresh(ctx)
	require.Error(t, err)
	assert.True(t, errs.IsUnauthorized(err))
	assert.Equal(t, StateAnonymous, flow.State())
	cred, _ := env.store.Get(ctx)
	assert.False(t, cred.Present)
}

func TestAuthFlow_LogoutRevokesAccess(t *testing.T) {
	env := newTestEnv(t, stubserver.Options{})
	env.signup(t)
	ctx := context.Background()

	require.NoError(t, env.flow.Logout(ctx))
	assert.Equal(t, StateAnonymous, env.flow.State())
	cred, _ := env.store.Get(ctx)
	assert.False(t, cred.Present)

	_, err := env.orders.ListOrders(ctx)
	require.Error(t, err)
	assert.Equal(t, "Unauthorized", errs.Describe(err, ""))
}

func TestAuthFlow_LogoutWhileServerDown(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "abc123"))
	flow, err := NewAuthFlow(ctx, closedClient(t, store), store, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, flow.Logout(ctx))
	cred, _ := store.Get(ctx)
	assert.False(t, cred.Present)
}

func TestAuthFlow_HandleRejection(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()
	require.NoError(t, store.Set(ctx, "abc123"))
	flow, err := NewAuthFlow(ctx, closedClient(t, store), store, zerolog.Nop())
	require.NoError(t, err)

	assert.False(t, flow.HandleRejection(ctx, errs.NewRejected(http.StatusInternalServerError, "boom")))
	assert.False(t, flow.HandleRejection(ctx, errors.New("other")))
	assert.Equal(t, StateAuthenticated, flow.State())

	assert.True(t, flow.HandleRejection(ctx, errs.NewRejected(http.StatusUnauthorized, "Invalid Token")))
	assert.Equal(t, StateAnonymous, flow.State())
	cred, _ := store.Get(ctx)
	assert.False(t, cred.Present)
}

func TestAuthState_String(t *testing.T) {
	assert.Equal(t, "anonymous", StateAnonymous.String())
	assert.Equal(t, "registered", StateRegistered.String())
	assert.Equal(t, "verified", StateVerified.String())
	assert.Equal(t, "authenticated", StateAuthenticated.String())
}
