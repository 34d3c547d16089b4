package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"strings"
	"time"

	"grepud/internal/config"
	"grepud/internal/credential"
	"grepud/internal/errs"
	"grepud/internal/gateway"
	"grepud/internal/logger"
	"grepud/internal/metrics"
	"grepud/internal/models"
	"grepud/internal/services"
	"grepud/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
)

const usage = `usage: grepud <command> [flags]

commands:
  register   -username -email -password
  verify     -email -code
  login      -email -password
  logout
  status
  orders
  order      -item [-price]
  pay        -id
  dashboard  [-email -password] [-metrics-addr] [-log-file] [-refresh-every]
`

type app struct {
	cfg     config.Config
	log     zerolog.Logger
	store   credential.Store
	metrics *metrics.ClientMetrics
	flow    *services.AuthFlow
	orders  *services.OrderWorkflow
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cmd, args := os.Args[1], os.Args[2:]
	if err := run(ctx, cmd, args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "register":
		return withApp(ctx, nil, func(a *app) error { return runRegister(ctx, a, args) })
	case "verify":
		return withApp(ctx, nil, func(a *app) error { return runVerify(ctx, a, args) })
	case "login":
		return withApp(ctx, nil, func(a *app) error { return runLogin(ctx, a, args) })
	case "logout":
		return withApp(ctx, nil, func(a *app) error { return runLogout(ctx, a) })
	case "status":
		return withApp(ctx, nil, func(a *app) error { return runStatus(ctx, a) })
	case "orders":
		return withApp(ctx, nil, func(a *app) error { return runOrders(ctx, a) })
	case "order":
		return withApp(ctx, nil, func(a *app) error { return runOrder(ctx, a, args) })
	case "pay":
		return withApp(ctx, nil, func(a *app) error { return runPay(ctx, a, args) })
	case "dashboard":
		return runDashboard(ctx, args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// withApp wires the client stack, runs fn and releases the credential
// backend. A nil logOut keeps the default stderr logger.
func withApp(ctx context.Context, logOut io.Writer, fn func(a *app) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	log := logger.InitLogger(cfg.LogLevel)
	if logOut != nil {
		log = log.Output(logOut)
	}

	store, closer, err := credential.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer closer.Close()

	m := metrics.NewClientMetrics()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	common := []gateway.Option{
		gateway.WithTimeout(cfg.HTTPTimeout),
		gateway.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		gateway.WithMetrics(m),
		gateway.WithDeviceID(cfg.DeviceID),
	}
	auth, err := gateway.New("auth", cfg.AuthBaseURL, store, log, append(common, gateway.WithCookieJar(jar))...)
	if err != nil {
		return err
	}
	api, err := gateway.New("gateway", cfg.GatewayBaseURL, store, log, common...)
	if err != nil {
		return err
	}

	flow, err := services.NewAuthFlow(ctx, auth, store, log)
	if err != nil {
		return err
	}
	orders := services.NewOrderWorkflow(api, log, services.WithUnauthorizedHook(func(ctx context.Context) {
		flow.HandleRejection(ctx, errs.NewRejected(http.StatusUnauthorized, ""))
	}))

	return fn(&app{
		cfg:     cfg,
		log:     log,
		store:   store,
		metrics: m,
		flow:    flow,
		orders:  orders,
	})
}

func runRegister(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	username := fs.String("username", "", "username")
	email := fs.String("email", "", "email address")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	res, err := a.flow.Register(ctx, models.RegisterRequest{Username: *username, Email: *email, Password: *password})
	if err != nil {
		return errors.New(services.FailureText(services.StageRegister, err))
	}
	fmt.Println(res.Prompt)
	fmt.Printf("Next: grepud verify -email %s -code <code>\n", res.Email)
	return nil
}

func runVerify(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	email := fs.String("email", "", "email address used to register")
	code := fs.String("code", "", "verification code from the email")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.flow.Verify(ctx, models.VerifyRequest{Email: *email, Code: *code}); err != nil {
		return errors.New(services.FailureText(services.StageVerify, err))
	}
	fmt.Println(services.VerifiedPrompt)
	return nil
}

func runLogin(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	email := fs.String("email", "", "email address")
	password := fs.String("password", "", "password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if err := a.flow.Login(ctx, models.LoginRequest{Email: *email, Password: *password}); err != nil {
		return errors.New(services.FailureText(services.StageLogin, err))
	}
	fmt.Println("Logged in.")
	return nil
}

func runLogout(ctx context.Context, a *app) error {
	if err := a.flow.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}

func runStatus(ctx context.Context, a *app) error {
	cred, err := a.store.Get(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("state:   %s\n", a.flow.State())
	fmt.Printf("auth:    %s\n", a.cfg.AuthBaseURL)
	fmt.Printf("gateway: %s\n", a.cfg.GatewayBaseURL)
	fmt.Printf("store:   %s\n", a.cfg.CredentialStore)
	if !cred.Present {
		return nil
	}
	if sub := services.TokenSubject(cred.Token); sub != "" {
		fmt.Printf("user id: %s\n", sub)
	}
	if exp, ok := services.TokenExpiry(cred.Token); ok {
		fmt.Printf("expires: %s\n", exp.Local().Format(time.RFC1123))
	}
	return nil
}

func runOrders(ctx context.Context, a *app) error {
	list, err := a.orders.ListOrders(ctx)
	if err != nil {
		return orderError(err, "could not load orders")
	}
	printOrders(list)
	return nil
}

func runOrder(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("order", flag.ContinueOnError)
	item := fs.String("item", "", "menu item to order")
	price := fs.Int64("price", -1, "price override for items not on the menu")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p := *price
	if p < 0 {
		m, ok := models.LookupMenu(*item)
		if !ok {
			return fmt.Errorf("%q is not on the menu, pass -price", *item)
		}
		*item, p = m.Name, m.Price
	}

	err := a.orders.CreateOrder(ctx, *item, p)
	if errors.Is(err, services.ErrStaleCache) {
		fmt.Println("Order placed, but the list could not be reloaded.")
		return nil
	}
	if err != nil {
		return orderError(err, "order failed")
	}
	fmt.Printf("Ordered %s (%s).\n", *item, models.FormatRupiah(p))
	printOrders(a.orders.Orders())
	return nil
}

func runPay(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("pay", flag.ContinueOnError)
	id := fs.String("id", "", "order id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := a.orders.ListOrders(ctx); err != nil {
		return orderError(err, "could not load orders")
	}
	o, ok := a.orders.Find(strings.TrimSpace(*id))
	if !ok {
		return fmt.Errorf("order %q not found", *id)
	}
	if !o.IsPending() {
		return fmt.Errorf("order #%s is already %s", o.ID, o.Status)
	}

	err := a.orders.PayOrder(ctx, o.ID, o.Price)
	if errors.Is(err, services.ErrStaleCache) {
		fmt.Println("Payment accepted, but the list could not be reloaded.")
		return nil
	}
	if err != nil {
		return orderError(err, "payment failed")
	}
	fmt.Printf("Paid order #%s (%s).\n", o.ID, models.FormatRupiah(o.Price))
	printOrders(a.orders.Orders())
	return nil
}

func runDashboard(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dashboard", flag.ContinueOnError)
	email := fs.String("email", "", "log in first with this email")
	password := fs.String("password", "", "password for -email")
	metricsAddr := fs.String("metrics-addr", "", "serve client metrics on this address, e.g. :9091")
	logFile := fs.String("log-file", "", "write logs here instead of discarding them")
	refreshEvery := fs.Duration("refresh-every", time.Minute, "how often to check the access token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var logOut io.Writer = io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}

	return withApp(ctx, logOut, func(a *app) error {
		if *email != "" {
			if err := a.flow.Login(ctx, models.LoginRequest{Email: *email, Password: *password}); err != nil {
				return errors.New(services.FailureText(services.StageLogin, err))
			}
		}
		if a.flow.State() != services.StateAuthenticated {
			return errors.New("not logged in, run grepud login first")
		}

		if *metricsAddr != "" {
			srv := &http.Server{Addr: *metricsAddr, Handler: a.metrics.Handler()}
			go func() {
				a.log.Info().Msgf("Metrics on %s", *metricsAddr)
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					a.log.Error().Err(err).Msg("Metrics server error")
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}

		model := tui.New(ctx, a.flow, a.orders, tui.WithTokenRefresh(*refreshEvery))
		final, err := tea.NewProgram(model, tea.WithContext(ctx)).Run()
		if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return err
		}
		if m, ok := final.(tui.Model); ok && m.LoggedOut() {
			fmt.Println(m.Status())
		}
		return nil
	})
}

func orderError(err error, fallback string) error {
	if errs.IsUnauthorized(err) {
		return errors.New(tui.SessionEndedText)
	}
	return errors.New(errs.Describe(err, fallback))
}

func printOrders(list []models.Order) {
	if len(list) == 0 {
		fmt.Println("No orders yet.")
		return
	}
	fmt.Printf("%-6s %-16s %-12s %s\n", "ID", "ITEM", "PRICE", "STATUS")
	for _, o := range list {
		fmt.Printf("%-6s %-16s %-12s %s\n", o.ID, o.Item, models.FormatRupiah(o.Price), o.Status)
	}
}
