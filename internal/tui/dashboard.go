// Package tui is the interactive order dashboard.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"grepud/internal/errs"
	"grepud/internal/models"
	"grepud/internal/services"

	tea "github.com/charmbracelet/bubbletea"
)

type pane int

const (
	paneMenu pane = iota
	paneOrders
)

// SessionEndedText is shown when the gateway refuses the stored credential.
const SessionEndedText = "Session expired, please log in again"

type ordersLoaded struct {
	orders []models.Order
	err    error
}

type actionDone struct {
	status string
	err    error
}

type refreshTick struct{}

type refreshDone struct {
	err error
}

// refreshSkew is how close to expiry the access token may get before the
// periodic check renews it.
const refreshSkew = 2 * time.Minute

type Model struct {
	ctx    context.Context
	cancel context.CancelFunc

	flow   *services.AuthFlow
	orders *services.OrderWorkflow
	menu   []models.MenuItem

	focus       pane
	menuCursor  int
	orderCursor int
	list        []models.Order

	refreshEvery time.Duration

	status    string
	busy      bool
	loggedOut bool
}

type Option func(*Model)

// WithTokenRefresh renews the access token every interval while the
// dashboard is open.
func WithTokenRefresh(every time.Duration) Option {
	return func(m *Model) {
		m.refreshEvery = every
	}
}

func New(ctx context.Context, flow *services.AuthFlow, orders *services.OrderWorkflow, opts ...Option) Model {
	ctx, cancel := context.WithCancel(ctx)
	m := Model{
		ctx:    ctx,
		cancel: cancel,
		flow:   flow,
		orders: orders,
		menu:   models.Menu,
		status: "Loading orders...",
		busy:   true,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func (m Model) Init() tea.Cmd {
	if m.refreshEvery > 0 {
		return tea.Batch(m.loadCmd(), m.tickCmd())
	}
	return m.loadCmd()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case ordersLoaded:
		m.busy = false
		if msg.err != nil {
			return m.fail(msg.err, "could not load orders")
		}
		m.list = msg.orders
		m.clampCursor()
		m.status = fmt.Sprintf("%d orders", len(m.list))
	case actionDone:
		m.busy = false
		m.list = m.orders.Orders()
		m.clampCursor()
		if msg.err != nil {
			return m.fail(msg.err, msg.status)
		}
		m.status = msg.status
	case refreshTick:
		return m, m.refreshCmd()
	case refreshDone:
		if msg.err != nil && errs.IsUnauthorized(msg.err) {
			return m.fail(msg.err, "session expired")
		}
		if msg.err != nil {
			m.status = "Token refresh failed: " + services.FailureText(services.StageRefresh, msg.err)
		}
		return m, m.tickCmd()
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.cancel()
		return m, tea.Quit
	case "tab":
		if m.focus == paneMenu {
			m.focus = paneOrders
		} else {
			m.focus = paneMenu
		}
	case "up":
		if m.focus == paneMenu && m.menuCursor > 0 {
			m.menuCursor--
		}
		if m.focus == paneOrders && m.orderCursor > 0 {
			m.orderCursor--
		}
	case "down":
		if m.focus == paneMenu && m.menuCursor < len(m.menu)-1 {
			m.menuCursor++
		}
		if m.focus == paneOrders && m.orderCursor < len(m.list)-1 {
			m.orderCursor++
		}
	case "r":
		if m.busy {
			return m, nil
		}
		m.busy = true
		m.status = "Loading orders..."
		return m, m.loadCmd()
	case "n":
		if m.busy || len(m.menu) == 0 {
			return m, nil
		}
		item := m.menu[m.menuCursor]
		m.busy = true
		m.status = fmt.Sprintf("Ordering %s...", item.Name)
		return m, m.createCmd(item)
	case "p":
		if m.busy || len(m.list) == 0 {
			return m, nil
		}
		o := m.list[m.orderCursor]
		if !o.IsPending() {
			m.status = fmt.Sprintf("Order #%s is already %s", o.ID, o.Status)
			return m, nil
		}
		m.busy = true
		m.status = fmt.Sprintf("Paying order #%s...", o.ID)
		return m, m.payCmd(o)
	case "L":
		m.cancel()
		if err := m.flow.Logout(context.Background()); err != nil {
			m.status = "Logout failed: " + err.Error()
			return m, nil
		}
		m.loggedOut = true
		m.status = "Logged out"
		return m, tea.Quit
	}
	return m, nil
}

// fail renders err; a refused credential ends the session.
func (m Model) fail(err error, fallback string) (tea.Model, tea.Cmd) {
	if errs.IsUnauthorized(err) {
		m.cancel()
		m.loggedOut = true
		m.status = SessionEndedText
		return m, tea.Quit
	}
	m.status = "Error: " + errs.Describe(err, fallback)
	return m, nil
}

func (m *Model) clampCursor() {
	if m.orderCursor >= len(m.list) {
		m.orderCursor = len(m.list) - 1
	}
	if m.orderCursor < 0 {
		m.orderCursor = 0
	}
}

func (m Model) loadCmd() tea.Cmd {
	ctx, orders := m.ctx, m.orders
	return func() tea.Msg {
		list, err := orders.ListOrders(ctx)
		return ordersLoaded{orders: list, err: err}
	}
}

func (m Model) createCmd(item models.MenuItem) tea.Cmd {
	ctx, orders := m.ctx, m.orders
	return func() tea.Msg {
		err := orders.CreateOrder(ctx, item.Name, item.Price)
		if errors.Is(err, services.ErrStaleCache) && !errs.IsUnauthorized(err) {
			return actionDone{status: fmt.Sprintf("Ordered %s, list not refreshed (press r)", item.Name)}
		}
		if err != nil {
			return actionDone{status: "order failed", err: err}
		}
		return actionDone{status: fmt.Sprintf("Ordered %s", item.Name)}
	}
}

func (m Model) payCmd(o models.Order) tea.Cmd {
	ctx, orders := m.ctx, m.orders
	return func() tea.Msg {
		err := orders.PayOrder(ctx, o.ID, o.Price)
		if errors.Is(err, services.ErrStaleCache) && !errs.IsUnauthorized(err) {
			return actionDone{status: fmt.Sprintf("Paid order #%s, list not refreshed (press r)", o.ID)}
		}
		if err != nil {
			return actionDone{status: "payment failed", err: err}
		}
		return actionDone{status: fmt.Sprintf("Paid order #%s", o.ID)}
	}
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.refreshEvery, func(time.Time) tea.Msg {
		return refreshTick{}
	})
}

func (m Model) refreshCmd() tea.Cmd {
	ctx, flow := m.ctx, m.flow
	return func() tea.Msg {
		return refreshDone{err: flow.EnsureFresh(ctx, refreshSkew)}
	}
}

// LoggedOut reports whether the dashboard ended the session.
func (m Model) LoggedOut() bool {
	return m.loggedOut
}

func (m Model) Status() string {
	return m.status
}

func (m Model) View() string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "grepud orders")
	fmt.Fprintln(b, "")

	fmt.Fprintln(b, "Menu:")
	for i, item := range m.menu {
		fmt.Fprintf(b, " %s %-14s %s\n", m.marker(paneMenu, i == m.menuCursor), item.Name, models.FormatRupiah(item.Price))
	}
	fmt.Fprintln(b, "")

	fmt.Fprintln(b, "Orders:")
	if len(m.list) == 0 {
		fmt.Fprintln(b, "   (none)")
	}
	for i, o := range m.list {
		fmt.Fprintf(b, " %s #%-4s %-14s %-10s %s\n", m.marker(paneOrders, i == m.orderCursor), o.ID, o.Item, models.FormatRupiah(o.Price), o.Status)
	}
	fmt.Fprintln(b, "")

	switch {
	case m.orders.Creating():
		fmt.Fprintln(b, "Creating order...")
	case m.orders.Paying():
		fmt.Fprintln(b, "Processing payment...")
	}
	fmt.Fprintf(b, "Status: %s\n", m.status)
	fmt.Fprintln(b, "\nControls: tab switch pane, up/down select, n order, p pay, r reload, L logout, q quit")
	return b.String()
}

func (m Model) marker(p pane, selected bool) string {
	if !selected {
		return " "
	}
	if m.focus == p {
		return ">"
	}
	return "*"
}
