// Package ui provides terminal user interface components.
package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/tradepilot/companion/internal/chat"
	"github.com/tradepilot/companion/internal/detector"
	"github.com/tradepilot/companion/internal/metrics"
	"github.com/tradepilot/companion/internal/monitor"
	"github.com/tradepilot/companion/internal/notify"
	"github.com/tradepilot/companion/internal/store"
)

const (
	bannerDuration = 5 * time.Second
	commandTimeout = 30 * time.Second
	keyHelp        = " [yellow]q[-] quit  [yellow]m[-] toggle monitoring  [yellow]r[-] refresh  [yellow]Tab[-] switch to chat/list"
)

// App is the main TUI application.
type App struct {
	app    *tview.Application
	layout *tview.Flex

	// Views
	banner        *tview.TextView
	status        *StatusView
	notifications *NotificationsView
	positions     *PositionsView
	transactions  *TransactionsView
	chat          *ChatView

	subject        store.Subject
	monitor        *monitor.Monitor
	flow           *chat.Flow
	metricsTracker *metrics.Tracker
	refreshRate    time.Duration

	// State
	mu          sync.Mutex
	busy        bool
	bannerGen   int
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewApp creates a new TUI application for one wallet.
func NewApp(subject store.Subject, mon *monitor.Monitor, flow *chat.Flow, tracker *metrics.Tracker, refreshRate time.Duration) *App {
	ctx, cancel := context.WithCancel(context.Background())

	if refreshRate <= 0 {
		refreshRate = 500 * time.Millisecond
	}

	a := &App{
		app:            tview.NewApplication(),
		subject:        subject,
		monitor:        mon,
		flow:           flow,
		metricsTracker: tracker,
		refreshRate:    refreshRate,
		ctx:            ctx,
		cancel:         cancel,
	}

	// Initialize views
	a.banner = tview.NewTextView().SetDynamicColors(true)
	a.status = NewStatusView()
	a.notifications = NewNotificationsView(100)
	a.positions = NewPositionsView()
	a.transactions = NewTransactionsView()
	a.chat = NewChatView(a.submit)

	a.setupLayout()
	a.setupKeyboard()

	return a
}

// setupLayout creates the panel layout.
func (a *App) setupLayout() {
	// Top row: Status (left) | Notifications (right)
	topRow := tview.NewFlex().
		AddItem(a.status.Widget(), 0, 1, false).
		AddItem(a.notifications.Widget(), 0, 2, true)

	// Middle row: Positions (left) | Transactions (right)
	middleRow := tview.NewFlex().
		AddItem(a.positions.Widget(), 0, 1, false).
		AddItem(a.transactions.Widget(), 0, 1, false)

	help := tview.NewTextView().SetDynamicColors(true).SetText(keyHelp)

	a.layout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.banner, 1, 0, false).
		AddItem(topRow, 0, 3, true).
		AddItem(middleRow, 0, 2, false).
		AddItem(a.chat.Widget(), 0, 2, false).
		AddItem(help, 1, 0, false)

	a.app.SetRoot(a.layout, true).SetFocus(a.notifications.Widget())
}

// setupKeyboard configures keyboard shortcuts. Letter shortcuts are ignored
// while the chat input has focus.
func (a *App) setupKeyboard() {
	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			a.Stop()
			return nil
		case tcell.KeyTab:
			if a.app.GetFocus() == a.chat.Input() {
				a.app.SetFocus(a.notifications.Widget())
			} else {
				a.app.SetFocus(a.chat.Input())
			}
			return nil
		case tcell.KeyRune:
			if a.app.GetFocus() == a.chat.Input() {
				return event
			}
			switch event.Rune() {
			case 'q', 'Q':
				a.Stop()
				return nil
			case 'm', 'M':
				go a.toggleMonitoring()
				return nil
			case 'r', 'R':
				go a.refresh()
				return nil
			}
		}
		return event
	})
}

// Run starts the TUI application (blocking).
func (a *App) Run() error {
	bus := a.monitor.Bus(a.subject)
	a.unsubscribe = bus.Subscribe(a.onNotification)
	a.flow.OnTransaction(a.onTransaction)

	a.notifications.Update(bus.List())
	a.transactions.Update(a.flow.History().List())
	a.chat.Update(a.flow.Turns(), a.flow.State(), false)

	go a.updateLoop()

	if err := a.app.Run(); err != nil {
		return fmt.Errorf("app run failed: %w", err)
	}

	return nil
}

// Stop gracefully stops the application.
func (a *App) Stop() {
	a.cancel()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	a.app.Stop()
}

// onNotification runs on the publisher's goroutine for every new notification.
func (a *App) onNotification(n store.Notification) {
	list := a.monitor.Bus(a.subject).List()

	a.app.QueueUpdateDraw(func() {
		a.notifications.Update(list)
	})

	if notify.Urgent(n) {
		a.flash(n.Message, priorityColor(n.Priority))
	}
}

// onTransaction runs from Flow.Handle whenever a transaction changes state.
func (a *App) onTransaction(tx store.Transaction) {
	txs := a.flow.History().List()

	a.app.QueueUpdateDraw(func() {
		a.transactions.Update(txs)
	})
}

// updateLoop periodically refreshes the polled panels.
func (a *App) updateLoop() {
	ticker := time.NewTicker(a.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.redraw()
		}
	}
}

// redraw collects the monitor state and queues a draw of the polled panels.
func (a *App) redraw() {
	data := a.collectStatus()
	positions, posStatus, hasPositions := a.monitor.Positions(a.subject)

	a.app.QueueUpdateDraw(func() {
		a.status.Update(data)
		a.positions.Update(positions, posStatus, hasPositions)
	})
}

func (a *App) collectStatus() StatusData {
	data := StatusData{
		Subject:    a.subject,
		Monitoring: a.monitor.Monitoring(a.subject),
		Connection: a.monitor.Connection(a.subject),
		Alerts:     a.monitor.Alerts(a.subject),
		Metrics:    a.metricsTracker.Snapshot(),
	}
	data.Health, data.HealthStatus, data.HasHealth = a.monitor.Health(a.subject)
	data.Price, data.PriceStatus, data.HasPrice = a.monitor.Price(a.subject)
	return data
}

// refresh reloads positions and redraws every panel.
func (a *App) refresh() {
	ctx, cancel := context.WithTimeout(a.ctx, commandTimeout)
	defer cancel()

	if err := a.monitor.Refresh(ctx, a.subject); err != nil {
		a.flash("Refresh failed: "+err.Error(), "red")
	}
	a.redraw()
}

func (a *App) toggleMonitoring() {
	ctx, cancel := context.WithTimeout(a.ctx, commandTimeout)
	defer cancel()

	if a.monitor.Monitoring(a.subject) {
		if err := a.monitor.StopMonitoring(ctx, a.subject); err != nil {
			a.flash("Failed to stop monitoring: "+err.Error(), "red")
			return
		}
		a.flash("Monitoring stopped", "yellow")
	} else {
		if err := a.monitor.StartMonitoring(ctx, a.subject); err != nil {
			a.flash("Failed to start monitoring: "+err.Error(), "red")
			return
		}
		a.flash("Monitoring started", "green")
	}
	a.redraw()
}

// submit is called from the input field on the UI goroutine.
func (a *App) submit(text string) {
	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		go a.flash("Still waiting for the previous reply", "yellow")
		return
	}
	a.busy = true
	a.mu.Unlock()

	a.chat.Update(append(a.flow.Turns(), store.ChatTurn{Role: store.RoleUser, Content: text}), a.flow.State(), true)

	go func() {
		if cmd, ok := parseCommand(text); ok {
			a.runCommand(cmd)
		} else {
			a.handleChat(text)
		}

		a.mu.Lock()
		a.busy = false
		a.mu.Unlock()

		turns, state := a.flow.Turns(), a.flow.State()
		a.app.QueueUpdateDraw(func() {
			a.chat.Update(turns, state, false)
		})
	}()
}

func (a *App) handleChat(text string) {
	ctx, cancel := context.WithTimeout(a.ctx, commandTimeout)
	defer cancel()

	_, err := a.flow.Handle(ctx, text)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNoPendingRequest):
		a.flash("Nothing to confirm, please restate the trade", "yellow")
	case errors.Is(err, store.ErrInvalidInput):
	default:
		a.flash(err.Error(), "red")
	}
}

func (a *App) runCommand(cmd command) {
	ctx, cancel := context.WithTimeout(a.ctx, commandTimeout)
	defer cancel()

	switch cmd.name {
	case "alert":
		if len(cmd.args) < 2 || len(cmd.args) > 3 {
			a.flash("usage: /alert <above|below> <price> [hours]", "yellow")
			return
		}
		hours := ""
		if len(cmd.args) == 3 {
			hours = cmd.args[2]
		}
		spec, err := detector.ParseAlertSpec(cmd.args[1], cmd.args[0], hours)
		if err != nil {
			a.flash(err.Error(), "red")
			return
		}
		id, err := a.monitor.AddAlert(ctx, a.subject, spec)
		if err != nil {
			a.flash("Failed to set alert: "+err.Error(), "red")
			return
		}
		a.flash(fmt.Sprintf("Alert %s set: %s $%s", shortID(id), spec.Direction, spec.PriceLevel), "green")

	case "rmalert":
		if len(cmd.args) != 1 {
			a.flash("usage: /rmalert <id>", "yellow")
			return
		}
		id, ok := a.matchAlert(cmd.args[0])
		if !ok {
			a.flash("No alert matches "+cmd.args[0], "red")
			return
		}
		if err := a.monitor.RemoveAlert(ctx, a.subject, id); err != nil {
			a.flash("Failed to remove alert: "+err.Error(), "red")
			return
		}
		a.flash("Alert "+shortID(id)+" removed", "green")

	default:
		a.flash(chatHelp, "white")
	}
	a.redraw()
}

// matchAlert resolves a full or shortened alert id.
func (a *App) matchAlert(prefix string) (string, bool) {
	var match string
	for _, alert := range a.monitor.Alerts(a.subject) {
		if strings.HasPrefix(alert.ID, prefix) {
			if match != "" {
				return "", false
			}
			match = alert.ID
		}
	}
	return match, match != ""
}

// flash shows msg in the banner row until it is replaced or times out.
func (a *App) flash(msg, color string) {
	a.mu.Lock()
	a.bannerGen++
	gen := a.bannerGen
	a.mu.Unlock()

	text := fmt.Sprintf(" [%s]%s[-]", color, tview.Escape(msg))
	a.app.QueueUpdateDraw(func() {
		a.banner.SetText(text)
	})

	time.AfterFunc(bannerDuration, func() {
		a.mu.Lock()
		current := a.bannerGen == gen
		a.mu.Unlock()
		if !current || a.ctx.Err() != nil {
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.banner.Clear()
		})
	})
}
