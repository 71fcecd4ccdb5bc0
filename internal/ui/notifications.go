package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/tradepilot/companion/internal/store"
)

// NotificationsView displays the notification list, newest first.
type NotificationsView struct {
	list     *tview.List
	maxItems int
}

// NewNotificationsView creates a new notifications view.
func NewNotificationsView(maxItems int) *NotificationsView {
	list := tview.NewList().
		ShowSecondaryText(true)

	list.SetTitle(" 🔔 Notifications ").SetBorder(true)
	list.SetMainTextColor(tcell.ColorWhite)

	v := &NotificationsView{
		list:     list,
		maxItems: maxItems,
	}
	v.Update(nil)
	return v
}

// Widget returns the tview primitive.
func (v *NotificationsView) Widget() tview.Primitive {
	return v.list
}

// Update rebuilds the list from notifications (newest first).
func (v *NotificationsView) Update(notifications []store.Notification) {
	v.list.Clear()

	if len(notifications) == 0 {
		v.list.AddItem("No notifications yet", "", 0, nil)
		v.list.SetTitle(" 🔔 Notifications ")
		return
	}

	if v.maxItems > 0 && len(notifications) > v.maxItems {
		notifications = notifications[:v.maxItems]
	}

	for _, n := range notifications {
		mainText, secondaryText := formatNotification(n)
		v.list.AddItem(mainText, secondaryText, 0, nil)
	}

	v.list.SetTitle(fmt.Sprintf(" 🔔 Notifications (%d) ", len(notifications)))
}

// formatNotification formats a notification for display.
func formatNotification(n store.Notification) (string, string) {
	icon := notificationIcon(n.Type)
	color := priorityColor(n.Priority)

	mainText := fmt.Sprintf("%s %s [%s]%s[-]", n.Timestamp.Local().Format("15:04:05"), icon, color, n.Message)
	secondaryText := fmt.Sprintf("%s | %s", n.Type, n.Priority)

	if price, ok := n.Data["current_price"]; ok {
		secondaryText += fmt.Sprintf(" | price %v", price)
	}

	return mainText, secondaryText
}

func notificationIcon(notificationType string) string {
	switch notificationType {
	case store.NotifyLiquidationRisk:
		return "🔴"
	case store.NotifyPnLAlert:
		return "💰"
	case store.NotifyPositionUpdate:
		return "📊"
	case store.NotifyOrderExecuted:
		return "✅"
	case store.NotifyOrderCancelled:
		return "❌"
	case store.NotifyFundingRate:
		return "⏱"
	case store.NotifySystemAlert:
		return "🔔"
	}
	return "❓"
}

// priorityColor returns the tview color tag for a priority.
func priorityColor(p store.Priority) string {
	switch p {
	case store.PriorityCritical:
		return "red"
	case store.PriorityHigh:
		return "orange"
	case store.PriorityLow:
		return "gray"
	}
	return "white"
}
