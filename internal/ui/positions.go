package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/tradepilot/companion/internal/ingest"
	"github.com/tradepilot/companion/internal/store"
)

var positionHeaders = []string{"Asset", "Entry", "Current", "PnL", "Leverage"}

// PositionsView displays open positions.
type PositionsView struct {
	table *tview.Table
}

// NewPositionsView creates a new positions view.
func NewPositionsView() *PositionsView {
	table := tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)

	table.SetTitle(" Positions ").SetBorder(true)

	v := &PositionsView{table: table}
	v.setHeader()
	return v
}

// Widget returns the tview primitive.
func (v *PositionsView) Widget() tview.Primitive {
	return v.table
}

func (v *PositionsView) setHeader() {
	for col, header := range positionHeaders {
		cell := tview.NewTableCell(header).
			SetTextColor(tview.Styles.SecondaryTextColor).
			SetAlign(tview.AlignLeft).
			SetSelectable(false).
			SetExpansion(1)
		v.table.SetCell(0, col, cell)
	}
}

// Update refreshes the table. ok is false while no sample has succeeded.
func (v *PositionsView) Update(positions []store.Position, status ingest.PollStatus, ok bool) {
	v.table.Clear()
	v.setHeader()

	v.table.SetTitle(" Positions " + freshnessLabel(status) + " ")

	if !ok {
		v.table.SetCell(1, 0, tview.NewTableCell("Loading...").SetExpansion(1))
		return
	}
	if len(positions) == 0 {
		v.table.SetCell(1, 0, tview.NewTableCell("No open positions").SetExpansion(1))
		return
	}

	for i, p := range positions {
		row := i + 1

		pnlColor := tcell.ColorWhite
		if p.PnL.IsPositive() {
			pnlColor = tcell.ColorGreen
		} else if p.PnL.IsNegative() {
			pnlColor = tcell.ColorRed
		}

		cells := []*tview.TableCell{
			tview.NewTableCell(p.Asset),
			tview.NewTableCell("$" + p.EntryPrice.StringFixed(2)),
			tview.NewTableCell("$" + p.CurrentPrice.StringFixed(2)),
			tview.NewTableCell(fmt.Sprintf("%s$%s", signPrefix(p.PnL.Sign()), p.PnL.Abs().StringFixed(2))).
				SetTextColor(pnlColor),
			tview.NewTableCell(p.Leverage.String() + "x"),
		}

		for col, cell := range cells {
			v.table.SetCell(row, col, cell.SetAlign(tview.AlignLeft).SetExpansion(1))
		}
	}
}

func signPrefix(sign int) string {
	switch {
	case sign > 0:
		return "+"
	case sign < 0:
		return "-"
	}
	return ""
}

// freshnessLabel describes how current a polled value is.
func freshnessLabel(status ingest.PollStatus) string {
	switch {
	case status.LastErr != nil && !status.LastSuccess.IsZero():
		return fmt.Sprintf("[red](stale, updated %s)[-]", formatTimeAgo(status.LastSuccess))
	case status.LastErr != nil:
		return "[red](unavailable)[-]"
	case !status.LastSuccess.IsZero():
		return fmt.Sprintf("(updated %s)", formatTimeAgo(status.LastSuccess))
	}
	return ""
}
