package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/tradepilot/companion/internal/store"
)

var transactionHeaders = []string{"Time", "Asset", "Amount", "State", "Detail"}

// TransactionsView displays the trade transaction history.
type TransactionsView struct {
	table   *tview.Table
	maxRows int
}

// NewTransactionsView creates a new transactions view.
func NewTransactionsView() *TransactionsView {
	table := tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)

	table.SetTitle(" Transactions ").SetBorder(true)

	v := &TransactionsView{
		table:   table,
		maxRows: 50,
	}
	v.setHeader()
	return v
}

// Widget returns the tview primitive.
func (v *TransactionsView) Widget() tview.Primitive {
	return v.table
}

func (v *TransactionsView) setHeader() {
	for col, header := range transactionHeaders {
		cell := tview.NewTableCell(header).
			SetTextColor(tview.Styles.SecondaryTextColor).
			SetAlign(tview.AlignLeft).
			SetSelectable(false)
		v.table.SetCell(0, col, cell)
	}
}

// Update redraws the table from txs (newest first).
func (v *TransactionsView) Update(txs []store.Transaction) {
	v.table.Clear()
	v.setHeader()

	if len(txs) > v.maxRows {
		txs = txs[:v.maxRows]
	}

	for i, tx := range txs {
		row := i + 1

		asset := tx.Asset
		if asset == "" {
			asset = "?"
		}
		amount := tx.Amount
		if amount == "" {
			amount = "-"
		}

		detail := tx.Reason
		if detail == "" {
			detail = tx.Request
		}
		if len(detail) > 40 {
			detail = detail[:37] + "..."
		}

		cells := []*tview.TableCell{
			tview.NewTableCell(tx.UpdatedAt.Local().Format("15:04:05")),
			tview.NewTableCell(asset),
			tview.NewTableCell(amount),
			tview.NewTableCell(string(tx.State)).SetTextColor(txStateColor(tx.State)),
			tview.NewTableCell(detail),
		}

		for col, cell := range cells {
			v.table.SetCell(row, col, cell.SetAlign(tview.AlignLeft))
		}
	}

	v.table.SetTitle(fmt.Sprintf(" Transactions (%d) ", len(txs)))
}

func txStateColor(s store.TxState) tcell.Color {
	switch s {
	case store.TxCompleted:
		return tcell.ColorGreen
	case store.TxFailed:
		return tcell.ColorRed
	case store.TxInProgress:
		return tcell.ColorYellow
	}
	return tcell.ColorWhite
}
