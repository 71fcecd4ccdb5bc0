package ui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/tradepilot/companion/internal/chat"
	"github.com/tradepilot/companion/internal/store"
)

const chatHelp = "/alert <above|below> <price> [hours]  /rmalert <id>  /help"

// ChatView shows the assistant conversation with an input line below it.
type ChatView struct {
	log   *tview.TextView
	input *tview.InputField
	flex  *tview.Flex
}

// NewChatView creates a new chat view. submit is called with each entered line.
func NewChatView(submit func(string)) *ChatView {
	log := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)

	input := tview.NewInputField().
		SetLabel("> ").
		SetFieldBackgroundColor(tcell.ColorBlack).
		SetPlaceholder("Ask the assistant or type /help")

	input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := input.GetText()
		if strings.TrimSpace(text) == "" {
			return
		}
		input.SetText("")
		submit(text)
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(log, 0, 1, false).
		AddItem(input, 1, 0, true)
	flex.SetTitle(" Assistant ").SetBorder(true)

	return &ChatView{
		log:   log,
		input: input,
		flex:  flex,
	}
}

// Widget returns the tview primitive.
func (v *ChatView) Widget() tview.Primitive {
	return v.flex
}

// Input returns the input field so the app can move focus to it.
func (v *ChatView) Input() *tview.InputField {
	return v.input
}

// Update redraws the conversation.
func (v *ChatView) Update(turns []store.ChatTurn, state chat.State, busy bool) {
	v.log.Clear()

	for _, t := range turns {
		fmt.Fprintln(v.log, formatTurn(t))
	}
	v.log.ScrollToEnd()

	title := " Assistant "
	switch {
	case busy:
		title = " Assistant (thinking...) "
	case state == chat.StateAwaitingConfirmation:
		title = " Assistant [yellow](type yes to confirm)[-] "
	}
	v.flex.SetTitle(title)
}

func formatTurn(t store.ChatTurn) string {
	text := tview.Escape(t.Content)
	switch t.Role {
	case store.RoleUser:
		return "[aqua]you:[-] " + text
	case store.RoleAssistant:
		return "[green]assistant:[-] " + text
	}
	return "[gray]" + text + "[-]"
}

// command is a parsed slash command entered in the chat input.
type command struct {
	name string
	args []string
}

// parseCommand splits a slash command. ok is false for ordinary chat text.
func parseCommand(input string) (command, bool) {
	text := strings.TrimSpace(input)
	if !strings.HasPrefix(text, "/") {
		return command{}, false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return command{name: "help"}, true
	}
	return command{name: strings.ToLower(fields[0]), args: fields[1:]}, true
}
