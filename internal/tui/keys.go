package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
)

// keyMap holds every binding the view reacts to.
type keyMap struct {
	NextPane key.Binding
	PrevPane key.Binding
	Agents   key.Binding
	Progress key.Binding
	Down     key.Binding
	Up       key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	NextPane: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
	PrevPane: key.NewBinding(key.WithKeys("shift+tab"), key.WithHelp("shift+tab", "back")),
	Agents:   key.NewBinding(key.WithKeys("1"), key.WithHelp("1", "agents")),
	Progress: key.NewBinding(key.WithKeys("2"), key.WithHelp("2", "progress")),
	Down:     key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "next agent")),
	Up:       key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "prev agent")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPane, k.Agents, k.Progress, k.Down, k.Up, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.NextPane, k.PrevPane, k.Agents, k.Progress},
		{k.Down, k.Up, k.Quit},
	}
}

// newHelp returns the one-line help bar model.
func newHelp() help.Model {
	h := help.New()
	h.Styles.ShortKey = StyleHelp.Bold(true)
	h.Styles.ShortDesc = StyleHelp
	h.Styles.ShortSeparator = StyleHelp
	return h
}
