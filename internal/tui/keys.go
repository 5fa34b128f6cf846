package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the launcher key bindings
type KeyMap struct {
	Play     key.Binding
	Sync     key.Binding
	Cancel   key.Binding
	Retry    key.Binding
	Seeding  key.Binding
	Upload   key.Binding
	Download key.Binding
	Dismiss  key.Binding
	Quit     key.Binding
}

func DefaultKeyMap() KeyMap {
	return KeyMap{
		Play: key.NewBinding(
			key.WithKeys("enter", "p"),
			key.WithHelp("enter", "play"),
		),
		Sync: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "sync"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "cancel sync"),
		),
		Retry: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "recheck"),
		),
		Seeding: key.NewBinding(
			key.WithKeys("t"),
			key.WithHelp("t", "seeding"),
		),
		Upload: key.NewBinding(
			key.WithKeys("u", "U"),
			key.WithHelp("u/U", "upload limit"),
		),
		Download: key.NewBinding(
			key.WithKeys("d", "D"),
			key.WithHelp("d/D", "download limit"),
		),
		Dismiss: key.NewBinding(
			key.WithKeys("enter", "esc", " "),
			key.WithHelp("enter", "dismiss"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// Keys is the global key bindings instance
var Keys = DefaultKeyMap()
