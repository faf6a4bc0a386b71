package rodadapter

import "github.com/go-rod/rod/lib/input"

// keyByName maps the named keys the core requests (PromptInjector only
// ever needs "enter") to go-rod's input key codes.
var keyByName = map[string]input.Key{
	"enter":     input.Enter,
	"escape":    input.Escape,
	"tab":       input.Tab,
	"backspace": input.Backspace,
}
