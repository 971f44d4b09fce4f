// Package core is the built-in component library, registered under the
// "core" namespace.
package core

import (
	"embed"
	"log/slog"
	"sort"

	"github.com/basket/flowrt/internal/component"
)

// Library is the namespace core components are registered under.
const Library = "core"

//go:embed repeat.go drop.go kick.go output.go merge.go split.go
var sources embed.FS

type entry struct {
	factory component.Factory
	file    string
}

func catalog(logger *slog.Logger) map[string]entry {
	return map[string]entry{
		"Repeat": {func() component.Component { return Repeat{} }, "repeat.go"},
		"Drop":   {func() component.Component { return Drop{} }, "drop.go"},
		"Kick":   {func() component.Component { return &Kick{} }, "kick.go"},
		"Output": {func() component.Component { return &Output{Logger: logger} }, "output.go"},
		"Merge":  {func() component.Component { return Merge{} }, "merge.go"},
		"Split":  {func() component.Component { return Split{} }, "split.go"},
	}
}

// Factories returns the library keyed by full name, e.g. "core/Repeat".
func Factories(logger *slog.Logger) map[string]component.Factory {
	out := map[string]component.Factory{}
	for name, e := range catalog(logger) {
		out[Library+"/"+name] = e.factory
	}
	return out
}

// Names returns the sorted full names of the library.
func Names() []string {
	var out []string
	for name := range catalog(nil) {
		out = append(out, Library+"/"+name)
	}
	sort.Strings(out)
	return out
}

// Source returns the Go source of a core component by short name.
func Source(name string) (string, bool) {
	e, ok := catalog(nil)[name]
	if !ok {
		return "", false
	}
	b, err := sources.ReadFile(e.file)
	if err != nil {
		return "", false
	}
	return string(b), true
}
