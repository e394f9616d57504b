package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/buildforge/buildforge/internal/events"
)

// resolveMode turns the --mode flag into a concrete rendering mode, the way
// internal/worker's statusTerm field decides whether to draw a status line
// at all: auto defers to whether stdout is a terminal.
func resolveMode(mode string) string {
	if mode != "auto" {
		return mode
	}
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return "interactive"
	}
	return "plain"
}

// renderEvents drains stream until it is closed, formatting each Event
// per mode. Rendering is the one half of the EventStream seam the engine
// itself owns no opinion about; this is a minimal CLI-local implementation,
// not a general-purpose terminal UI.
func renderEvents(mode string, stream *events.Stream) {
	resolved := resolveMode(mode)
	if resolved == "quiet" {
		return
	}
	ch := stream.Subscribe()
	for e := range ch {
		switch resolved {
		case "interactive":
			fmt.Fprintf(os.Stderr, "\r%-10s %s\033[K", e.Kind, e.Target)
		case "verbose":
			if e.Detail != "" {
				fmt.Fprintf(os.Stderr, "%-10s %s: %s\n", e.Kind, e.Target, e.Detail)
			} else {
				fmt.Fprintf(os.Stderr, "%-10s %s\n", e.Kind, e.Target)
			}
		default: // plain
			fmt.Fprintf(os.Stderr, "%-10s %s\n", e.Kind, e.Target)
		}
	}
}
