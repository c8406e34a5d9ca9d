// Package runner manages the daemon lifecycle: start hooks, a bounded drain
// on shutdown, and the startup banner.
package runner

import (
	"bytes"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer finishes in-flight work before the process exits; for this daemon
// that means stopping every active transcription session.
type Drainer interface {
	Drain() error
}

const Version = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"STENTOR\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}

// DrainerFunc adapts a plain function to Drainer.
type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

var _ Drainer = (DrainerFunc)(nil)
