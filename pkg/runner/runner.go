package runner

import (
	"bytes"
	"context"
	"io"
	"os"
	"strconv"

	"github.com/dimiro1/banner"
)

// State is where a runner sits in its start, drain and stop sequence.
type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Runner owns a service's lifetime: Run blocks until ctx ends or Stop is called.
type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

// Hooks run once each, after the runner enters running and after it stops.
type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer finishes in-flight work before the runner reports stopped.
type Drainer interface {
	Drain() error
}

// DrainerFunc adapts a function to Drainer.
type DrainerFunc func() error

func (f DrainerFunc) Drain() error { return f() }

// Version is overridden at build time with -ldflags.
var Version = "dev"

// Banner is the startup banner template rendered by dimiro1/banner.
func Banner() string {
	return "{{ .Title \"CALLSENTRY\" \"\" 0 }}\nVersion: " + Version + "\nGo: {{ .GoVersion }}\n"
}

// PrintBanner writes the banner to w, or stdout when w is nil.
func PrintBanner(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	banner.Init(w, true, false, bytes.NewBufferString(Banner()))
}
