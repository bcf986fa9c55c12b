// reclaim - leaked test-session and resource-group garbage collector
// Discover. Remediate. Repeat.
package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/yairfalse/reclaim/telemetry"
)

func main() {
	Execute()
}

// newLogger builds the process logger. Pretty output goes to stderr in
// zerolog's console format; otherwise JSON lines go to stdout.
func newLogger(level string, pretty bool) (*telemetry.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(lvl)

	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return telemetry.NewLoggerWithWriter("reclaim", w), nil
}
