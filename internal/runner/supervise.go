package runner

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sakif/snippetbox/internal/limiter"
)

// argv[0] values the binary is re-executed with.
const (
	superviseArg = "snippetbox-supervise"
	stageArg     = "snippetbox-stage"
)

// launch is handed from the runner to the supervisor, and on to the stage,
// as the single argument after argv[0].
type launch struct {
	Limits limiter.Limits     `json:"limits"`
	Memory limiter.MemoryKind `json:"memory"`
	Argv   []string           `json:"argv"`
}

func decodeLaunch(args []string) (launch, error) {
	var l launch
	if len(args) != 1 {
		return l, errors.New("expected a single launch argument")
	}
	if err := json.Unmarshal([]byte(args[0]), &l); err != nil {
		return l, fmt.Errorf("decoding launch: %w", err)
	}
	if len(l.Argv) == 0 {
		return l, errors.New("launch has no command")
	}
	return l, nil
}

// exitReport is written by the supervisor on its status pipe once the
// snippet and every descendant it left behind are gone.
type exitReport struct {
	ExitCode int           `json:"exit_code"`
	Signal   int           `json:"signal,omitempty"`
	CPU      time.Duration `json:"cpu"`
	TimedOut bool          `json:"timed_out,omitempty"`
	// Orphans counts processes still running after the snippet exited.
	Orphans    int    `json:"orphans,omitempty"`
	SetupError string `json:"setup_error,omitempty"`
}

func readReport(r io.Reader) (*exitReport, error) {
	var rep exitReport
	if err := json.NewDecoder(r).Decode(&rep); err != nil {
		return nil, fmt.Errorf("reading supervisor report: %w", err)
	}
	return &rep, nil
}

// Init takes over the process and exits when it was re-executed as a
// snippet supervisor or stage. Otherwise it returns immediately. Call it
// before anything else in main, and in TestMain of packages whose tests run
// snippets on the host.
func Init() {
	switch os.Args[0] {
	case superviseArg:
		os.Exit(supervise(os.Args[1:]))
	case stageArg:
		os.Exit(stage(os.Args[1:]))
	}
}
