package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/model"
	"github.com/sakif/snippetbox/internal/server"
)

var (
	runLanguage  string
	runPackages  []string
	runCPU       time.Duration
	runMemory    int64
	runWallClock time.Duration
	runKeep      bool
	runJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute a snippet once from the command line",
	Long: `Execute a single snippet under the configured limits and print its
output. The source is read from file, or from stdin when file is "-" or
omitted. Local runs are trusted, so limit flags and --keep are honored.

Examples:
  snippetbox run hello.py
  echo 'echo hi' | snippetbox run --language bash
  snippetbox run --package numpy --wall-clock 20s analysis.py`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSnippet,
}

func init() {
	runCmd.Flags().StringVarP(&runLanguage, "language", "l", "", "Snippet language (default: inferred from the file extension)")
	runCmd.Flags().StringSliceVarP(&runPackages, "package", "p", nil, "Package to make available (repeatable)")
	runCmd.Flags().DurationVar(&runCPU, "cpu", 0, "CPU time limit override")
	runCmd.Flags().Int64Var(&runMemory, "memory", 0, "Memory limit override in bytes")
	runCmd.Flags().DurationVar(&runWallClock, "wall-clock", 0, "Wall-clock limit override")
	runCmd.Flags().BoolVar(&runKeep, "keep", false, "Keep the environment directory after the run")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the full result as JSON")
	rootCmd.AddCommand(runCmd)
}

func runSnippet(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	path := "-"
	if len(args) == 1 {
		path = args[0]
	}
	source, err := readSource(cmd.InOrStdin(), path)
	if err != nil {
		return err
	}

	lang := model.Language(strings.ToLower(runLanguage))
	if lang == "" {
		lang = languageFromPath(path)
	}
	if lang == "" {
		return errors.New("cannot infer the language; pass --language")
	}

	rt, err := server.NewRuntime(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	result := rt.Dispatcher.Execute(cmd.Context(), model.ExecutionRequest{
		ID:          xid.New().String(),
		Language:    lang,
		Source:      source,
		Packages:    runPackages,
		SubmittedAt: time.Now(),
		Class:       limiter.ClassTrusted,
		Overrides: &limiter.Limits{
			CPUTime:     runCPU,
			MemoryBytes: runMemory,
			WallClock:   runWallClock,
		},
		KeepArtifacts: runKeep,
	})

	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, result.Stdout)
		fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
	}

	if result.Status != model.StatusSuccess {
		return fmt.Errorf("execution %s finished with status %s", result.RequestID, result.Status)
	}
	return nil
}

func readSource(stdin io.Reader, path string) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(b), nil
}

func languageFromPath(path string) model.Language {
	switch filepath.Ext(path) {
	case ".py":
		return model.Python
	case ".sh", ".bash":
		return model.Bash
	case ".js", ".mjs":
		return model.JavaScript
	}
	return ""
}
