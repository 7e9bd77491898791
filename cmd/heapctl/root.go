package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/internal/logger"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	logJSON  bool
	settings []string

	// logOut receives --verbose logs.
	logOut io.Writer = os.Stderr
)

var rootCmd = &cobra.Command{
	Use:   "heapctl",
	Short: "Inspect and exercise the heapkit allocator",
	Long: `heapctl inspects the size-class geometry of a heapkit Heap, runs
synthetic allocation workloads against it, and reports page, large object,
and scavenger statistics.

Geometry can be overridden with --set, for example:
  heapctl geometry --set small.pagesize=64KiB --set alignment=16`,
	Version: "0.1.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging(logOut)
	},
	SilenceUsage: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit verbose logs as JSON")
	rootCmd.PersistentFlags().
		StringArrayVar(&settings, "set", nil, "Override a heap setting (key=value, repeatable)")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging routes the heap's debug logs to w when --verbose is set.
func initLogging(w io.Writer) {
	logger.Init(logger.Options{
		Enabled: verbose && !quiet,
		Writer:  w,
		JSON:    logJSON,
		Level:   slog.LevelDebug,
	})
}

// loadConfig applies every --set override on top of the default settings.
func loadConfig() (heap.Config, error) {
	setts := heap.DefaultSettings()
	for _, assignment := range settings {
		override, err := setts.Set(assignment)
		if err != nil {
			return heap.Config{}, err
		}
		setts = setts.Mixin(override)
	}
	return heap.ConfigFromSettings(setts)
}

// Helper functions for output

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
