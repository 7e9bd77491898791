package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	// Save original stdout
	origStdout := os.Stdout

	// Create a pipe to capture output
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("failed to create pipe: %v", err)
	}

	// Drain the pipe while fn runs so large outputs cannot block it
	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, err := buf.ReadFrom(r)
		done <- err
	}()

	os.Stdout = w
	fnErr := fn()

	// Close write end and restore stdout
	w.Close()
	os.Stdout = origStdout

	if err := <-done; err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	return buf.String(), fnErr
}

// runCommand runs heapctl with args and returns what it printed. Global
// flags are reset first since cobra keeps them between executions.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags()
	rootCmd.SetArgs(args)
	return captureOutput(t, rootCmd.Execute)
}

func resetFlags() {
	verbose, quiet, jsonOut, logJSON = false, false, false, false
	settings = nil
	logOut = os.Stderr
	geometryLines = false
	simOps, simSeed, simBackend, simLimit, simCheck, simKeep = 100000, 1, "sim", "", false, false
	statsExercise = 0
}

// decodeJSON unmarshals output into v
func decodeJSON(t *testing.T, output string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(output), v); err != nil {
		t.Fatalf("invalid JSON output: %v\nOutput: %s", err, output)
	}
}

// assertContains checks that output contains all expected strings
func assertContains(t *testing.T, output string, expected []string) {
	t.Helper()
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("output missing expected string %q\nGot: %s", want, output)
		}
	}
}
