package main

import (
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Stamped with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
// Unstamped builds fall back to the module and VCS data the toolchain embeds.
var (
	version = "dev"
	commit  string
	date    string
)

// VersionInfo is the version command's output.
type VersionInfo struct {
	Version  string `json:"version"`
	Commit   string `json:"commit,omitempty"`
	Built    string `json:"built,omitempty"`
	Modified bool   `json:"modified,omitempty"`
	Go       string `json:"go"`
	Platform string `json:"platform"`
}

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `The version command prints the heapctl release, the commit it was
built from when known, and the Go toolchain and platform.

Example:
  heapctl version
  heapctl version --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion()
		},
	})
}

func buildVersion() VersionInfo {
	v := VersionInfo{
		Version:  version,
		Commit:   commit,
		Built:    date,
		Go:       runtime.Version(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	if v.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		v.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if v.Commit == "" {
				v.Commit = s.Value
			}
		case "vcs.time":
			if v.Built == "" {
				v.Built = s.Value
			}
		case "vcs.modified":
			v.Modified = s.Value == "true"
		}
	}
	return v
}

func runVersion() error {
	v := buildVersion()
	if jsonOut {
		return printJSON(v)
	}
	printInfo("heapctl %s\n", v.Version)
	if v.Commit != "" {
		dirty := ""
		if v.Modified {
			dirty = " (modified)"
		}
		printInfo("  commit: %s%s\n", v.Commit, dirty)
	}
	if v.Built != "" {
		printInfo("  built:  %s\n", v.Built)
	}
	printInfo("  go:     %s %s\n", v.Go, v.Platform)
	return nil
}
