package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Version is the current massblock version (overridden by ldflags
	// at build time).
	Version = "0.3.0"
	// Build can be set via ldflags at compile time.
	Build = "dev"
	// Commit is the git revision the binary was built from (optional
	// ldflag).
	Commit = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		commit := Commit
		if commit == "" {
			commit = vcsRevision()
		}
		if commit != "" {
			fmt.Printf("massblock version %s (%s: %s)\n", Version, Build, shortCommit(commit))
		} else {
			fmt.Printf("massblock version %s (%s)\n", Version, Build)
		}
	},
}

// vcsRevision falls back to the revision Go stamped into the build
// when no ldflag was provided.
func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
