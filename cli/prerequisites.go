// Package cli checks that the tools and helper scripts nfcbridge shells out
// to are present before anything is started.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/databox/nfcbridge/config"
)

// PrerequisiteKind says how a prerequisite is located.
type PrerequisiteKind int

const (
	KindBinary PrerequisiteKind = iota // looked up in PATH
	KindFile                           // checked on disk
)

// Prerequisite represents a required tool or helper script
type Prerequisite struct {
	Name        string // Command name or file path
	Kind        PrerequisiteKind
	Required    bool   // Whether nfcbridge can run without it
	Description string // Human-readable description
	Hint        string // How to fix a missing prerequisite
}

// DefaultPrerequisites returns what cfg needs: the interpreter, the helper
// scripts, and ps for orphan cleanup.
func DefaultPrerequisites(cfg *config.Config) []Prerequisite {
	prereqs := []Prerequisite{
		{
			Name:        cfg.Interpreter,
			Kind:        KindBinary,
			Required:    true,
			Description: "Python interpreter",
			Hint:        "install Python 3 with nfcpy/pyscard or set interpreter in " + configHint(cfg),
		},
	}
	for _, kind := range config.AllScripts() {
		prereqs = append(prereqs, Prerequisite{
			Name:        cfg.ScriptPath(kind),
			Kind:        KindFile,
			Required:    kind != config.ScriptLookup, // only the lookup method needs the database helper
			Description: fmt.Sprintf("%s script", kind),
			Hint:        "set scripts_dir or scripts." + string(kind) + " in " + configHint(cfg),
		})
	}
	if runtime.GOOS != "windows" {
		prereqs = append(prereqs, Prerequisite{
			Name:        "ps",
			Kind:        KindBinary,
			Required:    false,
			Description: "ps (optional, for `nfcbridge cleanup`)",
			Hint:        "install procps",
		})
	}
	return prereqs
}

func configHint(cfg *config.Config) string {
	if p := cfg.FilePath(); p != "" {
		return p
	}
	return "the config file"
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Resolved path if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that a prerequisite is available
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	switch prereq.Kind {
	case KindFile:
		info, err := os.Stat(prereq.Name)
		if err != nil {
			result.Error = fmt.Errorf("%s not found", prereq.Name)
			return result
		}
		if info.IsDir() {
			result.Error = fmt.Errorf("%s is a directory", prereq.Name)
			return result
		}
		result.Found = true
		result.Path = prereq.Name

	default:
		path, err := exec.LookPath(prereq.Name)
		if err != nil {
			result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
			return result
		}
		result.Found = true
		result.Path = path
		result.Version = getVersion(path)
	}

	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met
// Returns nil if everything required is found, otherwise returns an error
// describing what's missing
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string

	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		result := Check(prereq)
		if !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Fix: %s",
				prereq.Name, prereq.Description, prereq.Hint))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing prerequisites:\n%s", strings.Join(missing, "\n"))
	}

	return nil
}

// versionTimeout bounds a --version probe.
const versionTimeout = 3 * time.Second

// getVersion returns the first line of `<path> --version`, or "".
func getVersion(path string) string {
	ctx, cancel := context.WithTimeout(context.Background(), versionTimeout)
	defer cancel()

	// Python 2 prints its version to stderr.
	output, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return ""
	}
	version, _, _ := strings.Cut(string(output), "\n")
	version = strings.TrimSpace(version)
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		fmt.Fprintf(&sb, "  %s %s", status, r.Prerequisite.Description)
		switch {
		case r.Found && r.Version != "":
			fmt.Fprintf(&sb, " (%s)", r.Version)
		case r.Found:
			fmt.Fprintf(&sb, " (%s)", r.Path)
		case r.Prerequisite.Required:
			fmt.Fprintf(&sb, " [REQUIRED] %s", r.Prerequisite.Name)
		default:
			fmt.Fprintf(&sb, " [optional] %s", r.Prerequisite.Name)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
