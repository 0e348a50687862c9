// Package scan defines the post-phase validation scanners. Scanners are
// pure checks over the project tree: security, coverage and dependency
// scanning all return the same structured result. Blocking findings force
// an escalation; warnings are logged and ignored.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"maestro/internal/logging"
)

// Finding is one scanner observation.
type Finding struct {
	Rule    string `json:"rule"`
	Path    string `json:"path,omitempty"`
	Line    int    `json:"line,omitempty"`
	Message string `json:"message"`
}

// Result is the outcome of one scanner run.
type Result struct {
	Scanner          string    `json:"scanner"`
	BlockingFindings []Finding `json:"blocking_findings,omitempty"`
	Warnings         []Finding `json:"warnings,omitempty"`
	Report           string    `json:"report,omitempty"`
	RanAt            time.Time `json:"ran_at"`
}

// Blocking reports whether the result must escalate the workflow.
func (r *Result) Blocking() bool { return len(r.BlockingFindings) > 0 }

// Scanner inspects a project directory.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, projectDir string) (*Result, error)
}

// NoopScanner passes everything. It is the default for scanner slots with
// no configured implementation.
type NoopScanner struct {
	ScannerName string
}

func (n *NoopScanner) Name() string {
	if n.ScannerName == "" {
		return "noop"
	}
	return n.ScannerName
}

func (n *NoopScanner) Scan(_ context.Context, _ string) (*Result, error) {
	return &Result{Scanner: n.Name(), RanAt: time.Now().UTC()}, nil
}

// FuncScanner adapts a function, used to plug in external scanners and to
// script findings in tests.
type FuncScanner struct {
	ScannerName string
	Fn          func(ctx context.Context, projectDir string) (*Result, error)
}

func (f *FuncScanner) Name() string { return f.ScannerName }

func (f *FuncScanner) Scan(ctx context.Context, projectDir string) (*Result, error) {
	result, err := f.Fn(ctx, projectDir)
	if result != nil {
		result.Scanner = f.ScannerName
		if result.RanAt.IsZero() {
			result.RanAt = time.Now().UTC()
		}
	}
	return result, err
}

// Suite runs the configured scanners in order and persists their reports
// under .workflow/scans/.
type Suite struct {
	Security     Scanner
	Coverage     Scanner
	Dependencies Scanner
}

// DefaultSuite has every slot filled with a no-op.
func DefaultSuite() *Suite {
	return &Suite{
		Security:     &NoopScanner{ScannerName: "security"},
		Coverage:     &NoopScanner{ScannerName: "coverage"},
		Dependencies: &NoopScanner{ScannerName: "dependencies"},
	}
}

// Run executes all scanners. A scanner error is converted into a warning
// result rather than failing the suite; only findings block.
func (s *Suite) Run(ctx context.Context, projectDir string) []*Result {
	scanners := []Scanner{s.Security, s.Coverage, s.Dependencies}
	results := make([]*Result, 0, len(scanners))
	for _, scanner := range scanners {
		if scanner == nil {
			continue
		}
		result, err := scanner.Scan(ctx, projectDir)
		if err != nil {
			logging.Workflow("scanner %s failed: %v", scanner.Name(), err)
			result = &Result{
				Scanner:  scanner.Name(),
				Warnings: []Finding{{Rule: "scanner-error", Message: err.Error()}},
				RanAt:    time.Now().UTC(),
			}
		}
		for _, w := range result.Warnings {
			logging.Workflow("scanner %s warning: %s", scanner.Name(), w.Message)
		}
		writeReport(projectDir, result)
		results = append(results, result)
	}
	return results
}

// AnyBlocking reports whether any result carries blocking findings.
func AnyBlocking(results []*Result) bool {
	for _, r := range results {
		if r.Blocking() {
			return true
		}
	}
	return false
}

// writeReport persists a scanner report as a derived artifact. Failures
// are logged only; reports are not authoritative state.
func writeReport(projectDir string, result *Result) {
	dir := filepath.Join(projectDir, ".workflow", "scans")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.Workflow("cannot create scan report dir: %v", err)
		return
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.json", result.Scanner))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		logging.Workflow("cannot write scan report: %v", err)
	}
}
