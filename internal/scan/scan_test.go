package scan

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopScannerPasses(t *testing.T) {
	n := &NoopScanner{ScannerName: "security"}
	result, err := n.Scan(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.False(t, result.Blocking())
	assert.Empty(t, result.Warnings)
	assert.Equal(t, "security", result.Scanner)
}

func TestFuncScannerStampsNameAndTime(t *testing.T) {
	f := &FuncScanner{
		ScannerName: "coverage",
		Fn: func(_ context.Context, _ string) (*Result, error) {
			return &Result{Warnings: []Finding{{Rule: "low-coverage", Message: "62%"}}}, nil
		},
	}
	result, err := f.Scan(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "coverage", result.Scanner)
	assert.False(t, result.RanAt.IsZero())
	assert.False(t, result.Blocking(), "warnings alone never block")
}

func TestSuiteRunWritesReports(t *testing.T) {
	dir := t.TempDir()
	suite := DefaultSuite()
	suite.Security = &FuncScanner{
		ScannerName: "security",
		Fn: func(_ context.Context, _ string) (*Result, error) {
			return &Result{
				BlockingFindings: []Finding{{Rule: "hardcoded-secret", Path: "main.go", Line: 12, Message: "api key"}},
			}, nil
		},
	}

	results := suite.Run(context.Background(), dir)
	require.Len(t, results, 3)
	assert.True(t, AnyBlocking(results))

	data, err := os.ReadFile(filepath.Join(dir, ".workflow", "scans", "security.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hardcoded-secret")
}

func TestSuiteScannerErrorBecomesWarning(t *testing.T) {
	suite := DefaultSuite()
	suite.Dependencies = &FuncScanner{
		ScannerName: "dependencies",
		Fn: func(_ context.Context, _ string) (*Result, error) {
			return nil, errors.New("lockfile missing")
		},
	}

	results := suite.Run(context.Background(), t.TempDir())
	require.Len(t, results, 3)
	assert.False(t, AnyBlocking(results), "scanner failure degrades to a warning")

	last := results[2]
	require.Len(t, last.Warnings, 1)
	assert.Equal(t, "scanner-error", last.Warnings[0].Rule)
}

func TestSuiteSkipsNilSlots(t *testing.T) {
	suite := &Suite{Security: &NoopScanner{ScannerName: "security"}}
	results := suite.Run(context.Background(), t.TempDir())
	assert.Len(t, results, 1)
}
