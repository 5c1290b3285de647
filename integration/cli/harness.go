//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/schaermu/housekeeper/internal/project"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the housekeeper binary once and runs it against scratch
// projects
type Harness struct {
	t      *testing.T
	binary string
}

// NewHarness builds the binary into a temporary directory
func NewHarness(ctx context.Context, t *testing.T) *Harness {
	t.Helper()

	moduleRoot, err := findModuleRoot()
	if err != nil {
		t.Fatalf("find module root: %v", err)
	}

	binary := filepath.Join(t.TempDir(), "housekeeper")
	if runtime.GOOS == "windows" {
		binary += ".exe"
	}

	cmd := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/housekeeper")
	cmd.Dir = moduleRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	return &Harness{t: t, binary: binary}
}

// NewProject creates a scratch project holding every root marker
func (h *Harness) NewProject() string {
	h.t.Helper()
	root := h.t.TempDir()
	for _, marker := range []string{"package.json", "tsconfig.json"} {
		h.WriteFile(root, marker, "{}", 0)
	}
	for _, dir := range []string{"src", "data"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			h.t.Fatal(err)
		}
	}
	return root
}

// WriteFile writes root/rel and backdates its mtime by age
func (h *Harness) WriteFile(root, rel, content string, age time.Duration) {
	h.t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		h.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		h.t.Fatal(err)
	}
}

// Run executes the binary in dir and returns stdout, stderr and exit code
func (h *Harness) Run(ctx context.Context, dir string, args ...string) (string, string, int) {
	h.t.Helper()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = withoutHousekeeperEnv(os.Environ())

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.t.Fatalf("run %v: %v", args, err)
		}
		exitCode = exitErr.ExitCode()
	}

	h.t.Logf("housekeeper %s -> exit %d", strings.Join(args, " "), exitCode)
	return stdout.String(), stderr.String(), exitCode
}

func withoutHousekeeperEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if !strings.HasPrefix(kv, "HOUSEKEEPER_") {
			out = append(out, kv)
		}
	}
	return out
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findModuleRoot walks up from this source file to the directory holding go.mod
func findModuleRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}
	return project.FindRoot(filepath.Dir(filename), []string{"go.mod"})
}
