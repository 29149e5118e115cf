package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeRunConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	body := fmt.Sprintf("version: 1\nlogs_root: %s\nartifacts:\n  dir: %s\nlogging:\n  level: error\n%s",
		filepath.Join(dir, "runs"), filepath.Join(dir, "proposals"), extra)
	p := filepath.Join(dir, "run.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p, dir
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errb bytes.Buffer
	code := execute(args, &out, &errb)
	return code, out.String(), errb.String()
}

func TestRun_OfflinePipelineSucceeds(t *testing.T) {
	cfg, dir := writeRunConfig(t, "")
	code, out, errOut := runCLI(t, "run", "--config", cfg, "--topic", "Momentum in crypto", "--components", "alpha,risk", "--instruments", "crypto", "--run-id", "r1")
	if code != 0 {
		t.Fatalf("exit code: got %d want 0\nstdout=%s\nstderr=%s", code, out, errOut)
	}
	for _, want := range []string{"run_id=r1", "status=success", "planning_iterations=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "proposals", "momentum_in_crypto.json")); err != nil {
		t.Fatalf("artifact: %v", err)
	}

	code, out, _ = runCLI(t, "status", "--logs-root", filepath.Join(dir, "runs", "r1"))
	if code != 0 || !strings.Contains(out, "state=success") {
		t.Fatalf("status: code=%d out=%s", code, out)
	}
	code, out, _ = runCLI(t, "status", "--config", cfg, "--run-id", "r1", "--json")
	if code != 0 || !strings.Contains(out, `"state": "success"`) {
		t.Fatalf("status --json: code=%d out=%s", code, out)
	}

	code, out, _ = runCLI(t, "resume", "--config", cfg, "--run-id", "r1")
	if code != 0 || !strings.Contains(out, "status=success") {
		t.Fatalf("resume of finished run: code=%d out=%s", code, out)
	}
	code, _, errOut = runCLI(t, "run", "--config", cfg, "--topic", "again", "--run-id", "r1")
	if code != 1 || !strings.Contains(errOut, "run already exists") {
		t.Fatalf("duplicate run id: code=%d stderr=%s", code, errOut)
	}
}

func TestRun_UsageErrors(t *testing.T) {
	cfg, _ := writeRunConfig(t, "")
	cases := [][]string{
		{"run", "--config", cfg},
		{"run", "--config", cfg, "--topic", "x", "--components", "gamma"},
		{"run", "--bogus"},
		{"resume", "--config", cfg},
		{"status"},
		{"check"},
	}
	for _, args := range cases {
		if code, _, errOut := runCLI(t, args...); code != 2 {
			t.Fatalf("%v: exit code got %d want 2 (stderr=%s)", args, code, errOut)
		}
	}
}

func TestValidate(t *testing.T) {
	cfg, _ := writeRunConfig(t, "")
	code, out, _ := runCLI(t, "validate", "--config", cfg)
	if code != 0 || !strings.Contains(out, "ok: run.yaml") {
		t.Fatalf("validate: code=%d out=%s", code, out)
	}

	bad, _ := writeRunConfig(t, "stages:\n  quality_gate: persist\n")
	code, out, _ = runCLI(t, "validate", "--config", bad)
	if code != 2 || !strings.Contains(out, "(role_order)") {
		t.Fatalf("validate bad order: code=%d out=%s", code, out)
	}

	custom, _ := writeRunConfig(t, "stages:\n  order: [plan, review, criticism, synthesize, persist]\n")
	code, out, _ = runCLI(t, "validate", "--config", custom)
	if code != 2 || !strings.Contains(out, "(handler_missing)") {
		t.Fatalf("validate unknown stage: code=%d out=%s", code, out)
	}
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	doc := `{
  // comments are allowed
  "title": "t", "summary": "s", "hypothesis": "h",
  "components": ["alpha"],
  "sections": {"alpha": {"description": "d"}}
}`
	if err := os.WriteFile(good, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	code, out, _ := runCLI(t, "check", good)
	if code != 0 || !strings.Contains(out, "Proposal successfully validated against schema") {
		t.Fatalf("check good: code=%d out=%s", code, out)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"title": "t"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	code, out, _ = runCLI(t, "check", bad)
	if code != 1 || !strings.Contains(out, "At (root):") {
		t.Fatalf("check bad: code=%d out=%s", code, out)
	}
}
