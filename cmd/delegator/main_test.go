package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_METRICS_NAMESPACE", fmt.Sprintf("test_cli_%d", time.Now().UnixNano()))
	t.Setenv("REASONING_MODE", "mock")
	t.Setenv("ROUTER_ALWAYS_RUN", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "turns.db"))
	t.Setenv("CATALOGUE_PATH", "")
	t.Setenv("TELEGRAM_TOKEN", "")
	t.Setenv("COMPACTION_SCHEDULE", "")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestAskPrintsReply(t *testing.T) {
	setTestEnv(t)

	out, err := run(t, "ask", "-c", "cli-1", "What's the timezone in Tokyo?")
	if err != nil {
		t.Fatalf("ask error = %v", err)
	}
	if !strings.Contains(out, "Asia/Tokyo") {
		t.Fatalf("ask output = %q, want Asia/Tokyo", out)
	}
}

func TestAskPersistsAcrossInvocations(t *testing.T) {
	setTestEnv(t)

	if _, err := run(t, "ask", "-c", "cli-2", "What's the timezone in Tokyo?"); err != nil {
		t.Fatalf("ask error = %v", err)
	}
	t.Setenv("APP_METRICS_NAMESPACE", fmt.Sprintf("test_cli_%d", time.Now().UnixNano()))
	out, err := run(t, "history", "cli-2")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	if !strings.Contains(out, "What's the timezone in Tokyo?") {
		t.Fatalf("history output = %q", out)
	}

	t.Setenv("APP_METRICS_NAMESPACE", fmt.Sprintf("test_cli_%d", time.Now().UnixNano()))
	out, err = run(t, "context", "cli-2", "--budget", "256")
	if err != nil {
		t.Fatalf("context error = %v", err)
	}
	if !strings.Contains(out, `"budget": 256`) {
		t.Fatalf("context output = %q", out)
	}
}

func TestCatalogueValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte(`agents:
  - id: gazetteer
    kind: gazetteer
    tags: [geo-lookup, geo-lookup-offline]
  - id: brain
    kind: reasoning
    tags: [general-reasoning]
`), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	out, err := run(t, "catalogue", "validate", good)
	if err != nil {
		t.Fatalf("validate error = %v", err)
	}
	if !strings.Contains(out, "2 agent(s)") {
		t.Fatalf("validate output = %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte(`agents:
  - id: brain
    kind: oracle
    tags: [general-reasoning]
`), 0o644); err != nil {
		t.Fatalf("WriteFile error = %v", err)
	}
	if _, err := run(t, "catalogue", "validate", bad); err == nil {
		t.Fatalf("validate bad catalogue error = nil, want error")
	}
}
