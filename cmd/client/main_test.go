package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestStatusWithoutSession(t *testing.T) {
	t.Setenv("REALTIME_API_URL", "https://api.example.com")
	t.Setenv("REALTIME_TOKEN_FILE", filepath.Join(t.TempDir(), "tokens.json"))

	out, err := runCommand(t, "status", "--env-file", filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "signed out") || !strings.Contains(out, "/signin") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestLoginThenStatus(t *testing.T) {
	t.Setenv("REALTIME_API_URL", "https://api.example.com")
	t.Setenv("REALTIME_TOKEN_FILE", filepath.Join(t.TempDir(), "tokens.json"))
	env := filepath.Join(t.TempDir(), "missing.env")

	if _, err := runCommand(t, "login", "--env-file", env, "--access-token", "opaque", "--refresh-token", "r1"); err != nil {
		t.Fatalf("login: %v", err)
	}
	out, err := runCommand(t, "status", "--env-file", env)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	// Opaque tokens get the fallback lifetime, which is outside the refresh horizon.
	if !strings.Contains(out, "session:    valid (expires in") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestSendRequiresRecipient(t *testing.T) {
	if _, err := runCommand(t, "send", "--content", "hi"); err == nil {
		t.Fatal("expected missing --to to fail")
	}
}
