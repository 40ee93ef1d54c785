package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootRegistersCommands(t *testing.T) {
	want := map[string]bool{"serve": false, "migrate": false, "relay": false, "token": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestMigrateDown_RejectsBadSteps(t *testing.T) {
	for _, arg := range []string{"zero", "0", "-2"} {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs([]string{"migrate", "down", "--", arg})
		err := rootCmd.Execute()
		if err == nil || !strings.Contains(err.Error(), "positive integer") {
			t.Errorf("steps %q: expected positive integer error, got %v", arg, err)
		}
	}
}

func TestToken_RequiresSecret(t *testing.T) {
	t.Setenv("CONVEYFLOW_JWT_SECRET", "short")
	rootCmd.SetArgs([]string{"token", "agent-1"})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	if err := rootCmd.Execute(); err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected jwt_secret error, got %v", err)
	}
}

func TestToken_Issues(t *testing.T) {
	t.Setenv("CONVEYFLOW_JWT_SECRET", "0123456789abcdef0123")
	var out bytes.Buffer
	rootCmd.SetArgs([]string{"token", "agent-1", "--ttl", "1h"})
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("token: %v", err)
	}
	if strings.Count(strings.TrimSpace(out.String()), ".") != 2 {
		t.Fatalf("expected a JWT, got %q", out.String())
	}
}
