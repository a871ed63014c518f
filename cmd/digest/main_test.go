package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"nri_digest/internal/storage"
)

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_PATH", filepath.Join(t.TempDir(), "data", "digest.db"))
	t.Setenv("SOURCES_FILE", "../../sources.yaml")
	t.Setenv("LOG_LEVEL", "error")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSourcesSyncAndList(t *testing.T) {
	setupEnv(t)

	out, err := execute(t, "sources", "sync")
	if err != nil {
		t.Fatalf("sources sync: %v", err)
	}
	if !strings.HasPrefix(out, "synced 6 sources") {
		t.Errorf("sync output = %q", out)
	}

	out, err = execute(t, "sources", "list")
	if err != nil {
		t.Fatalf("sources list: %v", err)
	}
	for _, want := range []string{"rbi-press", "diaspora-events", "community", "false"} {
		if !strings.Contains(out, want) {
			t.Errorf("list output missing %q:\n%s", want, out)
		}
	}
}

func TestNewsletterCommandsValidateArgs(t *testing.T) {
	setupEnv(t)

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "approve bad issue", args: []string{"approve", "x"}, wantErr: "invalid issue number"},
		{name: "send missing arg", args: []string{"send"}, wantErr: "accepts 1 arg"},
		{name: "schedule without at", args: []string{"schedule", "1"}, wantErr: `"at" not set`},
		{name: "schedule bad at", args: []string{"schedule", "1", "--at", "monday"}, wantErr: "want RFC 3339"},
		{name: "compile bad at", args: []string{"compile", "--at", "26/10/2026"}, wantErr: "want YYYY-MM-DD"},
		{name: "migrate unknown", args: []string{"migrate", "sideways"}, wantErr: "invalid argument"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApproveUnknownIssue(t *testing.T) {
	setupEnv(t)

	_, err := execute(t, "approve", "#3")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("approve error = %v, want ErrNotFound", err)
	}
}

func TestMigrateVersion(t *testing.T) {
	setupEnv(t)

	if _, err := execute(t, "migrate", "up"); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if _, err := execute(t, "migrate", "version"); err != nil {
		t.Fatalf("migrate version: %v", err)
	}
}
