package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromPaths_RegoFile(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "no-public-buckets.rego")
	regoContent := `# Buckets must not be public
# severity: critical
package stacks.buckets

deny contains msg if {
	some step in input.steps
	step.tags.public == "true"
	msg := sprintf("stack %s is public", [step.name])
}`
	writeFile(t, policyFile, regoContent)

	policies, err := loader.LoadFromPaths(context.Background(), []string{policyFile})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected 1 policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "no-public-buckets" {
		t.Errorf("Expected name 'no-public-buckets', got '%s'", p.Name)
	}
	if p.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if !p.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if p.Severity != SeverityCritical {
		t.Errorf("Expected critical severity, got %s", p.Severity)
	}
	if p.Description != "Buckets must not be public" {
		t.Errorf("Unexpected description %q", p.Description)
	}
	if _, ok := p.Metadata["bundle"]; ok {
		t.Error("A single .rego file should not belong to a bundle")
	}
}

func TestRegoHeader(t *testing.T) {
	tests := []struct {
		name         string
		content      string
		wantDesc     string
		wantSeverity Severity
	}{
		{
			name:         "no comments",
			content:      "package p\n",
			wantSeverity: SeverityError,
		},
		{
			name:         "multi-line description",
			content:      "# Stacks in prod\n# need an owner tag\npackage p\n# not part of the header\n",
			wantDesc:     "Stacks in prod need an owner tag",
			wantSeverity: SeverityError,
		},
		{
			name:         "severity is case insensitive",
			content:      "# severity: WARNING\npackage p\n",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "unknown severity keeps default",
			content:      "# severity: fatal\npackage p\n",
			wantSeverity: SeverityError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, sev := regoHeader(tt.content)
			if desc != tt.wantDesc {
				t.Errorf("description = %q, want %q", desc, tt.wantDesc)
			}
			if sev != tt.wantSeverity {
				t.Errorf("severity = %s, want %s", sev, tt.wantSeverity)
			}
		})
	}
}

func TestLoadBundle_Directory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	dir := filepath.Join(t.TempDir(), "guardrails")
	writeFile(t, filepath.Join(dir, "bundle.json"), `{
		"name": "prod-guardrails",
		"version": "1.2.0",
		"description": "Rules for the prod namespace",
		"policies": [
			{"name": "inline", "rego": "package inline\ndeny contains msg if { false }", "severity": "warning"}
		]
	}`)
	writeFile(t, filepath.Join(dir, "owner.rego"), "package owner\ndeny contains msg if { false }")
	writeFile(t, filepath.Join(dir, "network", "vpc.rego"), "package vpc\ndeny contains msg if { false }")
	writeFile(t, filepath.Join(dir, "README.md"), "not a policy")

	bundle, err := loader.LoadBundle(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadBundle() error = %v", err)
	}

	if bundle.Name != "prod-guardrails" || bundle.Version != "1.2.0" {
		t.Errorf("Unexpected bundle metadata %s@%s", bundle.Name, bundle.Version)
	}
	if bundle.Description != "Rules for the prod namespace" {
		t.Errorf("Unexpected description %q", bundle.Description)
	}

	var names []string
	for _, p := range bundle.Policies {
		names = append(names, p.Name)
		if p.Metadata["bundle"] != "prod-guardrails" {
			t.Errorf("Policy %s bundle = %v", p.Name, p.Metadata["bundle"])
		}
		if p.Metadata["bundle_version"] != "1.2.0" {
			t.Errorf("Policy %s bundle_version = %v", p.Name, p.Metadata["bundle_version"])
		}
		if !p.Enabled {
			t.Errorf("Policy %s should be enabled", p.Name)
		}
	}
	if diff := cmp.Diff([]string{"inline", "vpc", "owner"}, names); diff != "" {
		t.Errorf("policies mismatch (-want +got):\n%s", diff)
	}
	if bundle.Policies[0].Severity != SeverityWarning {
		t.Errorf("Expected inline policy severity warning, got %s", bundle.Policies[0].Severity)
	}
}

func TestLoadBundle_DirectoryWithoutManifest(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	dir := filepath.Join(t.TempDir(), "team-rules")
	writeFile(t, filepath.Join(dir, "owner.rego"), "package owner\ndeny contains msg if { false }")

	bundle, err := loader.LoadBundle(context.Background(), dir)
	if err != nil {
		t.Fatalf("LoadBundle() error = %v", err)
	}
	if bundle.Name != "team-rules" {
		t.Errorf("Expected bundle named after the directory, got %s", bundle.Name)
	}
	if len(bundle.Policies) != 1 || bundle.Policies[0].Name != "owner" {
		t.Errorf("Unexpected policies %+v", bundle.Policies)
	}
}

func TestLoadBundle_File(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	file := filepath.Join(t.TempDir(), "freeze.json")
	writeFile(t, file, `{
		"version": "3",
		"policies": [
			{"name": "freeze", "rego": "package freeze\ndeny contains msg if { false }", "tags": ["prod"]},
			{"name": "legacy", "rego": "package legacy\ndeny contains msg if { false }", "enabled": false}
		]
	}`)

	bundle, err := loader.LoadBundle(context.Background(), file)
	if err != nil {
		t.Fatalf("LoadBundle() error = %v", err)
	}
	if bundle.Name != "freeze" {
		t.Errorf("Expected bundle named after the file, got %s", bundle.Name)
	}
	if len(bundle.Policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(bundle.Policies))
	}

	freeze, legacy := bundle.Policies[0], bundle.Policies[1]
	if !freeze.Enabled || freeze.Severity != SeverityError {
		t.Errorf("Expected freeze enabled with error severity, got %+v", freeze)
	}
	if diff := cmp.Diff([]string{"prod"}, freeze.Tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
	if legacy.Enabled {
		t.Error("Expected legacy to stay disabled")
	}
	if legacy.Metadata["source"] != file {
		t.Errorf("Expected source %s, got %v", file, legacy.Metadata["source"])
	}
}

func TestLoadBundle_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "malformed json", content: `{"policies": [`, wantErr: "invalid bundle"},
		{name: "missing name", content: `{"policies": [{"rego": "package p"}]}`, wantErr: "policies[0] has no name"},
		{name: "missing rego", content: `{"policies": [{"name": "p"}]}`, wantErr: "policy p has no rego"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := filepath.Join(t.TempDir(), "bundle.json")
			writeFile(t, file, tt.content)

			_, err := NewLoader(zerolog.Nop()).LoadBundle(context.Background(), file)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadBundle() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "owner.rego"), "package a\ndeny contains msg if { false }")
	writeFile(t, filepath.Join(dir, "b", "owner.rego"), "package b\ndeny contains msg if { false }")
	writeFile(t, filepath.Join(dir, "policy.yaml"), "name: p")

	tests := []struct {
		name    string
		paths   []string
		wantErr string
	}{
		{name: "missing path", paths: []string{"/nonexistent/path"}, wantErr: "no such file"},
		{name: "unsupported file", paths: []string{filepath.Join(dir, "policy.yaml")}, wantErr: "unsupported policy file"},
		{name: "duplicate name", paths: []string{filepath.Join(dir, "a"), filepath.Join(dir, "b")}, wantErr: "policy owner is defined in both"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader(zerolog.Nop()).LoadFromPaths(context.Background(), tt.paths)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadFromPaths() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadBundle_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "owner.rego"), "package owner\ndeny contains msg if { false }")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLoader(zerolog.Nop()).LoadBundle(ctx, dir); err == nil {
		t.Error("Expected error for a cancelled context")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	loader.debounce = 50 * time.Millisecond

	dir := t.TempDir()
	policyFile := filepath.Join(dir, "freeze.rego")
	writeFile(t, policyFile, "package freeze\ndeny contains msg if { false }")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 8)
	err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	})
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	updated := "# Freeze everything\npackage freeze\ndeny contains msg if { msg := \"frozen\" }"
	writeFile(t, policyFile, updated)

	timeout := time.After(10 * time.Second)
	for {
		select {
		case p := <-reloaded:
			if len(p) == 1 && p[0].Rego == updated {
				return
			}
		case <-timeout:
			t.Fatal("Timed out waiting for reload")
		}
	}
}

func TestWatch_NewBundleDirectory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	loader.debounce = 50 * time.Millisecond

	dir := t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 8)
	if err := loader.Watch(ctx, []string{dir}, func(p []Policy) error {
		reloaded <- p
		return nil
	}); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	if err := os.Mkdir(filepath.Join(dir, "network"), 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	// Give the loop time to add the new directory.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "network", "vpc.rego"), "package vpc\ndeny contains msg if { false }")

	timeout := time.After(10 * time.Second)
	for {
		select {
		case p := <-reloaded:
			if len(p) == 1 && p[0].Name == "vpc" {
				return
			}
		case <-timeout:
			t.Fatal("Timed out waiting for reload")
		}
	}
}

func TestWatch_NoWatchablePath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	err := loader.Watch(context.Background(), []string{"/nonexistent/path"}, func([]Policy) error { return nil })
	if err == nil {
		t.Error("Expected error when nothing can be watched")
	}
	if err := loader.StopWatching(); err != nil {
		t.Errorf("StopWatching() error = %v", err)
	}
}
