package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeService(t *testing.T, dir, file, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, file), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestRunCheck_Valid(t *testing.T) {
	dir := t.TempDir()
	writeService(t, dir, "web.json", `{"name": "web", "port": 8080, "protocol": "http"}`)
	writeService(t, dir, "shell.json", `{
		// comments and trailing commas are fine
		"port": 2222,
		"protocol": "ssh",
		"enabled": false,
	}`)
	writeService(t, dir, "notes.txt", "not a service file")

	var out bytes.Buffer
	if err := runCheck(&out, "", dir, "text"); err != nil {
		t.Fatalf("runCheck: %v\n%s", err, out.String())
	}
	got := out.String()
	for _, want := range []string{"web.json", "0.0.0.0:8080", "shell", "ssh", "false"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "notes.txt") {
		t.Errorf("non-service file listed:\n%s", got)
	}
}

func TestRunCheck_Invalid(t *testing.T) {
	dir := t.TempDir()
	writeService(t, dir, "a.json", `{"name": "dup", "port": 1000}`)
	writeService(t, dir, "b.json", `{"name": "dup", "port": 1001}`)
	writeService(t, dir, "c.json", `{"port": 0}`)
	writeService(t, dir, "d.json", `{not json`)

	var out bytes.Buffer
	err := runCheck(&out, "", dir, "json")
	if err == nil || !strings.Contains(err.Error(), "3 of 4") {
		t.Fatalf("runCheck error = %v, want 3 of 4 invalid", err)
	}

	var results []checkResult
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("json output: %v\n%s", err, out.String())
	}
	if len(results) != 4 {
		t.Fatalf("got %d results, want 4", len(results))
	}
	if results[0].Error != "" {
		t.Errorf("a.json should be valid: %s", results[0].Error)
	}
	if !strings.Contains(results[1].Error, "duplicate name") {
		t.Errorf("b.json error = %q, want duplicate name", results[1].Error)
	}
	for _, r := range results[2:] {
		if r.Error == "" {
			t.Errorf("%s should be invalid", r.File)
		}
	}
}

func TestRunCheck_UnknownProtocol(t *testing.T) {
	dir := t.TempDir()
	writeService(t, dir, "g.json", `{"port": 70, "protocol": "gopher"}`)

	var out bytes.Buffer
	if err := runCheck(&out, "", dir, "text"); err != nil {
		t.Fatalf("unknown protocol should not be fatal: %v", err)
	}
	if !strings.Contains(out.String(), "generic (unknown: gopher)") {
		t.Errorf("output = %s", out.String())
	}
}

func TestRunCheck_ParserColumn(t *testing.T) {
	dir := t.TempDir()
	writeService(t, dir, "mail.json", `{"port": 2525, "protocol": "smtp"}`)
	writeService(t, dir, "web.json", `{"port": 8080, "protocol": "http"}`)

	var out bytes.Buffer
	if err := runCheck(&out, "", dir, "json"); err != nil {
		t.Fatalf("runCheck: %v", err)
	}
	var results []checkResult
	if err := json.Unmarshal(out.Bytes(), &results); err != nil {
		t.Fatalf("json output: %v\n%s", err, out.String())
	}
	want := map[string]string{"mail.json": "generic", "web.json": "http"}
	for _, r := range results {
		if r.Parser != want[r.File] {
			t.Errorf("%s parser = %q, want %q", r.File, r.Parser, want[r.File])
		}
	}
}

func TestRunCheck_MissingDir(t *testing.T) {
	if err := runCheck(&bytes.Buffer{}, "", filepath.Join(t.TempDir(), "nope"), "text"); err == nil {
		t.Error("missing directory should fail")
	}
}

func TestRunCheck_DirFromConfig(t *testing.T) {
	dir := t.TempDir()
	servicesDir := filepath.Join(dir, "listeners")
	if err := os.MkdirAll(servicesDir, 0o755); err != nil {
		t.Fatal(err)
	}
	writeService(t, servicesDir, "web.json", `{"port": 8080}`)
	cfgPath := filepath.Join(dir, "mirage.yaml")
	if err := os.WriteFile(cfgPath, []byte("services_dir: "+servicesDir+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := run(t.Context(), &out, &out, []string{"-config", cfgPath, "check"}); err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out.String(), servicesDir) || !strings.Contains(out.String(), "web.json") {
		t.Errorf("output = %s", out.String())
	}
}
