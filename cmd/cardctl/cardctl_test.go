package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"idcard/internal/cardtemplate"
)

const templateFixture = `{
  "template_name": "visitor",
  "orientation": "landscape",
  "layout_config": {"elements": [
    {"id": "name", "type": "Text", "x": 20, "y": 20, "width": 600, "height": 60, "text": "{full_name}", "fontSize": 28},
    {"id": "logo", "type": "Image", "x": 800, "y": 20, "width": 150, "height": 150, "role": "staticUrl", "src": "logos/acme.png"},
    {"id": "band", "type": "Rect", "x": 0, "y": 560, "width": 1011, "height": 78, "fill": "#0f766e"}
  ]}
}`

const rosterFixture = `employees:
  - id: e-1
    name: Ada Lovelace
    department: Research
  - id: e-2
    name: Alan Turing
    department: Research
  - id: e-3
    name: Grace Hopper
    department: Navy
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadTemplateFile(t *testing.T) {
	dir := t.TempDir()
	tmpl, err := loadTemplateFile(writeFile(t, dir, "t.json", templateFixture))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tmpl.Name != "visitor" || len(tmpl.Elements) != 3 {
		t.Fatalf("unexpected template %+v", tmpl)
	}

	_, err = loadTemplateFile(writeFile(t, dir, "bad.json", `{"template_name": "x"`))
	if !errors.Is(err, cardtemplate.ErrInvalidTemplate) {
		t.Fatalf("malformed json: expected ErrInvalidTemplate, got %v", err)
	}
	_, err = loadTemplateFile(writeFile(t, dir, "empty.json", `{"template_name":"x","orientation":"landscape"}`))
	if !errors.Is(err, cardtemplate.ErrInvalidTemplate) {
		t.Fatalf("missing layout: expected ErrInvalidTemplate, got %v", err)
	}
}

func TestLoadRoster(t *testing.T) {
	dir := t.TempDir()
	employees, err := loadRoster(writeFile(t, dir, "r.yaml", rosterFixture))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(employees) != 3 || employees[1].ID != "e-2" || employees[1].FullName != "Alan Turing" {
		t.Fatalf("unexpected roster %+v", employees)
	}

	cases := map[string]string{
		"dup.yaml":     "employees:\n  - id: a\n  - id: a\n",
		"noid.yaml":    "employees:\n  - name: Nobody\n",
		"invalid.yaml": "employees: [",
	}
	for name, content := range cases {
		if _, err := loadRoster(writeFile(t, dir, name, content)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestDirObjects(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "logos/acme.png", "\x89PNG\r\n\x1a\nrest")
	objects := dirObjects{root: dir}

	data, contentType, err := objects.ReadObject(context.Background(), "logos/acme.png")
	if err != nil || contentType != "image/png" || len(data) == 0 {
		t.Fatalf("read: %v %q", err, contentType)
	}
	for _, key := range []string{"../secret", "/etc/passwd", "logos/missing.png"} {
		if _, _, err := objects.ReadObject(context.Background(), key); err == nil {
			t.Errorf("%q: expected error", key)
		}
	}
}

func TestRenderCommandWritesPDF(t *testing.T) {
	dir := t.TempDir()
	tmplPath := writeFile(t, dir, "t.json", templateFixture)
	rosterPath := writeFile(t, dir, "r.yaml", rosterFixture)
	outPath := filepath.Join(dir, "out", "cards.pdf")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs([]string{
		"render",
		"--template", tmplPath,
		"--roster", rosterPath,
		"--out", outPath,
		"--assets", dir,
		"--backend", "raster",
		"--dpi", "100",
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v (output %s)", err, stdout.String())
	}

	pdf, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.HasPrefix(string(pdf), "%PDF-") {
		t.Fatal("output is not a PDF")
	}
	// 静态 logo 不存在时只产生告警，卡片仍然生成。
	if !strings.Contains(stdout.String(), "3 cards on 1 pages") {
		t.Fatalf("unexpected summary: %s", stdout.String())
	}
	if !strings.Contains(stdout.String(), "WARN") {
		t.Fatalf("missing logo should be reported: %s", stdout.String())
	}
}

func TestValidateCommandReportsClippedElements(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "t.json", `{
  "template_name": "wide",
  "orientation": "landscape",
  "layout_config": {"elements": [
    {"id": "inside", "type": "Rect", "x": 0, "y": 0, "width": 100, "height": 100},
    {"id": "overflow", "type": "Rect", "x": 1000, "y": 0, "width": 100, "height": 100}
  ]}
}`)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetArgs([]string{"validate", path})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	out := stdout.String()
	if !strings.Contains(out, `"overflow" extends beyond the 1011x638 canvas`) || strings.Contains(out, `"inside"`) {
		t.Fatalf("unexpected output: %s", out)
	}
	if !strings.Contains(out, "(0 text, 0 image, 2 rect)") {
		t.Fatalf("missing summary: %s", out)
	}
}
