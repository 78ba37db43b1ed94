package forge

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleManifest = `
targets:
  - id: "//a:lib"
    language: go
    sources: ["lib.go"]
  - id: "//a:app"
    language: go
    sources: ["app.go"]
    deps: ["//a:lib"]
    flags: ["-race"]
    output: app.bin
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWorkspaceParsesTargets(t *testing.T) {
	ws, err := LoadWorkspace(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatal(err)
	}
	if len(ws.Targets) != 2 {
		t.Fatalf("len(Targets) = %d, want 2", len(ws.Targets))
	}
	app, ok := ws.Targets["//a:app"]
	if !ok {
		t.Fatal("missing //a:app")
	}
	if len(app.Deps) != 1 || app.Deps[0] != "//a:lib" {
		t.Fatalf("app.Deps = %v, want [//a:lib]", app.Deps)
	}
}

func TestLoadWorkspaceRejectsInvalidTargetID(t *testing.T) {
	_, err := LoadWorkspace(writeManifest(t, `targets:
  - id: "not-a-valid-id"
`))
	if err == nil {
		t.Fatal("expected parse error for invalid target id")
	}
}

func TestGraphTargetsAndDriverTargetsProjection(t *testing.T) {
	ws, err := LoadWorkspace(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatal(err)
	}

	gts := ws.GraphTargets()
	if len(gts) != 2 {
		t.Fatalf("len(GraphTargets()) = %d, want 2", len(gts))
	}

	dts := ws.DriverTargets()
	app, ok := dts["//a:app"]
	if !ok {
		t.Fatal("missing //a:app in DriverTargets")
	}
	if app.Language != "go" || app.OutputHint != "app.bin" || len(app.Flags) != 1 {
		t.Fatalf("unexpected driver target: %+v", app)
	}

	langs := ws.Languages()
	if len(langs) != 1 || langs[0] != "go" {
		t.Fatalf("Languages() = %v, want [go]", langs)
	}
}
