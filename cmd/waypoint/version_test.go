package main

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"

	"github.com/hyperengineering/waypoint"
)

func TestVersion_Human_ShowsVersionInfo(t *testing.T) {
	defer testEnv(t)()

	output := mustRun(t, "version")

	if !strings.HasPrefix(output, "waypoint ") {
		t.Errorf("output should start with 'waypoint ': %q", output)
	}
	for _, want := range []string{"commit:", "built:", "go:", runtime.GOOS, "schema:", "Sync windows:", "goal:", "debounce 2s", "streak:", "throttle 5s"} {
		if !strings.Contains(output, want) {
			t.Errorf("output should contain %q", want)
		}
	}
}

func TestVersion_JSON_ReturnsValidJSON(t *testing.T) {
	defer testEnv(t)()

	output := mustRun(t, "version", "--json")

	var info versionInfo
	if err := json.Unmarshal([]byte(output), &info); err != nil {
		t.Fatalf("output is not valid JSON: %v\nOutput: %s", err, output)
	}
	if info.Version != version {
		t.Errorf("version = %q, want %q", info.Version, version)
	}
	if info.Go != runtime.Version() || info.OS != runtime.GOOS || info.Arch != runtime.GOARCH {
		t.Errorf("runtime info = %+v", info)
	}
	if info.Schema != waypoint.SchemaVersion || info.UserAgent != waypoint.UserAgent {
		t.Errorf("schema/agent = %q/%q", info.Schema, info.UserAgent)
	}
}

func TestVersion_ReportsDefaultSyncWindows(t *testing.T) {
	want := map[string]string{
		"goal":        "debounce 2s",
		"event":       "debounce 1s",
		"brain_dump":  "debounce 1s",
		"preferences": "throttle 5s",
		"streak":      "throttle 5s",
	}

	info := currentVersion()
	if len(info.Sync) != len(want) {
		t.Fatalf("Sync = %+v, want %d windows", info.Sync, len(want))
	}
	for _, w := range info.Sync {
		if got := w.Mode + " " + w.Delay; got != want[w.Kind] {
			t.Errorf("%s window = %q, want %q", w.Kind, got, want[w.Kind])
		}
	}
}

func TestVersion_RejectsArgs(t *testing.T) {
	defer testEnv(t)()

	if _, err := run(t, "version", "extra"); err == nil {
		t.Error("version with an argument should fail")
	}
}
