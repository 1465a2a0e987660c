package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hyperengineering/waypoint"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// testEnv points the CLI at a temporary offline profile and resets global
// flag state. Returns a cleanup function.
func testEnv(t *testing.T) func() {
	t.Helper()

	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("WAYPOINT_DB_PATH", filepath.Join(tmpDir, "test.db"))
	t.Setenv("WAYPOINT_LOG_PATH", filepath.Join(tmpDir, "test.log"))
	t.Setenv("WAYPOINT_PROFILE", "")
	t.Setenv("WAYPOINT_REMOTE_URL", "")
	t.Setenv("WAYPOINT_API_KEY", "")

	resetGlobals()
	return resetGlobals
}

func resetGlobals() {
	cfgFile = ""
	cfgDBPath = ""
	cfgProfile = ""
	cfgRemoteURL = ""
	cfgAPIKey = ""
	cfgDebug = false
	outputJSON = false
	syncEntity = ""
	resetFlags(rootCmd)
}

// resetFlags clears flag state left behind by a previous Execute. Map flags
// merge into their existing value, so tests never pass them twice.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if !f.Changed {
			return
		}
		switch f.Value.Type() {
		case "stringToString", "stringToInt64":
		default:
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.PersistentFlags().VisitAll(reset)
	cmd.Flags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// run executes the CLI with args and returns stdout.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	outputJSON = false
	return stdout.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	if err != nil {
		t.Fatalf("%v returned error: %v", args, err)
	}
	return out
}

// remoteServer records every request path and answers with status.
type remoteServer struct {
	*httptest.Server
	mu    sync.Mutex
	paths []string
}

func newRemoteServer(t *testing.T, status int) *remoteServer {
	t.Helper()
	rs := &remoteServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.paths = append(rs.paths, r.Method+" "+r.URL.Path)
		rs.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(rs.Close)

	t.Setenv("WAYPOINT_REMOTE_URL", rs.URL)
	t.Setenv("WAYPOINT_API_KEY", "test-key")
	return rs
}

func (rs *remoteServer) Paths() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.paths...)
}

func TestCLI_Help_ListsAllCommands(t *testing.T) {
	defer testEnv(t)()

	out := mustRun(t, "--help")
	for _, name := range []string{"goal", "event", "dump", "prefs", "streak", "sync", "status", "pending", "queue", "profile", "reset", "mcp"} {
		if !strings.Contains(out, name) {
			t.Errorf("--help output should contain %q command", name)
		}
	}
}

func TestCLI_Help_ShowsAliases(t *testing.T) {
	defer testEnv(t)()

	out := mustRun(t, "brain-dump", "--help")
	if !strings.Contains(out, "Aliases:") {
		t.Errorf("help output should list aliases, got:\n%s", out)
	}
	if !strings.Contains(out, "dump, brain-dump") {
		t.Errorf("help output should name both spellings, got:\n%s", out)
	}
}

func TestCLI_GoalSetAndGet(t *testing.T) {
	defer testEnv(t)()

	out := mustRun(t, "goal", "set", "g1", "--title", "Run a marathon", "--target", "2027-04-01")
	if !strings.Contains(out, "Saved goal g1") {
		t.Errorf("goal set output = %q", out)
	}

	out = mustRun(t, "get", "goal", "g1", "--json")
	var goal waypoint.Goal
	if err := json.Unmarshal([]byte(out), &goal); err != nil {
		t.Fatalf("decode get output %q: %v", out, err)
	}
	if goal.Title != "Run a marathon" || goal.Status != "active" {
		t.Errorf("goal = %+v", goal)
	}
	if goal.TargetDate == nil || goal.TargetDate.Format("2006-01-02") != "2027-04-01" {
		t.Errorf("TargetDate = %v", goal.TargetDate)
	}

	// Editing keeps fields that were not passed.
	mustRun(t, "goal", "set", "g1", "--status", "done")
	out = mustRun(t, "get", "goal", "g1", "--json")
	goal = waypoint.Goal{}
	if err := json.Unmarshal([]byte(out), &goal); err != nil {
		t.Fatalf("decode get output: %v", err)
	}
	if goal.Title != "Run a marathon" || goal.Status != "done" {
		t.Errorf("edited goal = %+v", goal)
	}
}

func TestCLI_GoalSet_RequiresTitle(t *testing.T) {
	defer testEnv(t)()

	if _, err := run(t, "goal", "set", "g1"); err == nil || !strings.Contains(err.Error(), "--title") {
		t.Errorf("goal set without title error = %v", err)
	}
	if _, err := run(t, "goal", "set", "g1", "--title", "x", "--target", "next week"); err == nil {
		t.Error("goal set with a bad --target should fail")
	}
}

func TestCLI_EventSet_Validation(t *testing.T) {
	defer testEnv(t)()

	_, err := run(t, "event", "set", "e1", "--title", "Standup",
		"--start", "2026-10-16T10:00:00Z", "--end", "2026-10-16T09:00:00Z")
	if err == nil || !strings.Contains(err.Error(), "before") {
		t.Errorf("end before start error = %v", err)
	}

	mustRun(t, "event", "set", "e1", "--title", "Standup",
		"--start", "2026-10-16T10:00:00Z", "--end", "2026-10-16T10:15:00Z")
	out := mustRun(t, "list", "event")
	if !strings.Contains(out, "e1") || !strings.Contains(out, "Standup") {
		t.Errorf("list event output = %q", out)
	}
}

func TestCLI_ListMarksUnsynced(t *testing.T) {
	defer testEnv(t)()

	mustRun(t, "goal", "set", "g1", "--title", "Read")
	out := mustRun(t, "list", "goal")
	if !strings.Contains(out, "* g1") {
		t.Errorf("list output should mark g1 unsynced: %q", out)
	}

	out = mustRun(t, "pending")
	if !strings.Contains(out, "g1") {
		t.Errorf("pending output = %q", out)
	}
}

func TestCLI_DumpAddAndShow(t *testing.T) {
	defer testEnv(t)()

	out := mustRun(t, "dump", "add", "buy", "milk", "--json")
	var entry waypoint.BrainDumpEntry
	if err := json.Unmarshal([]byte(out), &entry); err != nil {
		t.Fatalf("decode dump add output %q: %v", out, err)
	}
	if entry.Text != "buy milk" || entry.ID == "" {
		t.Fatalf("entry = %+v", entry)
	}

	out = mustRun(t, "dump", "show", entry.ID)
	if !strings.Contains(out, "buy milk") {
		t.Errorf("dump show output = %q", out)
	}
}

func TestCLI_StreakBumpSameDay(t *testing.T) {
	defer testEnv(t)()

	mustRun(t, "streak", "bump", "water")
	out := mustRun(t, "streak", "bump", "water", "--json")

	var streak waypoint.Streak
	if err := json.Unmarshal([]byte(out), &streak); err != nil {
		t.Fatalf("decode streak: %v", err)
	}
	if streak.Current != 1 || streak.Longest != 1 {
		t.Errorf("streak after two bumps on one day = %+v, want current 1", streak)
	}
}

func TestCLI_PrefsSet(t *testing.T) {
	defer testEnv(t)()

	mustRun(t, "prefs", "set", "--theme", "dark", "--week-start", "1", "--count", "opens=3")

	out := mustRun(t, "get", "preferences", preferencesID, "--json")
	var prefs waypoint.Preferences
	if err := json.Unmarshal([]byte(out), &prefs); err != nil {
		t.Fatalf("decode preferences: %v", err)
	}
	if prefs.Theme != "dark" || prefs.WeekStartsOn != 1 {
		t.Errorf("prefs = %+v", prefs)
	}

	if _, err := run(t, "prefs", "set", "--week-start", "9"); err == nil {
		t.Error("--week-start 9 should fail")
	}
}

func TestCLI_Delete(t *testing.T) {
	defer testEnv(t)()

	mustRun(t, "goal", "set", "g1", "--title", "x")
	mustRun(t, "delete", "goal", "g1")

	if _, err := run(t, "get", "goal", "g1"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("get after delete error = %v", err)
	}
}

func TestCLI_InvalidKind(t *testing.T) {
	defer testEnv(t)()

	_, err := run(t, "list", "habit")
	if !errors.Is(err, waypoint.ErrInvalidKind) {
		t.Fatalf("list habit error = %v, want ErrInvalidKind", err)
	}
	if !strings.Contains(err.Error(), "brain_dump") {
		t.Errorf("error should list valid kinds: %v", err)
	}

	// Hyphenated kinds are accepted.
	mustRun(t, "list", "brain-dump")
}

func TestCLI_StatusOffline(t *testing.T) {
	defer testEnv(t)()

	mustRun(t, "goal", "set", "g1", "--title", "x")
	out := mustRun(t, "status", "--json")

	var res StatusResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if res.Mode != "offline" {
		t.Errorf("Mode = %q, want offline", res.Mode)
	}
	if res.Stats == nil || res.Stats.Entities[waypoint.KindGoal] != 1 || res.Stats.DirtyCount != 1 {
		t.Errorf("Stats = %+v", res.Stats)
	}
}

func TestCLI_SyncOffline(t *testing.T) {
	defer testEnv(t)()

	_, err := run(t, "sync")
	if !errors.Is(err, waypoint.ErrOffline) {
		t.Errorf("sync offline error = %v, want ErrOffline", err)
	}
}

func TestCLI_WritesSyncOnExit(t *testing.T) {
	defer testEnv(t)()
	rs := newRemoteServer(t, http.StatusOK)

	mustRun(t, "goal", "set", "g1", "--title", "Ship it")

	found := false
	for _, p := range rs.Paths() {
		if p == "PUT /api/v1/entities/goal/g1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("remote requests = %v, want PUT for goal g1", rs.Paths())
	}

	out := mustRun(t, "pending")
	if !strings.Contains(out, "Everything is synced") {
		t.Errorf("pending after sync = %q", out)
	}
}

func TestCLI_ForceSyncEntity(t *testing.T) {
	defer testEnv(t)()
	rs := newRemoteServer(t, http.StatusOK)

	mustRun(t, "goal", "set", "g1", "--title", "x")
	out := mustRun(t, "sync", "--entity", "goal/g1")
	if !strings.Contains(out, "g1") {
		t.Errorf("sync --entity output = %q", out)
	}

	n := 0
	for _, p := range rs.Paths() {
		if p == "PUT /api/v1/entities/goal/g1" {
			n++
		}
	}
	if n < 2 {
		t.Errorf("PUT count = %d, want the exit flush and the forced sync", n)
	}

	if _, err := run(t, "sync", "--entity", "goal"); err == nil {
		t.Error("sync --entity without an id should fail")
	}
}

func TestCLI_FailedSyncIsQueued(t *testing.T) {
	defer testEnv(t)()
	newRemoteServer(t, http.StatusServiceUnavailable)

	mustRun(t, "goal", "set", "g1", "--title", "x")

	out := mustRun(t, "queue", "list", "--json")
	var entries []waypoint.QueueEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode queue: %v (%q)", err, out)
	}
	if len(entries) != 1 || entries[0].Kind != "goal" || entries[0].EntityID != "g1" {
		t.Fatalf("queue = %+v", entries)
	}

	out = mustRun(t, "queue", "discard", fmt.Sprint(entries[0].ID), "--force")
	if !strings.Contains(out, "Discarded") {
		t.Errorf("discard output = %q", out)
	}

	// Offline, so the still-dirty goal is not re-queued on open.
	t.Setenv("WAYPOINT_REMOTE_URL", "")
	t.Setenv("WAYPOINT_API_KEY", "")
	out = mustRun(t, "queue", "list", "--json")
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("queue after discard = %q", out)
	}
	if out := mustRun(t, "pending"); !strings.Contains(out, "g1") {
		t.Errorf("discarded goal should stay unsynced: %q", out)
	}
}

func TestCLI_QueueDiscard_Errors(t *testing.T) {
	defer testEnv(t)()

	if _, err := run(t, "queue", "discard", "abc", "--force"); err == nil {
		t.Error("non-numeric id should fail")
	}
	if _, err := run(t, "queue", "discard", "999", "--force"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("unknown id error = %v", err)
	}
}

func TestCLI_Reset(t *testing.T) {
	defer testEnv(t)()

	mustRun(t, "goal", "set", "g1", "--title", "x")

	if _, err := run(t, "reset"); err == nil || !strings.Contains(err.Error(), "--confirm") {
		t.Errorf("reset without --confirm error = %v", err)
	}

	mustRun(t, "reset", "--confirm", "--force")
	out := mustRun(t, "list", "goal")
	if !strings.Contains(out, "No goal entries") {
		t.Errorf("list after reset = %q", out)
	}
	if out := mustRun(t, "pending"); !strings.Contains(out, "Everything is synced") {
		t.Errorf("pending after reset = %q", out)
	}
}

func TestCLI_ProfileListAndDelete(t *testing.T) {
	defer testEnv(t)()
	// Use profile paths under the temporary HOME.
	t.Setenv("WAYPOINT_DB_PATH", "")

	mustRun(t, "--profile", "work", "goal", "set", "g1", "--title", "x")

	out := mustRun(t, "profile", "list", "--json")
	var res ProfileListResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode profile list: %v", err)
	}
	if res.Total != 1 || res.Profiles[0].Name != "work" || res.Profiles[0].Unsynced != 1 {
		t.Fatalf("profiles = %+v", res)
	}

	if _, err := run(t, "profile", "delete", "default", "--confirm", "--force"); err == nil {
		t.Error("deleting the default profile should fail")
	}
	if _, err := run(t, "profile", "delete", "work"); err == nil {
		t.Error("delete without --confirm should fail")
	}

	mustRun(t, "profile", "delete", "work", "--confirm", "--force")
	out = mustRun(t, "profile", "list", "--json")
	res = ProfileListResult{}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode profile list: %v", err)
	}
	if res.Total != 0 {
		t.Errorf("profiles after delete = %+v", res.Profiles)
	}
}

func TestCLI_InvalidConfigHint(t *testing.T) {
	defer testEnv(t)()
	t.Setenv("WAYPOINT_REMOTE_URL", "https://sync.example.com")

	_, err := run(t, "status")
	var ve *waypoint.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("status error = %v, want ValidationError", err)
	}
	if !strings.Contains(err.Error(), "WAYPOINT_") {
		t.Errorf("error should hint at configuration sources: %v", err)
	}
}

func TestScrubSensitiveData(t *testing.T) {
	defer testEnv(t)()
	cfgAPIKey = "sk-secret"

	got := scrubSensitiveData("request failed: bad key sk-secret")
	if strings.Contains(got, "sk-secret") || !strings.Contains(got, "[REDACTED]") {
		t.Errorf("scrubSensitiveData() = %q", got)
	}
}
