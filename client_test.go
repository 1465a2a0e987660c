package waypoint_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/waypoint"
)

func testConfig(t *testing.T) waypoint.Config {
	t.Helper()
	dir := t.TempDir()
	return waypoint.Config{
		LocalPath:           filepath.Join(dir, "waypoint.db"),
		LogPath:             filepath.Join(dir, "waypoint.log"),
		GoalDebounce:        50 * time.Millisecond,
		EventDebounce:       50 * time.Millisecond,
		BrainDumpDebounce:   50 * time.Millisecond,
		PreferencesThrottle: 50 * time.Millisecond,
		StreakThrottle:      50 * time.Millisecond,
		ManualSyncOnly:      true,
	}
}

func newTestClient(t *testing.T, cfg waypoint.Config, remote waypoint.RemoteClient) *waypoint.Client {
	t.Helper()
	c, err := waypoint.NewWithRemote(cfg, remote)
	if err != nil {
		t.Fatalf("NewWithRemote() returned error: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.RemoteURL = "://nope"
	cfg.APIKey = "k"

	_, err := waypoint.New(cfg)
	var ve *waypoint.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("New() error = %v, want *ValidationError", err)
	}
	if ve.Field != "RemoteURL" {
		t.Errorf("Field = %q, want RemoteURL", ve.Field)
	}
}

func TestClient_OfflinePutGet(t *testing.T) {
	ctx := context.Background()
	c, err := waypoint.New(testConfig(t))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer c.Close()

	goal := &waypoint.Goal{ID: "g1", Title: "Learn Go"}
	if err := c.Put(ctx, goal); err != nil {
		t.Fatalf("Put() returned error: %v", err)
	}
	if goal.UpdatedAt.IsZero() {
		t.Error("Put() did not stamp UpdatedAt")
	}

	var got waypoint.Goal
	if err := c.Get(waypoint.KindGoal, "g1", &got); err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if got.Title != "Learn Go" {
		t.Errorf("Title = %q, want Learn Go", got.Title)
	}

	dirty := c.Dirty()
	if len(dirty) != 1 || dirty[0].Kind != waypoint.KindGoal || dirty[0].EntityID != "g1" {
		t.Errorf("Dirty() = %+v, want goal g1", dirty)
	}
	if _, err := c.FlushPending(ctx); !errors.Is(err, waypoint.ErrOffline) {
		t.Errorf("FlushPending() error = %v, want ErrOffline", err)
	}
}

func TestClient_PutRejectsInvalidEntity(t *testing.T) {
	c := newTestClient(t, testConfig(t), nil)

	if err := c.Put(context.Background(), &waypoint.Goal{Title: "no id"}); !errors.Is(err, waypoint.ErrInvalidEntity) {
		t.Errorf("Put() error = %v, want ErrInvalidEntity", err)
	}
	if err := c.Delete(context.Background(), "habit", "h1"); !errors.Is(err, waypoint.ErrInvalidKind) {
		t.Errorf("Delete() error = %v, want ErrInvalidKind", err)
	}
}

func TestClient_PutSyncsLatestState(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	c := newTestClient(t, testConfig(t), remote)

	goal := &waypoint.Goal{ID: "A"}
	for _, title := range []string{"draft", "better", "final"} {
		goal.Title = title
		if err := c.Put(ctx, goal); err != nil {
			t.Fatalf("Put() returned error: %v", err)
		}
	}

	waitFor(t, "goal save", func() bool { return len(remote.Calls()) > 0 })
	time.Sleep(100 * time.Millisecond)

	calls := remote.Calls()
	if len(calls) != 1 {
		t.Fatalf("remote saw %d calls, want 1", len(calls))
	}
	var sent waypoint.Goal
	if err := json.Unmarshal(calls[0].Payload, &sent); err != nil {
		t.Fatalf("payload is not a goal: %v", err)
	}
	if sent.Title != "final" {
		t.Errorf("sent Title = %q, want final", sent.Title)
	}
	waitFor(t, "clean", func() bool { return len(c.Dirty()) == 0 })

	stats, err := c.Stats()
	if err != nil {
		t.Fatalf("Stats() returned error: %v", err)
	}
	if stats.LastSync.IsZero() {
		t.Error("LastSync not recorded after confirmed sync")
	}
}

func TestClient_PutPreferencesBundlesAnalytics(t *testing.T) {
	remote := &mockRemote{}
	c := newTestClient(t, testConfig(t), remote)

	prefs := &waypoint.Preferences{ID: "me", Theme: "dark"}
	analytics := &waypoint.Analytics{Counters: map[string]int64{"sessions": 7}}
	if err := c.PutPreferences(context.Background(), prefs, analytics); err != nil {
		t.Fatalf("PutPreferences() returned error: %v", err)
	}

	waitFor(t, "preferences save", func() bool { return len(remote.Calls()) == 1 })
	call := remote.Calls()[0]
	if call.Kind != waypoint.KindPreferences || call.ID != "me" {
		t.Errorf("call = %s/%s", call.Kind, call.ID)
	}
	var sent waypoint.Analytics
	if err := json.Unmarshal(call.Analytics, &sent); err != nil {
		t.Fatalf("analytics not sent: %v", err)
	}
	if sent.Counters["sessions"] != 7 {
		t.Errorf("sessions = %d, want 7", sent.Counters["sessions"])
	}
}

func TestClient_Delete(t *testing.T) {
	ctx := context.Background()
	remote := &mockRemote{}
	c := newTestClient(t, testConfig(t), remote)

	c.Put(ctx, &waypoint.CalendarEvent{ID: "e1", Title: "Standup"})
	if err := c.Delete(ctx, waypoint.KindEvent, "e1"); err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	if _, err := c.GetRaw(waypoint.KindEvent, "e1"); !errors.Is(err, waypoint.ErrNotFound) {
		t.Errorf("GetRaw() after delete error = %v, want ErrNotFound", err)
	}

	waitFor(t, "remote delete", func() bool { return len(remote.Calls()) == 1 })
	if op := remote.Calls()[0].Op; op != "delete" {
		t.Errorf("Op = %q, want delete", op)
	}
}

func TestClient_LocalStoreFailureIsNotSyncError(t *testing.T) {
	remote := &mockRemote{}
	c, err := waypoint.NewWithRemote(testConfig(t), remote)
	if err != nil {
		t.Fatalf("NewWithRemote() returned error: %v", err)
	}
	c.Close()

	err = c.Put(context.Background(), &waypoint.BrainDumpEntry{ID: "b1", Text: "idea"})
	var lse *waypoint.LocalStoreError
	if !errors.As(err, &lse) {
		t.Fatalf("Put() error = %v, want *LocalStoreError", err)
	}
	if !errors.Is(err, waypoint.ErrStoreClosed) {
		t.Errorf("Put() error = %v, want wrapped ErrStoreClosed", err)
	}
	var se *waypoint.SyncError
	if errors.As(err, &se) {
		t.Error("local failure reported as SyncError")
	}
	if n := len(remote.Calls()); n != 0 {
		t.Errorf("remote saw %d calls, want 0", n)
	}
}

func TestClient_RecoversUnsyncedChangesOnStartup(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	offline, err := waypoint.New(cfg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	offline.Put(ctx, &waypoint.Streak{ID: "daily", Current: 3})
	offline.Close()

	remote := &mockRemote{}
	c := newTestClient(t, cfg, remote)

	queue, err := c.Queue(ctx)
	if err != nil {
		t.Fatalf("Queue() returned error: %v", err)
	}
	if len(queue) != 1 || queue[0].EntityID != "daily" {
		t.Fatalf("Queue() = %+v, want recovered streak", queue)
	}

	res, err := c.FlushPending(ctx)
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("FlushPending() = %+v, %v", res, err)
	}
	var sent waypoint.Streak
	json.Unmarshal(remote.Calls()[0].Payload, &sent)
	if sent.Current != 3 {
		t.Errorf("sent Current = %d, want 3", sent.Current)
	}
	if d := c.Dirty(); len(d) != 0 {
		t.Errorf("Dirty() = %+v, want empty", d)
	}
}

func TestClient_RecoveryReplacesStaleQueuedState(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.GoalDebounce = time.Hour

	down := &mockRemote{failFn: func(waypoint.EntityKind, string) error {
		return errors.New("connection refused")
	}}
	first, err := waypoint.NewWithRemote(cfg, down)
	if err != nil {
		t.Fatalf("NewWithRemote() returned error: %v", err)
	}
	first.Put(ctx, &waypoint.Goal{ID: "g1", Title: "v1"})
	if err := first.ForceSync(ctx, waypoint.KindGoal, "g1"); err == nil {
		t.Fatal("ForceSync() against a failing remote returned nil")
	}
	first.Put(ctx, &waypoint.Goal{ID: "g1", Title: "v2"})
	first.CancelPendingSyncs()
	first.Close()

	remote := &mockRemote{}
	c := newTestClient(t, cfg, remote)

	res, err := c.FlushPending(ctx)
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("FlushPending() = %+v, %v", res, err)
	}
	calls := remote.Calls()
	if len(calls) != 1 {
		t.Fatalf("remote saw %d calls, want 1", len(calls))
	}
	var sent waypoint.Goal
	json.Unmarshal(calls[0].Payload, &sent)
	if sent.Title != "v2" {
		t.Errorf("sent Title = %q, want v2", sent.Title)
	}
	if d := c.Dirty(); len(d) != 0 {
		t.Errorf("Dirty() = %+v, want empty", d)
	}
	queue, err := c.Queue(ctx)
	if err != nil {
		t.Fatalf("Queue() returned error: %v", err)
	}
	if len(queue) != 0 {
		t.Errorf("Queue() = %+v, want empty", queue)
	}
}

func TestClient_ForceSyncMissingEntitySendsDelete(t *testing.T) {
	remote := &mockRemote{}
	c := newTestClient(t, testConfig(t), remote)

	if err := c.ForceSync(context.Background(), waypoint.KindGoal, "gone"); err != nil {
		t.Fatalf("ForceSync() returned error: %v", err)
	}
	calls := remote.Calls()
	if len(calls) != 1 || calls[0].Op != "delete" || calls[0].ID != "gone" {
		t.Errorf("calls = %+v, want one delete", calls)
	}
}

func TestClient_Reset(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, testConfig(t), nil)
	c.Put(ctx, &waypoint.Goal{ID: "g1", Title: "x"})

	if err := c.Reset(ctx); err != nil {
		t.Fatalf("Reset() returned error: %v", err)
	}
	if _, err := c.GetRaw(waypoint.KindGoal, "g1"); !errors.Is(err, waypoint.ErrNotFound) {
		t.Errorf("GetRaw() after reset error = %v, want ErrNotFound", err)
	}
	if d := c.Dirty(); len(d) != 0 {
		t.Errorf("Dirty() after reset = %+v", d)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("offline", func(t *testing.T) {
		c := newTestClient(t, testConfig(t), nil)
		h := c.HealthCheck(ctx)
		if !h.Healthy || !h.StoreOK || h.RemoteReachable || h.Online {
			t.Errorf("HealthCheck() = %+v", h)
		}
	})

	t.Run("remote down", func(t *testing.T) {
		remote := &mockRemote{pingErr: errors.New("dial tcp: connection refused")}
		c := newTestClient(t, testConfig(t), remote)
		h := c.HealthCheck(ctx)
		if h.RemoteReachable || h.Error == "" {
			t.Errorf("HealthCheck() = %+v, want unreachable with error", h)
		}
	})

	t.Run("remote up", func(t *testing.T) {
		c := newTestClient(t, testConfig(t), &mockRemote{})
		h := c.HealthCheck(ctx)
		if !h.Healthy || !h.RemoteReachable || !h.Online {
			t.Errorf("HealthCheck() = %+v", h)
		}
	})
}

func TestClient_DeviceIDPersists(t *testing.T) {
	cfg := testConfig(t)

	c, err := waypoint.New(cfg)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	id := c.Config().DeviceID
	c.Close()
	if id == "" {
		t.Fatal("DeviceID not generated")
	}

	c = newTestClient(t, cfg, nil)
	if got := c.Config().DeviceID; got != id {
		t.Errorf("DeviceID = %q, want %q from first run", got, id)
	}
}

func TestNewID(t *testing.T) {
	a, b := waypoint.NewID(), waypoint.NewID()
	if a == b {
		t.Error("NewID() returned duplicate ids")
	}
	if len(a) != 26 {
		t.Errorf("len(NewID()) = %d, want 26", len(a))
	}
}
