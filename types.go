package waypoint

import (
	"time"

	"github.com/hyperengineering/waypoint/internal/retryqueue"
	"github.com/hyperengineering/waypoint/internal/status"
)

// EntityKind identifies a synced entity type.
type EntityKind string

const (
	KindGoal        EntityKind = "goal"
	KindEvent       EntityKind = "event"
	KindBrainDump   EntityKind = "brain_dump"
	KindPreferences EntityKind = "preferences"
	KindStreak      EntityKind = "streak"

	// kindAnalytics stores the analytics bundled with preferences locally.
	// It is never dispatched on its own.
	kindAnalytics EntityKind = "analytics"
)

// ValidKinds returns all entity kinds in dispatch-table order.
func ValidKinds() []EntityKind {
	return []EntityKind{KindGoal, KindEvent, KindBrainDump, KindPreferences, KindStreak}
}

// IsValid checks if the kind is known.
func (k EntityKind) IsValid() bool {
	for _, valid := range ValidKinds() {
		if k == valid {
			return true
		}
	}
	return false
}

// Entity is anything the sync core can persist locally and push remotely.
type Entity interface {
	EntityKind() EntityKind
	EntityID() string
}

// toucher is implemented by entities that carry a last-writer-wins
// timestamp. Client stamps it on every local write.
type toucher interface {
	Touch(t time.Time)
}

// Goal is a node in the user's goal hierarchy.
type Goal struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parent_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status,omitempty"`
	TargetDate  *time.Time `json:"target_date,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (g *Goal) EntityKind() EntityKind { return KindGoal }
func (g *Goal) EntityID() string       { return g.ID }
func (g *Goal) Touch(t time.Time)      { g.UpdatedAt = t }

// CalendarEvent is a scheduled block of time.
type CalendarEvent struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	AllDay    bool      `json:"all_day,omitempty"`
	GoalID    string    `json:"goal_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e *CalendarEvent) EntityKind() EntityKind { return KindEvent }
func (e *CalendarEvent) EntityID() string       { return e.ID }
func (e *CalendarEvent) Touch(t time.Time)      { e.UpdatedAt = t }

// BrainDumpEntry is a free-form captured thought.
type BrainDumpEntry struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Processed bool      `json:"processed,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *BrainDumpEntry) EntityKind() EntityKind { return KindBrainDump }
func (b *BrainDumpEntry) EntityID() string       { return b.ID }
func (b *BrainDumpEntry) Touch(t time.Time) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = t
	}
	b.UpdatedAt = t
}

// Preferences holds per-user settings. Synced together with Analytics.
type Preferences struct {
	ID           string            `json:"id"`
	Theme        string            `json:"theme,omitempty"`
	Timezone     string            `json:"timezone,omitempty"`
	WeekStartsOn int               `json:"week_starts_on"`
	Settings     map[string]string `json:"settings,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func (p *Preferences) EntityKind() EntityKind { return KindPreferences }
func (p *Preferences) EntityID() string       { return p.ID }
func (p *Preferences) Touch(t time.Time)      { p.UpdatedAt = t }

// Analytics is the usage aggregate sent alongside Preferences.
type Analytics struct {
	Counters   map[string]int64 `json:"counters,omitempty"`
	LastActive time.Time        `json:"last_active"`
}

// Streak is a consecutive-days counter.
type Streak struct {
	ID        string    `json:"id"`
	Current   int       `json:"current"`
	Longest   int       `json:"longest"`
	LastDay   string    `json:"last_day,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Streak) EntityKind() EntityKind { return KindStreak }
func (s *Streak) EntityID() string       { return s.ID }
func (s *Streak) Touch(t time.Time)      { s.UpdatedAt = t }

// OpType is the kind of change a sync operation carries.
type OpType string

const (
	OpCreate OpType = retryqueue.OpCreate
	OpUpdate OpType = retryqueue.OpUpdate
	OpDelete OpType = retryqueue.OpDelete
)

// Operation is one pending remote write for an entity. Payload is the
// encoded entity; Analytics is only set for preferences.
type Operation struct {
	Type      OpType     `json:"type"`
	Kind      EntityKind `json:"kind"`
	EntityID  string     `json:"entity_id"`
	Payload   []byte     `json:"payload,omitempty"`
	Analytics []byte     `json:"analytics,omitempty"`
	Seq       uint64     `json:"seq"`
}

func (op Operation) key() string {
	return string(op.Kind) + "/" + op.EntityID
}

// SyncStatus is the process-wide sync state.
type SyncStatus = status.State

const (
	StatusIdle    = status.Idle
	StatusSyncing = status.Syncing
	StatusSynced  = status.Synced
	StatusError   = status.Error
)

// StatusEvent is one sync state transition.
type StatusEvent = status.Event

// Subscription delivers StatusEvents until closed.
type Subscription = status.Subscription

// QueueEntry is a persisted retry-queue entry.
type QueueEntry = retryqueue.Entry

// DrainResult summarises one retry-queue drain.
type DrainResult = retryqueue.DrainResult

// DirtyRecord marks an entity with unconfirmed local changes.
type DirtyRecord struct {
	Kind       EntityKind `json:"kind"`
	EntityID   string     `json:"entity_id"`
	DirtySince time.Time  `json:"dirty_since"`
}

// StoreStats contains local store statistics.
type StoreStats struct {
	Entities      map[EntityKind]int `json:"entities"`
	DirtyCount    int                `json:"dirty_count"`
	QueueSize     int                `json:"queue_size"`
	StalledCount  int                `json:"stalled_count"`
	LastSync      time.Time          `json:"last_sync,omitempty"`
	SchemaVersion string             `json:"schema_version"`
}

// HealthStatus reports client health.
type HealthStatus struct {
	Healthy         bool   `json:"healthy"`
	StoreOK         bool   `json:"store_ok"`
	RemoteReachable bool   `json:"remote_reachable"`
	Online          bool   `json:"online"`
	Error           string `json:"error,omitempty"`
}
