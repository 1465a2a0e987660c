package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/waypoint"
	"github.com/spf13/cobra"
)

// preferencesID is the single preferences record of a local profile.
const preferencesID = "default"

var goalCmd = &cobra.Command{
	Use:   "goal",
	Short: "Create and edit goals",
}

var goalSetCmd = &cobra.Command{
	Use:   "set [goal-id]",
	Short: "Create or update a goal",
	Long: `Create a goal, or update the flags given on an existing one.

Without a goal id a new id is generated.`,
	Example: `  waypoint goal set --title "Run a marathon"
  waypoint goal set 01JB7Z9 --status done`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGoalSet,
}

var (
	goalTitle       string
	goalDescription string
	goalParent      string
	goalStatus      string
	goalTarget      string
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Create and edit calendar events",
}

var eventSetCmd = &cobra.Command{
	Use:     "set [event-id]",
	Short:   "Create or update a calendar event",
	Example: `  waypoint event set --title "Deep work" --start 2026-10-16T09:00:00Z --end 2026-10-16T11:00:00Z`,
	Args:    cobra.MaximumNArgs(1),
	RunE:    runEventSet,
}

var (
	eventTitle  string
	eventStart  string
	eventEnd    string
	eventAllDay bool
	eventGoal   string
)

var dumpCmd = &cobra.Command{
	Use:     "dump",
	Aliases: []string{"brain-dump"},
	Short:   "Capture and review brain dump entries",
}

var dumpAddCmd = &cobra.Command{
	Use:     "add <text>",
	Short:   "Capture a thought",
	Example: `  waypoint dump add "call the dentist"`,
	Args:    cobra.MinimumNArgs(1),
	RunE:    runDumpAdd,
}

var dumpShowCmd = &cobra.Command{
	Use:   "show <entry-id>",
	Short: "Show a brain dump entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showEntity(cmd, waypoint.KindBrainDump, args[0])
	},
}

var prefsCmd = &cobra.Command{
	Use:     "prefs",
	Aliases: []string{"preferences"},
	Short:   "View and change preferences",
}

var prefsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update preferences",
	Long: `Update preferences. Usage counters given with --count are synced
together with the preferences.`,
	Example: `  waypoint prefs set --theme dark --timezone Europe/Berlin
  waypoint prefs set --count sessions=12`,
	Args: cobra.NoArgs,
	RunE: runPrefsSet,
}

var (
	prefsTheme     string
	prefsTimezone  string
	prefsWeekStart int
	prefsSettings  map[string]string
	prefsCounters  map[string]int64
)

var streakCmd = &cobra.Command{
	Use:   "streak",
	Short: "Track daily streaks",
}

var streakBumpCmd = &cobra.Command{
	Use:     "bump <streak-id>",
	Short:   "Record today for a streak",
	Example: `  waypoint streak bump journaling`,
	Args:    cobra.ExactArgs(1),
	RunE:    runStreakBump,
}

var getCmd = &cobra.Command{
	Use:   "get <kind> <id>",
	Short: "Show a stored entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := parseKind(args[0])
		if err != nil {
			return err
		}
		return showEntity(cmd, kind, args[1])
	},
}

var listCmd = &cobra.Command{
	Use:   "list <kind>",
	Short: "List stored entities of a kind",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <kind> <id>",
	Short: "Delete an entity locally and remotely",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

func init() {
	f := goalSetCmd.Flags()
	f.StringVar(&goalTitle, "title", "", "Goal title")
	f.StringVar(&goalDescription, "description", "", "Goal description")
	f.StringVar(&goalParent, "parent", "", "Parent goal id")
	f.StringVar(&goalStatus, "status", "", "Goal status (e.g. active, done)")
	f.StringVar(&goalTarget, "target", "", "Target date (YYYY-MM-DD)")
	goalCmd.AddCommand(goalSetCmd)

	f = eventSetCmd.Flags()
	f.StringVar(&eventTitle, "title", "", "Event title")
	f.StringVar(&eventStart, "start", "", "Start time (RFC 3339)")
	f.StringVar(&eventEnd, "end", "", "End time (RFC 3339)")
	f.BoolVar(&eventAllDay, "all-day", false, "All-day event")
	f.StringVar(&eventGoal, "goal", "", "Linked goal id")
	eventCmd.AddCommand(eventSetCmd)

	dumpCmd.AddCommand(dumpAddCmd)
	dumpCmd.AddCommand(dumpShowCmd)

	f = prefsSetCmd.Flags()
	f.StringVar(&prefsTheme, "theme", "", "Color theme")
	f.StringVar(&prefsTimezone, "timezone", "", "IANA timezone")
	f.IntVar(&prefsWeekStart, "week-start", 0, "First day of the week (0=Sunday)")
	f.StringToStringVar(&prefsSettings, "set", nil, "Extra settings as key=value")
	f.StringToInt64Var(&prefsCounters, "count", nil, "Usage counters as name=value")
	prefsCmd.AddCommand(prefsSetCmd)

	streakCmd.AddCommand(streakBumpCmd)

	rootCmd.AddCommand(goalCmd, eventCmd, dumpCmd, prefsCmd, streakCmd, getCmd, listCmd, deleteCmd)
}

func parseKind(s string) (waypoint.EntityKind, error) {
	kind := waypoint.EntityKind(strings.ReplaceAll(s, "-", "_"))
	if !kind.IsValid() {
		names := make([]string, 0, len(waypoint.ValidKinds()))
		for _, k := range waypoint.ValidKinds() {
			names = append(names, string(k))
		}
		return "", fmt.Errorf("%w %q (valid: %s)", waypoint.ErrInvalidKind, s, strings.Join(names, ", "))
	}
	return kind, nil
}

// loadOrNew decodes an existing entity into dst. A missing entity is not an
// error; the caller fills in a new one.
func loadOrNew(client *waypoint.Client, kind waypoint.EntityKind, id string, dst any) (bool, error) {
	err := client.Get(kind, id, dst)
	if errors.Is(err, waypoint.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func runGoalSet(cmd *cobra.Command, args []string) error {
	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	goal := &waypoint.Goal{ID: waypoint.NewID(), Status: "active"}
	if len(args) > 0 {
		if _, err := loadOrNew(client, waypoint.KindGoal, args[0], goal); err != nil {
			return err
		}
		goal.ID = args[0]
	}

	flags := cmd.Flags()
	if flags.Changed("title") {
		goal.Title = goalTitle
	}
	if flags.Changed("description") {
		goal.Description = goalDescription
	}
	if flags.Changed("parent") {
		goal.ParentID = goalParent
	}
	if flags.Changed("status") {
		goal.Status = goalStatus
	}
	if flags.Changed("target") {
		t, err := time.Parse("2006-01-02", goalTarget)
		if err != nil {
			return fmt.Errorf("invalid --target %q: want YYYY-MM-DD", goalTarget)
		}
		goal.TargetDate = &t
	}
	if goal.Title == "" {
		return errors.New("a goal needs a --title")
	}

	if err := client.Put(context.Background(), goal); err != nil {
		return fmt.Errorf("save goal: %w", err)
	}
	return outputSaved(cmd, goal)
}

func runEventSet(cmd *cobra.Command, args []string) error {
	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	ev := &waypoint.CalendarEvent{ID: waypoint.NewID()}
	if len(args) > 0 {
		if _, err := loadOrNew(client, waypoint.KindEvent, args[0], ev); err != nil {
			return err
		}
		ev.ID = args[0]
	}

	flags := cmd.Flags()
	if flags.Changed("title") {
		ev.Title = eventTitle
	}
	if flags.Changed("start") {
		if ev.Start, err = time.Parse(time.RFC3339, eventStart); err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
	}
	if flags.Changed("end") {
		if ev.End, err = time.Parse(time.RFC3339, eventEnd); err != nil {
			return fmt.Errorf("invalid --end: %w", err)
		}
	}
	if flags.Changed("all-day") {
		ev.AllDay = eventAllDay
	}
	if flags.Changed("goal") {
		ev.GoalID = eventGoal
	}
	if ev.Title == "" || ev.Start.IsZero() {
		return errors.New("an event needs --title and --start")
	}
	if !ev.End.IsZero() && ev.End.Before(ev.Start) {
		return errors.New("--end is before --start")
	}

	if err := client.Put(context.Background(), ev); err != nil {
		return fmt.Errorf("save event: %w", err)
	}
	return outputSaved(cmd, ev)
}

func runDumpAdd(cmd *cobra.Command, args []string) error {
	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	entry := &waypoint.BrainDumpEntry{ID: waypoint.NewID(), Text: strings.Join(args, " ")}
	if err := client.Put(context.Background(), entry); err != nil {
		return fmt.Errorf("save brain dump: %w", err)
	}
	return outputSaved(cmd, entry)
}

func runPrefsSet(cmd *cobra.Command, args []string) error {
	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	prefs := &waypoint.Preferences{ID: preferencesID}
	if _, err := loadOrNew(client, waypoint.KindPreferences, preferencesID, prefs); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("theme") {
		prefs.Theme = prefsTheme
	}
	if flags.Changed("timezone") {
		if _, err := time.LoadLocation(prefsTimezone); err != nil {
			return fmt.Errorf("invalid --timezone: %w", err)
		}
		prefs.Timezone = prefsTimezone
	}
	if flags.Changed("week-start") {
		if prefsWeekStart < 0 || prefsWeekStart > 6 {
			return errors.New("--week-start must be between 0 and 6")
		}
		prefs.WeekStartsOn = prefsWeekStart
	}
	for k, v := range prefsSettings {
		if prefs.Settings == nil {
			prefs.Settings = make(map[string]string)
		}
		prefs.Settings[k] = v
	}

	var analytics *waypoint.Analytics
	if len(prefsCounters) > 0 {
		analytics = &waypoint.Analytics{Counters: prefsCounters, LastActive: time.Now().UTC()}
	}

	if err := client.PutPreferences(context.Background(), prefs, analytics); err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return outputSaved(cmd, prefs)
}

func runStreakBump(cmd *cobra.Command, args []string) error {
	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	streak := &waypoint.Streak{ID: args[0]}
	if _, err := loadOrNew(client, waypoint.KindStreak, args[0], streak); err != nil {
		return err
	}

	bumpStreak(streak, time.Now())

	if err := client.Put(context.Background(), streak); err != nil {
		return fmt.Errorf("save streak: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, streak)
	}
	printSuccess(cmd.OutOrStdout(), "%s: %d day(s) (longest %d)", streak.ID, streak.Current, streak.Longest)
	return nil
}

// bumpStreak records now's calendar day. Repeated bumps on one day are
// no-ops; a missed day restarts the count.
func bumpStreak(s *waypoint.Streak, now time.Time) {
	today := now.Format("2006-01-02")
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")

	switch s.LastDay {
	case today:
		return
	case yesterday:
		s.Current++
	default:
		s.Current = 1
	}
	s.LastDay = today
	if s.Current > s.Longest {
		s.Longest = s.Current
	}
}

func showEntity(cmd *cobra.Command, kind waypoint.EntityKind, id string) error {
	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	raw, err := client.GetRaw(kind, id)
	if errors.Is(err, waypoint.ErrNotFound) {
		return fmt.Errorf("%s %q not found", kind, id)
	}
	if err != nil {
		return err
	}
	return outputRaw(cmd, kind, id, raw)
}

func runList(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}

	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	all, err := client.List(kind)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if outputJSON {
		items := make([]any, 0, len(ids))
		for _, id := range ids {
			items = append(items, jsonRaw(all[id]))
		}
		return outputAsJSON(cmd, items)
	}

	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		printMuted(out, "No %s entries.", kind)
		return nil
	}
	dirty := map[string]bool{}
	for _, r := range client.Dirty(kind) {
		dirty[r.EntityID] = true
	}
	printInfo(out, "%s (%d):", kind, len(ids))
	for _, id := range ids {
		marker := " "
		if dirty[id] {
			marker = "*"
		}
		fmt.Fprintf(out, " %s %-28s %s\n", marker, id, summarize(all[id]))
	}
	if len(dirty) > 0 {
		printMuted(out, "* not yet synced")
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	kind, err := parseKind(args[0])
	if err != nil {
		return err
	}

	client, err := openClient(false)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Delete(context.Background(), kind, args[1]); err != nil {
		return fmt.Errorf("delete %s: %w", kind, err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]string{"kind": string(kind), "id": args[1], "status": "deleted"})
	}
	printSuccess(cmd.OutOrStdout(), "Deleted %s %s", kind, args[1])
	return nil
}
