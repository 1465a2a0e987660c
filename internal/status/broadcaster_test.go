package status_test

import (
	"testing"
	"time"

	"github.com/hyperengineering/waypoint/internal/status"
)

func next(t *testing.T, sub *status.Subscription) status.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return status.Event{}
}

func TestSubscribe_ReceivesCurrentState(t *testing.T) {
	b := status.New()
	defer b.Close()

	sub := b.Subscribe()
	if ev := next(t, sub); ev.State != status.Idle {
		t.Errorf("first event = %s, want idle", ev.State)
	}
}

func TestPublish_CycleRevertsToIdle(t *testing.T) {
	b := status.New(status.WithQuietPeriod(30 * time.Millisecond))
	defer b.Close()
	sub := b.Subscribe()
	next(t, sub)

	b.Publish(status.Event{State: status.Syncing, Kind: "goal", EntityID: "g1"})
	b.Publish(status.Event{State: status.Synced, Kind: "goal", EntityID: "g1"})

	want := []status.State{status.Syncing, status.Synced, status.Idle}
	for _, w := range want {
		if ev := next(t, sub); ev.State != w {
			t.Fatalf("event = %s, want %s", ev.State, w)
		}
	}
	if cur := b.Current(); cur.State != status.Idle {
		t.Errorf("Current() = %s, want idle", cur.State)
	}
}

func TestPublish_SyncingCancelsIdleRevert(t *testing.T) {
	b := status.New(status.WithQuietPeriod(40 * time.Millisecond))
	defer b.Close()

	b.Publish(status.Event{State: status.Synced})
	time.Sleep(10 * time.Millisecond)
	b.Publish(status.Event{State: status.Syncing})
	time.Sleep(80 * time.Millisecond)

	if cur := b.Current(); cur.State != status.Syncing {
		t.Errorf("Current() = %s, want syncing", cur.State)
	}
}

func TestSlowSubscriber_NeverLosesTerminalEvents(t *testing.T) {
	b := status.New(status.WithQuietPeriod(time.Hour))
	defer b.Close()
	sub := b.Subscribe()

	for i := 0; i < 50; i++ {
		b.Publish(status.Event{State: status.Syncing})
		if i%10 == 0 {
			b.Publish(status.Event{State: status.Error, Err: "offline"})
		} else {
			b.Publish(status.Event{State: status.Synced})
		}
	}

	var errors, synced int
	var lastSeq uint64
	deadline := time.After(2 * time.Second)
	for errors+synced < 50 {
		select {
		case ev := <-sub.C():
			if ev.Seq <= lastSeq && ev.Seq != 0 {
				t.Fatalf("out of order: seq %d after %d", ev.Seq, lastSeq)
			}
			lastSeq = ev.Seq
			switch ev.State {
			case status.Error:
				errors++
			case status.Synced:
				synced++
			}
		case <-deadline:
			t.Fatalf("received %d errors and %d synced, want 5 and 45", errors, synced)
		}
	}
	if errors != 5 || synced != 45 {
		t.Errorf("errors = %d, synced = %d; want 5 and 45", errors, synced)
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := status.New()
	defer b.Close()
	sub := b.Subscribe()
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", b.Subscribers())
	}

	b.Unsubscribe(sub)
	sub.Close()
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d after unsubscribe, want 0", b.Subscribers())
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after Unsubscribe")
		}
	}
}

func TestClose_ClosesSubscribers(t *testing.T) {
	b := status.New()
	sub := b.Subscribe()
	b.Close()
	b.Publish(status.Event{State: status.Error})

	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.State == status.Error {
				t.Fatal("event delivered after Close")
			}
		case <-deadline:
			t.Fatal("channel not closed after Close")
		}
	}
}
