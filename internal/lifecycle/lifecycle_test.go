package lifecycle

import (
	"testing"
)

func TestSignal_DefaultsToForeground(t *testing.T) {
	signal := NewSignal()

	if got := signal.Current(); got != StateForeground {
		t.Errorf("expected foreground before any transition, got %s", got)
	}
}

func TestSignal_SetUpdatesCurrent(t *testing.T) {
	signal := NewSignal()

	signal.Set(StateBackground)

	if got := signal.Current(); got != StateBackground {
		t.Errorf("expected background, got %s", got)
	}

	signal.Set(StateInactive)

	if got := signal.Current(); got != StateInactive {
		t.Errorf("expected inactive, got %s", got)
	}
}

func TestSignal_NotifiesSubscribers(t *testing.T) {
	signal := NewSignal()

	var got []State
	signal.Subscribe(func(state State) {
		got = append(got, state)
	})

	signal.Set(StateBackground)
	signal.Set(StateForeground)

	if len(got) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(got))
	}
	if got[0] != StateBackground || got[1] != StateForeground {
		t.Errorf("unexpected transitions: %v", got)
	}
}

func TestSignal_UnsubscribeStopsNotifications(t *testing.T) {
	signal := NewSignal()

	calls := 0
	unsubscribe := signal.Subscribe(func(State) { calls++ })

	signal.Set(StateBackground)
	unsubscribe()
	signal.Set(StateForeground)

	if calls != 1 {
		t.Errorf("expected 1 notification, got %d", calls)
	}

	// Unsubscribing twice must be harmless.
	unsubscribe()
}

func TestSignal_SubscribersAreIndependent(t *testing.T) {
	signal := NewSignal()

	first := 0
	second := 0
	unsubscribeFirst := signal.Subscribe(func(State) { first++ })
	signal.Subscribe(func(State) { second++ })

	signal.Set(StateBackground)
	unsubscribeFirst()
	signal.Set(StateForeground)

	if first != 1 {
		t.Errorf("expected 1 notification for first subscriber, got %d", first)
	}
	if second != 2 {
		t.Errorf("expected 2 notifications for second subscriber, got %d", second)
	}
}

func TestStateString(t *testing.T) {
	if StateForeground.String() != "foreground" {
		t.Errorf("unexpected string: %s", StateForeground)
	}
	if StateBackground.String() != "background" {
		t.Errorf("unexpected string: %s", StateBackground)
	}
	if StateInactive.String() != "inactive" {
		t.Errorf("unexpected string: %s", StateInactive)
	}
	if State(42).String() != "unknown" {
		t.Errorf("unexpected string: %s", State(42))
	}
}

func TestDefault_InitializesOnFirstUse(t *testing.T) {
	Shutdown()

	signal := Default()
	if signal == nil {
		t.Fatalf("expected a signal")
	}
	if Default() != signal {
		t.Errorf("expected the same process-wide signal")
	}

	Shutdown()

	if Default() == signal {
		t.Errorf("expected a fresh signal after shutdown")
	}
}
