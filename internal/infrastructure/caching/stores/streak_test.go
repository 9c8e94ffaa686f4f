package stores

import (
	"testing"

	"github.com/okmonitor/okmonitor-go/internal/domain/capture"
)

func TestStreakKeepsEarlyCapturesThenSubsamples(t *testing.T) {
	store := NewStreakStore(3, 2)

	var persisted []int
	for i := 1; i <= 10; i++ {
		if store.Observe("cam-1", capture.StateNormal).PersistImage {
			persisted = append(persisted, i)
		}
	}

	want := []int{1, 2, 3, 5, 7, 9}
	if len(persisted) != len(want) {
		t.Fatalf("persisted %v, want %v", persisted, want)
	}
	for i := range want {
		if persisted[i] != want[i] {
			t.Fatalf("persisted %v, want %v", persisted, want)
		}
	}
}

func TestStreakTransitionAlwaysPersists(t *testing.T) {
	store := NewStreakStore(3, 2)

	for i := 0; i < 8; i++ {
		store.Observe("cam-1", capture.StateNormal)
	}

	decision := store.Observe("cam-1", capture.StateAbnormal)
	if !decision.PersistImage {
		t.Error("transition to abnormal must persist the image")
	}
	if count := store.Count("cam-1"); count != 1 {
		t.Errorf("count after transition = %d, want 1", count)
	}

	// Transition back restarts the grace window.
	decision = store.Observe("cam-1", capture.StateNormal)
	if !decision.PersistImage {
		t.Error("transition back to normal must persist the image")
	}
}

func TestStreakDevicesAreIndependent(t *testing.T) {
	store := NewStreakStore(2, 3)

	for i := 0; i < 5; i++ {
		store.Observe("cam-1", capture.StateNormal)
	}

	if !store.Observe("cam-2", capture.StateNormal).PersistImage {
		t.Error("a different device's first capture must persist")
	}
	if count := store.Count("cam-2"); count != 1 {
		t.Errorf("cam-2 count = %d, want 1", count)
	}
	if count := store.Count("cam-1"); count != 5 {
		t.Errorf("cam-1 count = %d, want 5", count)
	}
}

func TestStreakKeepEveryOneDisablesPruning(t *testing.T) {
	store := NewStreakStore(0, 1)

	for i := 0; i < 6; i++ {
		if !store.Observe("cam-1", capture.StateNormal).PersistImage {
			t.Fatalf("capture %d pruned with keepEvery=1", i+1)
		}
	}
}

func TestStreakUnknownDeviceCountIsZero(t *testing.T) {
	store := NewStreakStore(3, 2)
	if count := store.Count("ghost"); count != 0 {
		t.Errorf("count = %d, want 0 for never-seen device", count)
	}
	if _, exists := store.State("ghost"); exists {
		t.Error("State should report absence for never-seen device")
	}
}
