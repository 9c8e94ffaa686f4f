package messaging

import (
	"log/slog"
	"testing"
	"time"

	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
)

func newTestHub(t *testing.T, subscriberBuffer, replayBuffer int) *Hub {
	t.Helper()
	logger, err := logging.NewChanneledLogger(&logging.LoggerConfig{
		OutputToFile: true,
		LogDirectory: t.TempDir(),
		JSONFormat:   true,
		DefaultLevel: slog.LevelError,
	})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return NewHub(subscriberBuffer, replayBuffer, logger)
}

func drain(t *testing.T, sub *Subscriber) []Event {
	t.Helper()
	var events []Event
	for {
		select {
		case event, ok := <-sub.Events:
			if !ok {
				return events
			}
			events = append(events, event)
		case <-time.After(50 * time.Millisecond):
			return events
		}
	}
}

func TestPublishReachesChannelAndBroadcast(t *testing.T) {
	hub := newTestHub(t, 8, 8)

	device := hub.Subscribe("cam-1")
	all := hub.Subscribe(BroadcastChannel)
	other := hub.Subscribe("cam-2")
	defer hub.Unsubscribe(device)
	defer hub.Unsubscribe(all)
	defer hub.Unsubscribe(other)

	hub.Publish("cam-1", Event{Type: "capture_decided", DeviceID: "cam-1"})

	if got := drain(t, device); len(got) != 1 {
		t.Errorf("device channel received %d events, want 1", len(got))
	}
	if got := drain(t, all); len(got) != 1 {
		t.Errorf("broadcast channel received %d events, want 1", len(got))
	}
	if got := drain(t, other); len(got) != 0 {
		t.Errorf("unrelated device channel received %d events, want 0", len(got))
	}
}

func TestManualTriggerSequencesAreMonotonic(t *testing.T) {
	hub := newTestHub(t, 8, 8)

	first := hub.PublishManualTrigger("cam-1", nil)
	second := hub.PublishManualTrigger("cam-1", nil)
	otherDevice := hub.PublishManualTrigger("cam-2", nil)

	if first.Seq != 1 || second.Seq != 2 {
		t.Errorf("sequences = %d, %d; want 1, 2", first.Seq, second.Seq)
	}
	if otherDevice.Seq != 1 {
		t.Errorf("cam-2 first sequence = %d, want its own counter starting at 1", otherDevice.Seq)
	}
}

func TestResubscribeReplaysUnackedTriggersInOrder(t *testing.T) {
	hub := newTestHub(t, 8, 8)

	// Device connected for the first two triggers, acked the first.
	sub := hub.Subscribe("cam-1")
	hub.PublishManualTrigger("cam-1", nil)
	hub.PublishManualTrigger("cam-1", nil)
	hub.Ack("cam-1", 1)
	hub.Unsubscribe(sub)

	// Triggers fired while disconnected.
	hub.PublishManualTrigger("cam-1", nil)

	reconnected := hub.Subscribe("cam-1")
	defer hub.Unsubscribe(reconnected)

	got := drain(t, reconnected)
	if len(got) != 2 {
		t.Fatalf("replayed %d events, want 2 (seq 2 and 3)", len(got))
	}
	if got[0].Seq != 2 || got[1].Seq != 3 {
		t.Errorf("replay sequences = %d, %d; want 2, 3 in order", got[0].Seq, got[1].Seq)
	}
}

func TestAckReleasesReplayBacklog(t *testing.T) {
	hub := newTestHub(t, 8, 8)

	hub.PublishManualTrigger("cam-1", nil)
	hub.PublishManualTrigger("cam-1", nil)
	hub.PublishManualTrigger("cam-1", nil)

	hub.Ack("cam-1", 2)
	if pending := hub.PendingTriggers("cam-1"); pending != 1 {
		t.Errorf("pending after ack(2) = %d, want 1", pending)
	}

	// Stale and regressive acks are ignored.
	hub.Ack("cam-1", 1)
	if pending := hub.PendingTriggers("cam-1"); pending != 1 {
		t.Errorf("pending after stale ack = %d, want still 1", pending)
	}

	sub := hub.Subscribe("cam-1")
	defer hub.Unsubscribe(sub)
	got := drain(t, sub)
	if len(got) != 1 || got[0].Seq != 3 {
		t.Errorf("replay after acks = %+v, want only seq 3", got)
	}
}

func TestReplayBufferDropsOldest(t *testing.T) {
	hub := newTestHub(t, 8, 2)

	hub.PublishManualTrigger("cam-1", nil)
	hub.PublishManualTrigger("cam-1", nil)
	hub.PublishManualTrigger("cam-1", nil)

	sub := hub.Subscribe("cam-1")
	defer hub.Unsubscribe(sub)

	got := drain(t, sub)
	if len(got) != 2 {
		t.Fatalf("replayed %d events, want 2 with replay buffer of 2", len(got))
	}
	if got[0].Seq != 2 || got[1].Seq != 3 {
		t.Errorf("replay kept sequences %d, %d; want the newest two (2, 3)", got[0].Seq, got[1].Seq)
	}
}

func TestSlowSubscriberDropsOldestNotNewest(t *testing.T) {
	hub := newTestHub(t, 2, 8)

	sub := hub.Subscribe(BroadcastChannel)
	defer hub.Unsubscribe(sub)

	for i := 1; i <= 4; i++ {
		hub.Publish("cam-1", Event{Type: "capture_decided", Seq: uint64(i)})
	}

	got := drain(t, sub)
	if len(got) != 2 {
		t.Fatalf("queued %d events, want 2", len(got))
	}
	if got[0].Seq != 3 || got[1].Seq != 4 {
		t.Errorf("kept sequences %d, %d; want the newest two (3, 4)", got[0].Seq, got[1].Seq)
	}
}

func TestTouchAndLastSeen(t *testing.T) {
	hub := newTestHub(t, 8, 8)

	if _, seen := hub.LastSeen("cam-1"); seen {
		t.Error("device should not be seen before its first touch")
	}

	before := time.Now()
	hub.Touch("cam-1")

	seenAt, seen := hub.LastSeen("cam-1")
	if !seen {
		t.Fatal("device should be seen after touch")
	}
	if seenAt.Before(before) {
		t.Errorf("lastSeen %v predates the touch at %v", seenAt, before)
	}
}

func TestCloseDetachesSubscribers(t *testing.T) {
	hub := newTestHub(t, 8, 8)

	sub := hub.Subscribe("cam-1")
	hub.Close()

	if _, ok := <-sub.Events; ok {
		t.Error("subscriber channel should be closed after hub close")
	}

	// Publishing after close must not panic.
	hub.Publish("cam-1", Event{Type: "capture_decided"})
}
