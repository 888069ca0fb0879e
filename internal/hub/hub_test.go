package hub

import (
	"testing"
	"time"

	"zerostream/internal/telemetry"
)

func batch(ids ...string) map[string]telemetry.Sample {
	m := make(map[string]telemetry.Sample, len(ids))
	for i, id := range ids {
		m[id] = telemetry.Sample{
			EventID:      id + "-evt",
			ConnectionID: id,
			EventTimestamp: time.Date(2026, 1, 1, 0, 0, i, 0, time.UTC),
		}
	}
	return m
}

func recv(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if !ok {
			t.Fatal("channel closed")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message within a second")
		return nil
	}
}

func expectEmpty(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected message %v", msg)
		}
	default:
	}
}

func TestSubscribeReceivesInitFirst(t *testing.T) {
	h := NewHub(DefaultConfig())
	h.SetSnapshot(ClassAggregate, func(string) Message {
		return NewInit(map[string]string{"seeded": "yes"})
	})

	// Traffic before the subscription must not reach it.
	h.SensorBatch(batch("a"), 1)

	sub, err := h.Subscribe(ClassAggregate, "")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	h.SensorBatch(batch("a", "b"), 3)

	first := recv(t, sub)
	if first.MessageType() != "init" {
		t.Fatalf("first message type = %q, want init", first.MessageType())
	}
	second := recv(t, sub)
	update, ok := second.(SensorUpdate)
	if !ok {
		t.Fatalf("second message = %T, want SensorUpdate", second)
	}
	if update.Count != 2 || update.Published != 3 {
		t.Fatalf("unexpected update: %+v", update)
	}
}

func TestBatchesDeliveredInOrder(t *testing.T) {
	h := NewHub(Config{SubscriberBuffer: 8})

	sub, err := h.Subscribe(ClassAggregate, "")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	for i := uint64(1); i <= 5; i++ {
		h.SensorBatch(batch("a"), i)
	}

	for i := uint64(1); i <= 5; i++ {
		msg := recv(t, sub).(SensorUpdate)
		if msg.Published != i {
			t.Fatalf("batch %d arrived out of order (published=%d)", i, msg.Published)
		}
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	h := NewHub(Config{SubscriberBuffer: 1})

	slow, err := h.Subscribe(ClassAggregate, "")
	if err != nil {
		t.Fatal(err)
	}
	fast, err := h.Subscribe(ClassAggregate, "")
	if err != nil {
		t.Fatal(err)
	}
	defer fast.Close()

	h.SensorBatch(batch("a"), 1)
	recv(t, fast) // fast keeps up

	// Slow still holds the first message; this one overflows it.
	h.SensorBatch(batch("a"), 2)
	recv(t, fast)

	if got := h.Evicted(); got != 1 {
		t.Fatalf("evicted = %d, want 1", got)
	}
	if got := h.Subscribers(ClassAggregate); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}

	// The buffered message is still readable, then the channel closes.
	if msg := recv(t, slow); msg.MessageType() != "sensor_update" {
		t.Fatalf("unexpected buffered message %v", msg)
	}
	if _, ok := <-slow.C(); ok {
		t.Fatal("evicted subscriber channel not closed")
	}

	// Close after eviction is safe.
	slow.Close()
}

func TestDeviceSubscriberFiltered(t *testing.T) {
	h := NewHub(DefaultConfig())

	sub, err := h.Subscribe(ClassDevice, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	h.SensorBatch(batch("a", "b"), 2)

	msg := recv(t, sub).(SensorUpdate)
	if msg.Count != 1 {
		t.Fatalf("count = %d, want 1", msg.Count)
	}
	if _, ok := msg.Data["a"]; !ok {
		t.Fatalf("device update missing own sample: %+v", msg.Data)
	}
	if _, ok := msg.Data["b"]; ok {
		t.Fatalf("device update leaked another connection: %+v", msg.Data)
	}

	// A batch without this device delivers nothing.
	h.SensorBatch(batch("b"), 3)
	expectEmpty(t, sub)
}

func TestDeviceSubscriptionRequiresID(t *testing.T) {
	h := NewHub(DefaultConfig())
	if _, err := h.Subscribe(ClassDevice, ""); err != ErrDeviceIDRequired {
		t.Fatalf("error = %v, want ErrDeviceIDRequired", err)
	}
}

func TestBroadcastReachesOnlyItsClass(t *testing.T) {
	h := NewHub(DefaultConfig())

	agg, err := h.Subscribe(ClassAggregate, "")
	if err != nil {
		t.Fatal(err)
	}
	defer agg.Close()
	dev, err := h.Subscribe(ClassDevice, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer dev.Close()

	h.Broadcast(ClassAggregate, DashboardUpdate{Type: "dashboard_update"})

	if msg := recv(t, agg); msg.MessageType() != "dashboard_update" {
		t.Fatalf("aggregate got %q", msg.MessageType())
	}
	expectEmpty(t, dev)
}
