package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Channel:
		if !ok {
			t.Fatalf("subscriber channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return nil
}

func TestPublishFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroadcaster()
	b.Start(ctx)
	a := b.Subscribe(4)
	c := b.Subscribe(4)
	if a.ID == c.ID {
		t.Fatalf("subscriber ids must be unique")
	}

	b.PublishDevice(EventReleaseSent, "00:11:22:33:44:55", "10.0.0.5", map[string]any{"reason": "inactivity"})

	for _, sub := range []*Subscriber{a, c} {
		ev := receive(t, sub)
		if ev.Type != EventReleaseSent || ev.Details["mac"] != "00:11:22:33:44:55" || ev.Details["reason"] != "inactivity" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if ev.ID == "" || ev.Timestamp.IsZero() {
			t.Fatalf("event id and timestamp must be set: %+v", ev)
		}
	}

	b.Unsubscribe(a)
	if _, ok := <-a.Channel; ok {
		t.Fatalf("unsubscribed channel should be closed")
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := NewBroadcaster()
	b.Start(ctx)
	sub := b.Subscribe(1)

	for i := 0; i < 5; i++ {
		b.Publish(EventCycleFailed, "boom", nil)
	}
	receive(t, sub)

	// the loop never blocks on a full subscriber, so a later publish still arrives
	time.Sleep(50 * time.Millisecond)
	for len(sub.Channel) > 0 {
		<-sub.Channel
	}
	b.Publish(EventSettingsChanged, "changed", nil)
	if ev := receive(t, sub); ev.Type != EventSettingsChanged {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestStopClosesSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBroadcaster()
	b.Start(ctx)
	sub := b.Subscribe(1)
	cancel()

	select {
	case _, ok := <-sub.Channel:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel not closed on shutdown")
	}
}

func TestNilBroadcaster(t *testing.T) {
	var b *Broadcaster
	b.Publish(EventCycleFailed, "ignored", nil)
	b.PublishDevice(EventReleaseFailed, "00:11:22:33:44:55", "10.0.0.5", nil)
}

func TestEncode(t *testing.T) {
	ev := &Event{ID: "x", Type: EventDeviceDiscovered, Message: "m", Details: map[string]any{"ip": "10.0.0.5"}}
	data, err := Encode(ev)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if back["type"] != "device_discovered" {
		t.Fatalf("unexpected payload %s", data)
	}
}
