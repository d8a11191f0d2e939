// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package eventbus

import (
	"testing"
	"time"
)

func TestPublishSubscribeDeliversEvent(t *testing.T) {
	b := New()
	defer b.Close()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: StatusChanged})

	select {
	case v := <-ch:
		ev, ok := v.(Event)
		if !ok || ev.Type != StatusChanged {
			t.Fatalf("unexpected value: %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()
	ch := b.Subscribe()
	b.Unsubscribe(ch)

	b.Publish(Event{Type: PositionChanged})

	select {
	case v, ok := <-ch:
		if ok {
			t.Fatalf("expected no further delivery after unsubscribe, got %+v", v)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRawStatusAndResponseChannelsAreIndependentOfEvents(t *testing.T) {
	b := New()
	defer b.Close()

	statusCh := b.SubscribeStatusReport()
	defer b.UnsubscribeStatusReport(statusCh)
	respCh := b.SubscribeResponse()
	defer b.UnsubscribeResponse(respCh)
	eventCh := b.Subscribe()
	defer b.Unsubscribe(eventCh)

	b.PublishStatusReport("raw-status")
	b.PublishResponse("raw-response")

	select {
	case v := <-statusCh:
		if v != "raw-status" {
			t.Fatalf("unexpected status payload: %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status report")
	}

	select {
	case v := <-respCh:
		if v != "raw-response" {
			t.Fatalf("unexpected response payload: %v", v)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}

	select {
	case v := <-eventCh:
		t.Fatalf("did not expect a deduplicated event from raw-only publishes: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}
