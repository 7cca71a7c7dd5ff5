package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/collab"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "doc-1")
	defer cleanup()

	dispatcher.NotifyDocumentChange("doc-1", collab.EventSyncChanged)

	select {
	case received := <-stream:
		if received.EventType != collab.EventSyncChanged {
			t.Fatalf("expected event type %s, got %s", collab.EventSyncChanged, received.EventType)
		}
		if received.DocumentID != "doc-1" {
			t.Fatalf("expected doc-1, got %s", received.DocumentID)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be stamped")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByDocument(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otherCtx, otherCancel := context.WithCancel(context.Background())
	defer otherCancel()

	documentStream, cleanup := dispatcher.Subscribe(ctx, "doc-2")
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(otherCtx, "doc-3")
	defer otherCleanup()

	dispatcher.Publish(RealtimeMessage{
		DocumentID: "doc-3",
		EventType:  collab.EventAwarenessChanged,
		Timestamp:  time.Now().UTC(),
	})

	select {
	case <-documentStream:
		t.Fatal("did not expect realtime message for unrelated document")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.DocumentID != "doc-3" {
			t.Fatalf("expected doc-3, received %s", msg.DocumentID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime message for subscribed document")
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "doc-4")
	defer cleanup()
	if dispatcher.SubscriberCount("doc-4") != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("doc-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRealtimeDispatcherIgnoresIncompleteMessages(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "doc-5")
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{DocumentID: "doc-5"})
	dispatcher.Publish(RealtimeMessage{EventType: collab.EventSyncChanged})

	select {
	case msg := <-stream:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}

	closed, _ := dispatcher.Subscribe(ctx, "")
	if _, open := <-closed; open {
		t.Fatal("expected closed stream for empty document id")
	}
}
