package notify

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEventWriterCreatesFile(t *testing.T) {
	dir := t.TempDir()
	w := NewEventWriter(dir)

	if err := w.Notify(EventMemoryUpdated, "tenant/alpha:1"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 event file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".event" {
		t.Errorf("expected .event extension, got %s", entries[0].Name())
	}
}

func TestEventWatcherReceivesEvent(t *testing.T) {
	dir := t.TempDir()

	type eventMsg struct {
		eventType string
		tenantID  string
	}
	received := make(chan eventMsg, 1)

	watcher := NewEventWatcher(dir, func(eventType, tenantID string) {
		received <- eventMsg{eventType, tenantID}
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	writer := NewEventWriter(dir)
	if err := writer.Notify(EventMemoryUpdated, "t1"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.eventType != EventMemoryUpdated {
			t.Errorf("expected event type %s, got %s", EventMemoryUpdated, msg.eventType)
		}
		if msg.tenantID != "t1" {
			t.Errorf("expected tenant t1, got %s", msg.tenantID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventWatcherDrainsExistingFiles(t *testing.T) {
	dir := t.TempDir()

	writer := NewEventWriter(dir)
	if err := writer.Notify(EventConcernAlert, "t2"); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	received := make(chan string, 1)
	watcher := NewEventWatcher(dir, func(eventType, tenantID string) {
		received <- tenantID
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case tenantID := <-received:
		if tenantID != "t2" {
			t.Errorf("expected tenant t2, got %s", tenantID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for drained event")
	}

	// The event file is consumed after delivery.
	entries, err := os.ReadDir(filepath.Join(dir, "events"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected drained directory, found %d files", len(entries))
	}
}
