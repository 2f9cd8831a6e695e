package logging

import (
	"testing"
	"time"
)

func TestLogHubFiltersByLevel(t *testing.T) {
	hub := NewLogHub()
	ch, cancel := hub.SubscribeLevel(4, LevelWarning)
	defer cancel()

	hub.Broadcast(LogEntry{Level: LevelInfo, Message: "skip"})
	hub.Broadcast(LogEntry{Level: LevelError, Message: "keep"})

	select {
	case entry := <-ch:
		if entry.Message != "keep" {
			t.Fatalf("expected error entry, got %q", entry.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for entry")
	}
	select {
	case entry := <-ch:
		t.Fatalf("unexpected extra entry %q", entry.Message)
	default:
	}
}

func TestLogHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewLogHub()
	_, cancel := hub.Subscribe(1)
	defer cancel()

	hub.Broadcast(LogEntry{Level: LevelInfo, Message: "one"})
	hub.Broadcast(LogEntry{Level: LevelInfo, Message: "two"})
	hub.Broadcast(LogEntry{Level: LevelInfo, Message: "three"})

	if got := hub.Dropped(); got != 2 {
		t.Fatalf("expected 2 dropped entries, got %d", got)
	}
}

func TestLogHubCloseEndsSubscriptions(t *testing.T) {
	hub := NewLogHub()
	ch, cancel := hub.Subscribe(1)
	hub.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	late, lateCancel := hub.Subscribe(1)
	defer lateCancel()
	if _, ok := <-late; ok {
		t.Fatal("expected closed channel after hub close")
	}
	hub.Broadcast(LogEntry{Level: LevelError, Message: "ignored"})
}

func TestLogBufferKeepsNewest(t *testing.T) {
	buffer := NewLogBuffer(2)
	buffer.Add(LogEntry{Message: "a"})
	buffer.Add(LogEntry{Message: "b"})
	buffer.Add(LogEntry{Message: "c"})

	entries := buffer.List()
	if len(entries) != 2 || entries[0].Message != "b" || entries[1].Message != "c" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}
