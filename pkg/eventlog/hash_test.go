package eventlog

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestComputeHash(t *testing.T) {
	now := time.Date(2026, 2, 25, 12, 0, 0, 0, time.UTC)
	content, _ := json.Marshal(map[string]any{"key": "value"})

	h1 := ComputeHash("", "id1", TypeTaskStarted, "task1", "emp1", now, content)
	h2 := ComputeHash("", "id1", TypeTaskStarted, "task1", "emp1", now, content)
	if h1 != h2 {
		t.Fatalf("same inputs should produce same hash: %s != %s", h1, h2)
	}

	if ComputeHash("", "id2", TypeTaskStarted, "task1", "emp1", now, content) == h1 {
		t.Fatal("different ID should produce different hash")
	}
	if ComputeHash("prevhash", "id1", TypeTaskStarted, "task1", "emp1", now, content) == h1 {
		t.Fatal("different prevHash should produce different hash")
	}
	if ComputeHash("", "id1", TypeTaskStarted, "task1", "emp2", now, content) == h1 {
		t.Fatal("different actor should produce different hash")
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// json.Marshal sorts map keys
	content1, _ := json.Marshal(map[string]any{"a": 1, "b": 2})
	content2, _ := json.Marshal(map[string]any{"b": 2, "a": 1})

	h1 := ComputeHash("", "id", "type", "task", "actor", now, content1)
	h2 := ComputeHash("", "id", "type", "task", "actor", now, content2)
	if h1 != h2 {
		t.Fatalf("hashes should match: %s != %s", h1, h2)
	}
}

func chainOf(t *testing.T, n int) ([]Event, [][]byte) {
	t.Helper()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var events []Event
	var raws [][]byte
	prev := ""
	for i := 0; i < n; i++ {
		content := map[string]any{"seq": float64(i)}
		raw, _ := json.Marshal(content)
		e := Event{
			ID:        string(rune('a' + i)),
			Type:      TypeTaskCreated,
			Timestamp: base.Add(time.Duration(i) * time.Second),
			TaskID:    "task",
			Actor:     "emp",
			Content:   content,
			PrevHash:  prev,
		}
		e.Hash = ComputeHash(prev, e.ID, e.Type, e.TaskID, e.Actor, e.Timestamp, raw)
		prev = e.Hash
		events = append(events, e)
		raws = append(raws, raw)
	}
	return events, raws
}

func TestChainAcceptsIntactChain(t *testing.T) {
	events, raws := chainOf(t, 4)
	var c Chain
	for i, e := range events {
		if err := c.Next(e, raws[i]); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
}

func TestChainDetectsTampering(t *testing.T) {
	events, raws := chainOf(t, 3)
	events[1].Actor = "intruder"

	var c Chain
	if err := c.Next(events[0], raws[0]); err != nil {
		t.Fatal(err)
	}
	err := c.Next(events[1], raws[1])
	if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
}

func TestChainDetectsBrokenLink(t *testing.T) {
	events, raws := chainOf(t, 3)

	var c Chain
	if err := c.Next(events[0], raws[0]); err != nil {
		t.Fatal(err)
	}
	err := c.Next(events[2], raws[2])
	if err == nil || !strings.Contains(err.Error(), "prev_hash mismatch") {
		t.Fatalf("expected prev_hash mismatch, got %v", err)
	}
}
