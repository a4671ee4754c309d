package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"taskflow/pkg/eventlog"

	"github.com/google/uuid"
)

// Journal is an in-memory eventlog.Journal.
type Journal struct {
	mu     sync.Mutex
	events []eventlog.Event
	raw    [][]byte
}

// NewJournal creates an empty Journal.
func NewJournal() *Journal {
	return &Journal{}
}

func (s *Journal) EnsureTable(context.Context) error { return nil }

func (s *Journal) Append(_ context.Context, eventType, taskID, actor string, content map[string]any, causes []string) (*eventlog.Event, error) {
	if content == nil {
		content = map[string]any{}
	}
	if causes == nil {
		causes = []string{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := ""
	if n := len(s.events); n > 0 {
		prev = s.events[n-1].Hash
	}
	e := eventlog.Event{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Type:      eventType,
		Timestamp: now(),
		TaskID:    taskID,
		Actor:     actor,
		Content:   content,
		Causes:    causes,
		PrevHash:  prev,
	}
	e.Hash = eventlog.ComputeHash(prev, e.ID, e.Type, e.TaskID, e.Actor, e.Timestamp, contentJSON)
	s.events = append(s.events, e)
	s.raw = append(s.raw, contentJSON)
	return &e, nil
}

func (s *Journal) Get(_ context.Context, id string) (*eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, fmt.Errorf("get event %s: %w", id, eventlog.ErrNotFound)
}

func (s *Journal) Recent(_ context.Context, limit int) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventlog.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.events[i])
	}
	return out, nil
}

func (s *Journal) ByTask(_ context.Context, taskID string, limit int) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventlog.Event
	for _, e := range s.events {
		if len(out) >= limit {
			break
		}
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Journal) Since(_ context.Context, afterID string, limit int) ([]eventlog.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventlog.Event
	found := false
	for _, e := range s.events {
		if found {
			if len(out) >= limit {
				break
			}
			out = append(out, e)
		}
		if e.ID == afterID {
			found = true
		}
	}
	return out, nil
}

func (s *Journal) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events), nil
}

func (s *Journal) VerifyChain(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chain eventlog.Chain
	for i, e := range s.events {
		if err := chain.Next(e, s.raw[i]); err != nil {
			return err
		}
	}
	return nil
}
