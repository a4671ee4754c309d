package notify

import (
	"context"
	"log"
	"sync"
)

// Sender wraps a Dispatcher so delivery never fails or delays the caller.
type Sender struct {
	d  Dispatcher
	wg sync.WaitGroup
}

// NewSender wraps d. A nil d drops everything.
func NewSender(d Dispatcher) *Sender {
	if d == nil {
		d = Noop{}
	}
	return &Sender{d: d}
}

// Send drops empty and duplicate recipients and anyone listed in skip, then
// dispatches in the background. The dispatch outlives ctx's cancellation so a
// disconnected client does not cancel a notification for a committed write.
// Failures are logged, never returned.
func (s *Sender) Send(ctx context.Context, n Notification, skip ...string) {
	n.Recipients = Recipients(n.Recipients, skip...)
	if len(n.Recipients) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatch(ctx, n)
	}()
}

// Wait blocks until every notification sent so far has been dispatched.
func (s *Sender) Wait() {
	s.wg.Wait()
}

func (s *Sender) dispatch(ctx context.Context, n Notification) {
	res, err := s.d.Dispatch(ctx, n)
	if err != nil {
		log.Printf("notify: %s to %d recipients: %v", n.Kind, len(n.Recipients), err)
		return
	}
	if res.Failed > 0 {
		log.Printf("notify: %s: %d sent, %d failed", n.Kind, res.Sent, res.Failed)
	}
}

// Recipients returns ids without blanks, duplicates or skipped ids, in order.
func Recipients(ids []string, skip ...string) []string {
	seen := make(map[string]bool, len(ids)+len(skip))
	for _, s := range skip {
		seen[s] = true
	}
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
