// Package notify is the boundary to the notification transports. The
// workflow hands it a Notification and never waits on delivery.
package notify

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
)

// Kinds of notification the workflow emits.
const (
	KindTaskAssigned          = "task_assigned"
	KindTaskStarted           = "task_started"
	KindTaskCompleted         = "task_completed"
	KindVerificationRequested = "verification_requested"
	KindVerificationApproved  = "verification_approved"
	KindVerificationRejected  = "verification_rejected"
	KindTaskRejected          = "task_rejected"
	KindTaskReassigned        = "task_reassigned"
	KindTaskEscalated         = "task_escalated"
)

// Notification is one message addressed to a set of employees.
type Notification struct {
	Title      string         `json:"title"`
	Body       string         `json:"body"`
	Recipients []string       `json:"recipients"`
	Kind       string         `json:"kind"`
	Context    map[string]any `json:"context,omitempty"`
}

// Result reports per-batch delivery.
type Result struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Dispatcher delivers notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) (Result, error)
}

// New builds a dispatcher from configuration: a webhook per configured URL,
// combined with Fanout, or a LogDispatcher when none is set.
func New(pushURL, pushToken, relayURL, relayToken string, timeoutSeconds int) Dispatcher {
	var ds []Dispatcher
	if pushURL != "" {
		ds = append(ds, NewWebhook("push", pushURL, pushToken, timeoutSeconds))
	}
	if relayURL != "" {
		ds = append(ds, NewWebhook("relay", relayURL, relayToken, timeoutSeconds))
	}
	switch len(ds) {
	case 0:
		return LogDispatcher{}
	case 1:
		return ds[0]
	}
	return Fanout(ds)
}

// LogDispatcher writes each notification to the process log.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ctx context.Context, n Notification) (Result, error) {
	log.Printf("notify: %s to %s: %s", n.Kind, strings.Join(n.Recipients, ","), n.Title)
	return Result{Sent: len(n.Recipients)}, nil
}

// Noop discards everything.
type Noop struct{}

func (Noop) Dispatch(ctx context.Context, n Notification) (Result, error) {
	return Result{}, nil
}

// Fanout sends to every channel and joins the errors.
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, n Notification) (Result, error) {
	var total Result
	var errs []error
	for _, d := range f {
		r, err := d.Dispatch(ctx, n)
		total.Sent += r.Sent
		total.Failed += r.Failed
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Recorder keeps every notification it is given.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	Err  error // returned from Dispatch when set
}

func (r *Recorder) Dispatch(ctx context.Context, n Notification) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	if r.Err != nil {
		return Result{Failed: len(n.Recipients)}, r.Err
	}
	return Result{Sent: len(n.Recipients)}, nil
}

// Sent returns a copy of the recorded notifications.
func (r *Recorder) Sent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

// OfKind returns the recorded notifications of one kind.
func (r *Recorder) OfKind(kind string) []Notification {
	var out []Notification
	for _, n := range r.Sent() {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Reset clears the recording.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
