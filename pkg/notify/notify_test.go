package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookPostsBatch(t *testing.T) {
	var got webhookPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"sent":1,"failed":1}`))
	}))
	defer srv.Close()

	w := NewWebhook("push", srv.URL, "secret", 1)
	res, err := w.Dispatch(context.Background(), Notification{
		Title:      "Task started",
		Recipients: []string{"a", "b"},
		Kind:       KindTaskStarted,
		Context:    map[string]any{"task_id": "t1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if auth != "Bearer secret" {
		t.Fatalf("authorization = %q", auth)
	}
	if got.Channel != "push" || got.Kind != KindTaskStarted || len(got.Recipients) != 2 || got.Context["task_id"] != "t1" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestWebhookWithoutBodyCountsAllSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res, err := NewWebhook("relay", srv.URL, "", 1).Dispatch(context.Background(), Notification{Recipients: []string{"a", "b", "c"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 3 {
		t.Fatalf("sent = %d, want 3", res.Sent)
	}
}

func TestWebhookRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	res, err := NewWebhook("relay", srv.URL, "", 1).Dispatch(context.Background(), Notification{Recipients: []string{"a"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Failed != 1 {
		t.Fatalf("failed = %d, want 1", res.Failed)
	}
}

func TestFanoutJoinsResults(t *testing.T) {
	ok := &Recorder{}
	bad := &Recorder{Err: errors.New("down")}
	res, err := Fanout{ok, bad}.Dispatch(context.Background(), Notification{Recipients: []string{"a", "b"}})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if res.Sent != 2 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(ok.Sent()) != 1 || len(bad.Sent()) != 1 {
		t.Fatal("both channels should receive the notification")
	}
}

func TestNewSelectsDispatcher(t *testing.T) {
	if _, ok := New("", "", "", "", 0).(LogDispatcher); !ok {
		t.Fatal("no URLs should give LogDispatcher")
	}
	if _, ok := New("http://push", "", "", "", 0).(*Webhook); !ok {
		t.Fatal("one URL should give a Webhook")
	}
	if f, ok := New("http://push", "", "http://relay", "", 0).(Fanout); !ok || len(f) != 2 {
		t.Fatal("two URLs should give a two-channel Fanout")
	}
}

func TestSenderFiltersAndSwallows(t *testing.T) {
	rec := &Recorder{Err: errors.New("transport down")}
	s := NewSender(rec)

	s.Send(context.Background(), Notification{Kind: KindTaskStarted, Recipients: []string{"", "a", "b", "a", "caller"}}, "caller")
	s.Send(context.Background(), Notification{Kind: KindTaskStarted, Recipients: []string{"caller", ""}}, "caller")
	s.Wait()

	sent := rec.Sent()
	if len(sent) != 1 {
		t.Fatalf("dispatched %d notifications, want 1", len(sent))
	}
	if got := sent[0].Recipients; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("recipients = %v, want [a b]", got)
	}
}

type gatedDispatcher struct {
	release chan struct{}
	ctxErr  chan error
}

func (g gatedDispatcher) Dispatch(ctx context.Context, n Notification) (Result, error) {
	<-g.release
	g.ctxErr <- ctx.Err()
	return Result{Sent: len(n.Recipients)}, nil
}

func TestSenderDoesNotBlockOrInheritCancellation(t *testing.T) {
	g := gatedDispatcher{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	s := NewSender(g)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Send(ctx, Notification{Kind: KindTaskCompleted, Recipients: []string{"a"}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a slow dispatcher")
	}

	cancel()
	close(g.release)
	s.Wait()
	if err := <-g.ctxErr; err != nil {
		t.Fatalf("dispatch saw cancelled context: %v", err)
	}
}
