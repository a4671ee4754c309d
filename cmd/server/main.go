package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"taskflow/internal/api"
	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/telemetry"
	"taskflow/pkg/changefeed"
	"taskflow/pkg/employee"
	"taskflow/pkg/eventlog"
	"taskflow/pkg/memstore"
	"taskflow/pkg/notify"
	"taskflow/pkg/proof"
	"taskflow/pkg/reassign"
	"taskflow/pkg/task"
	"taskflow/pkg/verification"
	"taskflow/pkg/workflow"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// stores is the persistence backend the server runs on.
type stores struct {
	tasks    task.Store
	requests verification.Store
	people   employee.Directory
	records  reassign.RecordStore
	journal  eventlog.Journal
}

type tabler interface {
	EnsureTable(ctx context.Context) error
}

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := telemetry.Setup("taskflow")
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Printf("telemetry shutdown: %v", err)
		}
	}()

	hub := changefeed.NewHub()
	var st stores

	switch cfg.Store {
	case config.StoreMemory:
		mem := memstore.New(hub)
		st = stores{mem.Tasks, mem.Requests, mem.People, mem.Records, mem.Journal}
		log.Printf("store: memory (state is lost on exit)")
	case config.StorePostgres:
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect: %v", err)
		}
		defer pool.Close()

		people := employee.NewPgDirectory(pool)
		st = stores{
			tasks:    task.NewPgStore(pool),
			requests: verification.NewPgStore(pool),
			people:   people,
			records:  reassign.NewPgRecordStore(pool),
			journal:  eventlog.NewPgStore(pool),
		}
		// Ensure tables exist
		for _, t := range []struct {
			name string
			t    tabler
		}{
			{"employees", people},
			{"tasks", st.tasks},
			{"verification_requests", st.requests},
			{"reassignment_records", st.records},
			{"journal", st.journal},
		} {
			if err := t.t.EnsureTable(ctx); err != nil {
				log.Fatalf("ensure %s table: %v", t.name, err)
			}
		}

		if cfg.ListenForChanges {
			listener := changefeed.NewPgListener(pool, hub)
			if err := listener.EnsureTriggers(ctx); err != nil {
				log.Fatalf("ensure change triggers: %v", err)
			}
			go func() {
				if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("changefeed: %v", err)
				}
			}()
		}
	default:
		log.Fatalf("unknown STORE %q", cfg.Store)
	}

	policy, err := reassign.LoadPolicy(cfg.ReassignPolicyFile)
	if err != nil {
		log.Fatalf("reassign policy: %v", err)
	}
	dispatcher := notify.New(cfg.PushWebhookURL, cfg.PushWebhookToken, cfg.RelayWebhookURL, cfg.RelayWebhookToken, int(cfg.NotifyTimeout/time.Second))
	engine := reassign.New(st.tasks, st.people, st.records, dispatcher, policy)
	ctl := workflow.New(workflow.Deps{
		Tasks:      st.tasks,
		Requests:   st.requests,
		People:     st.people,
		Engine:     engine,
		Journal:    st.journal,
		Dispatcher: dispatcher,
	})

	var uploader proof.Uploader
	proofDir := ""
	if cfg.ProofDir != "" {
		u, err := proof.NewDirUploader(cfg.ProofDir, cfg.ProofBaseURL, cfg.ProofMaxBytes)
		if err != nil {
			log.Fatalf("proof storage: %v", err)
		}
		uploader, proofDir = u, cfg.ProofDir
	}

	server := api.New(api.Deps{
		Controller: ctl,
		Tasks:      st.tasks,
		Requests:   st.requests,
		Records:    st.records,
		Journal:    st.journal,
		Hub:        hub,
		Proofs:     uploader,
		ProofDir:   proofDir,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           otelhttp.NewHandler(api.LoggingMiddleware(server), "taskflow"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("taskflow listening on :%s", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("listen: %v", err)
	}
	<-stopped
	ctl.Wait()
	log.Printf("taskflow stopped")
}
