package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crew-runner/tracker/internal/api"
	"github.com/crew-runner/tracker/internal/assignment"
	"github.com/crew-runner/tracker/internal/config"
	"github.com/crew-runner/tracker/internal/db"
	"github.com/crew-runner/tracker/internal/feed"
	"github.com/crew-runner/tracker/internal/gnss"
	"github.com/crew-runner/tracker/internal/monitoring"
	"github.com/crew-runner/tracker/internal/source"
	"github.com/crew-runner/tracker/internal/station"
	"github.com/crew-runner/tracker/internal/syncclient"
	"github.com/crew-runner/tracker/internal/trainquery"
)

func main() {
	monitoring.InitLogging()
	log.Println("Starting crew position tracker...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded: poll_interval=%v, retention=%v, sync=%q, gnss=%q",
		cfg.PollInterval, cfg.RetentionDuration, cfg.SyncURL, cfg.GNSS.Device)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Journal
	database, err := db.Connect(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	if err := database.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure database schema: %v", err)
	}

	// Sync peer
	var (
		client  *syncclient.Client
		queries api.TrainQueries
		remote  *source.Remote
	)
	if cfg.SyncURL != "" {
		dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
		client, err = syncclient.Dial(dialCtx, cfg.SyncURL, syncclient.Options{})
		dialCancel()
		if err != nil {
			log.Printf("Warning: sync peer unavailable, remote mode disabled: %v", err)
		} else {
			defer client.Close()
			queries = trainquery.NewService(client, trainquery.Timeouts{
				SearchTrain: cfg.Timeouts.SearchTrain,
				TrainData:   cfg.Timeouts.TrainData,
				Features:    cfg.Timeouts.Features,
			})
			remote = source.NewRemote(client, cfg.RemoteFailureThreshold)
		}
	}

	// On-device positioning
	var local *source.Local
	if cfg.GNSS.Device != "" {
		receiver, err := gnss.Open(cfg.GNSS.Device, cfg.GNSS.Port)
		if err != nil {
			log.Printf("Warning: GNSS receiver unavailable, local mode disabled: %v", err)
		} else {
			defer receiver.Close()
			go func() {
				if err := receiver.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("GNSS: monitor stopped: %v", err)
				}
			}()
			local = source.NewLocal(receiver, receiver, cfg.PollInterval)
		}
	}

	orchCfg := source.Config{PollInterval: cfg.PollInterval}
	if local != nil {
		orchCfg.Local = local
	}
	if remote != nil {
		orchCfg.Remote = remote
	}
	orch := source.New(orchCfg)
	defer orch.Close()

	assignCfg := assignment.Config{
		Stations: orch,
		Provider: station.NewStaticProvider(cfg.Trains),
	}
	if client != nil {
		assignCfg.Identity = client
	}
	assignments := assignment.NewManager(assignCfg)

	journalDone := make(chan struct{})
	id, events := orch.Subscribe()
	go func() {
		defer close(journalDone)
		journalEvents(ctx, database, events, orch, remote, assignments)
	}()

	if _, err := assignments.Select(ctx, assignment.Update{
		WorkGroupID: &cfg.Identity.WorkGroupID,
		WorkID:      &cfg.Identity.WorkID,
		TrainID:     &cfg.Identity.TrainID,
	}); err != nil {
		log.Printf("Warning: %v", err)
	}

	if mode, err := source.ParseMode(cfg.InitialMode); err != nil {
		log.Printf("Warning: %v", err)
	} else if err := orch.Enable(mode); err != nil {
		log.Printf("Warning: failed to enable %s source: %v", mode, err)
	}

	// Retention cleanup
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			if _, err := database.Cleanup(ctx, cfg.RetentionDuration); err != nil {
				log.Printf("Cleanup error: %v", err)
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	// HTTP
	handler := &api.Handler{
		Tracker:     orch,
		Queries:     queries,
		Journal:     database,
		Assignments: assignments,
		Snapshot: func() feed.Snapshot {
			snap := feed.Snapshot{
				VehicleID: cfg.VehicleID,
				TrainID:   assignments.TrainID(),
				State:     orch.State(),
				Stations:  orch.Stations(),
			}
			if local != nil && orch.Mode() == source.ModeLocal {
				if fix, ok := local.LastFix(); ok {
					snap.LastFix = &fix
				}
			}
			return snap
		},
	}
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewRouter(handler, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("API server starting on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	log.Printf("Tracker running (mode %s)", orch.Mode())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}

	orch.Unsubscribe(id)
	<-journalDone
	orch.Close()
	cancel()
	log.Println("Goodbye!")
}

// journalEvents writes state transitions and source failures until events
// is closed.
func journalEvents(ctx context.Context, database *db.DB, events <-chan source.Event, orch *source.Orchestrator, remote *source.Remote, assignments *assignment.Manager) {
	for e := range events {
		switch e.Type {
		case source.EventStateChanged:
			mode := orch.Mode()
			var train *string
			if trainID := assignments.TrainID(); trainID != "" {
				train = &trainID
			}
			rec := db.PositionRecord{
				RecordedAt:   e.Time,
				Mode:         mode.String(),
				TrainID:      train,
				StationIndex: e.State.CurrentStationIndex,
				Running:      e.State.IsRunningToNextStation,
			}
			if remote != nil && mode == source.ModeRemote {
				if s, ok := remote.LastSample(); ok && s.HasLocation() {
					loc := s.LocationM
					rec.LocationM = &loc
				}
			}
			if _, err := database.RecordPosition(ctx, rec); err != nil {
				log.Printf("Journal: %v", err)
			}

		case source.EventSourceFailed:
			msg := ""
			if e.Err != nil {
				msg = e.Err.Error()
			}
			if _, err := database.RecordFailure(ctx, db.FailureRecord{
				OccurredAt: e.Time,
				Mode:       e.Mode.String(),
				Message:    msg,
			}); err != nil {
				log.Printf("Journal: %v", err)
			}

		case source.EventModeChanged:
			log.Printf("Source: now %s", e.Mode)
		}
	}
}
