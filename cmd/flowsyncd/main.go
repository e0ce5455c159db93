package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/flowtrack/flowsync/internal/config"
	"github.com/flowtrack/flowsync/internal/flowsync"
	"github.com/flowtrack/flowsync/internal/httpapi"
	"github.com/flowtrack/flowsync/internal/identity"
	"github.com/flowtrack/flowsync/internal/remote"
	"github.com/flowtrack/flowsync/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := flowsync.BuildStateBackendFromDSN(cfg.StateBackendDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	queue, err := flowsync.BuildOperationQueueFromDSN(cfg.QueueDSN)
	if err != nil {
		log.Fatalf("failed to initialize operation queue: %v", err)
	}

	id := identity.NewProvider(cfg.TokenPath)
	userID := cfg.UserID
	if userID == "" {
		userID = id.UserID()
	}

	store, err := flowsync.NewStore(flowsync.StoreOptions{
		Backend:     backend,
		Queue:       queue,
		UserID:      userID,
		LedgerTTL:   cfg.LedgerTTL,
		ActivityTTL: cfg.ActivityTTL,
		MaxDropped:  cfg.MaxDroppedLog,
		Logger:      log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("store close: %v", err)
		}
	}()

	applySettings := func(settings flowsync.Settings) {
		// An unchanged document must not restamp UpdatedAt: that would queue
		// a redundant PutSettings and let boot time win every settings merge.
		if flowsync.SettingsEquivalent(settings, store.Settings()) {
			return
		}
		err := store.UpdateSettings(uuid.NewString(), settings)
		if err != nil && !errors.Is(err, flowsync.ErrDuplicateAction) {
			log.Printf("apply settings file: %v", err)
		}
	}
	if settings, err := flowsync.LoadSettingsFile(cfg.SettingsPath); err == nil {
		applySettings(settings)
	}

	token := func(context.Context) (string, error) { return id.Token() }
	client := remote.NewClient(cfg.RemoteBaseURL, token, nil)

	// The scheduler is created after the engine, which needs the feed for
	// connectivity; the feed callbacks capture the variable and fire only
	// once Run starts, by which point the scheduler exists.
	var scheduler *syncer.Scheduler

	feed, err := remote.NewChangeFeed(remote.FeedOptions{
		URL:    cfg.RemoteFeedURL,
		Token:  token,
		Logger: log.Default(),
		OnOnline: func(online bool) {
			if online {
				scheduler.Notify(syncer.TriggerConnectivity)
			}
		},
		OnChange: func(remote.ChangeNotification) {
			scheduler.Notify(syncer.TriggerRemoteChange)
		},
	})
	if err != nil {
		log.Fatalf("failed to configure change feed: %v", err)
	}

	engine, err := syncer.NewEngine(syncer.EngineOptions{
		Store:        store,
		API:          client,
		Identity:     id,
		Connectivity: feed,
		Logger:       log.Default(),
		CallTimeout:  cfg.CallTimeout,
	})
	if err != nil {
		log.Fatalf("failed to build sync engine: %v", err)
	}

	scheduler, err = syncer.NewScheduler(syncer.SchedulerOptions{
		Engine:   engine,
		Logger:   log.Default(),
		Interval: cfg.SyncInterval,
	})
	if err != nil {
		log.Fatalf("failed to build scheduler: %v", err)
	}

	go func() {
		if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("change feed stopped: %v", err)
		}
	}()

	go func() {
		err := flowsync.WatchSettingsFile(ctx, cfg.SettingsPath, log.Default(), func(settings flowsync.Settings) {
			applySettings(settings)
			scheduler.Notify(syncer.TriggerForeground)
		})
		if err != nil && ctx.Err() == nil {
			log.Printf("settings watcher stopped: %v", err)
		}
	}()

	go func() {
		if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("scheduler stopped: %v", err)
		}
	}()

	api := httpapi.NewServer(store, engine, scheduler.Notify, log.Default())
	server := &http.Server{Addr: cfg.Addr, Handler: api}
	go func() {
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	log.Printf("flowsyncd listening on %s", cfg.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}
