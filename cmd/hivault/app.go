package main

import (
	"context"
	"fmt"
	"os"

	"hivault/internal/api"
	"hivault/internal/blobstore"
	"hivault/internal/cleanup"
	"hivault/internal/config"
	"hivault/internal/conversation"
	"hivault/internal/handles"
	"hivault/internal/live"
	"hivault/internal/resolver"
	"hivault/internal/signing"
	"hivault/internal/store"
)

// app holds the services one command invocation works with.
type app struct {
	cfg           *config.Config
	hub           *live.Hub
	store         *store.Store
	handles       *handles.Registry
	client        *api.Client
	tracker       *signing.Tracker
	resolver      *resolver.Resolver
	conversations *conversation.Facade
}

func openApp(cfg *config.Config) (*app, error) {
	hub := live.NewHub(logger)
	opts := []store.Option{store.WithLogger(logger), store.WithHub(hub)}

	blobs, err := blobstore.NewLocalCAS(cfg.BlobDir)
	var st *store.Store
	switch {
	case err != nil && cfg.MemoryFallback:
		logger.Warn().Err(err).Str("blob_dir", cfg.BlobDir).Msg("blob directory unavailable, continuing in memory only")
		st, err = store.OpenMemory(opts...)
	case err != nil:
		return nil, fmt.Errorf("open blob store: %w", err)
	case cfg.MemoryFallback:
		st, err = store.OpenOrDegrade(cfg.DBPath, blobs, opts...)
	default:
		st, err = store.Open(cfg.DBPath, blobs, opts...)
	}
	if err != nil {
		return nil, err
	}

	registry := handles.NewRegistry(logger)
	client := api.NewClient(cfg.APIURL)
	tracker := signing.NewTracker(client, logger, signing.WithStaleBuffer(cfg.Resolver.StaleBuffer()))

	res, err := resolver.New(resolver.Deps{
		Store:    st,
		Handles:  registry,
		Tracker:  tracker,
		Fetcher:  client,
		Uploader: client,
	}, resolverConfig(cfg), logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:           cfg,
		hub:           hub,
		store:         st,
		handles:       registry,
		client:        client,
		tracker:       tracker,
		resolver:      res,
		conversations: conversation.New(st, hub, logger),
	}, nil
}

func (a *app) Close() error {
	if n := a.handles.RevokeAll(); n > 0 {
		logger.Debug().Int("count", n).Msg("released handles on exit")
	}
	return a.store.Close()
}

func (a *app) sweeper() *cleanup.Sweeper {
	return cleanup.New(a.store, cleanupConfig(a.cfg), logger)
}

// watchExternalWrites republishes changes other processes make to the
// database file until ctx is done. Memory-only stores have nothing to watch.
func (a *app) watchExternalWrites(ctx context.Context, topics ...live.Topic) {
	if a.store.Degraded() || a.store.Path() == "" {
		return
	}
	go func() {
		if err := a.hub.WatchFile(ctx, a.store.Path(), live.DefaultDebounce, topics...); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("external change watch unavailable")
		}
	}()
}

func withApp(cfg *config.Config, fn func(*app) error) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.store.Degraded() {
		fmt.Fprintln(os.Stderr, "warning: durable store unavailable; changes will not persist")
	}
	return fn(a)
}

func resolverConfig(cfg *config.Config) resolver.Config {
	return resolver.Config{
		MaxRetries:          cfg.Resolver.MaxRetries,
		RetryDelay:          cfg.Resolver.RetryDelay(),
		MaxRetryDelay:       cfg.Resolver.MaxRetryDelay(),
		DownloadMissingBlob: cfg.Resolver.DownloadMissingBlob,
		MinBlobBytes:        cfg.Resolver.MinBlobBytes,
		PrecacheConcurrency: cfg.Resolver.PrecacheConcurrency,
	}
}

func cleanupConfig(cfg *config.Config) cleanup.Config {
	return cleanup.Config{
		Retention:   cfg.Cleanup.Retention(),
		Interval:    cfg.Cleanup.Interval(),
		GCBatchSize: cfg.Cleanup.GCBatchSize,
	}
}
