package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jmcleod/keysync/engine"
	"github.com/jmcleod/keysync/remote/rest"
	bboltstorage "github.com/jmcleod/keysync/storage/bbolt"
)

// device is an engine opened over the local bbolt files and the REST client.
type device struct {
	engine *engine.Engine
	client *rest.Client

	store   *bboltstorage.Store
	secrets *bboltstorage.Store
}

func openDevice(ctx context.Context) (*device, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := bboltstorage.Open(cfg.StorePath(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	secrets, err := bboltstorage.Open(cfg.SecretsPath(), nil)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to open secret store: %w", err)
	}

	d := &device{store: store, secrets: secrets}
	// Tokens come from the engine's session cache, which exists only once
	// the engine is built.
	tokens := rest.TokenFunc(func(ctx context.Context, userID string) (string, error) {
		return d.engine.Sessions().Token(ctx, userID)
	})
	d.client, err = rest.New(cfg.ServerURL, tokens, rest.WithTimeout(cfg.RequestTimeout), rest.WithLogger(logger))
	if err != nil {
		d.closeStores()
		return nil, err
	}
	d.engine, err = engine.New(ctx, engine.Deps{
		Client:       d.client,
		Store:        store,
		Secrets:      bboltstorage.NewSecretStore(secrets.DB()),
		Reachability: d.client,
	},
		engine.WithLogger(logger),
		engine.WithSyncInterval(cfg.SyncInterval),
		engine.WithConcurrency(cfg.MaxConcurrentShares),
		engine.WithModules(cfg.SessionModules()...),
	)
	if err != nil {
		d.closeStores()
		return nil, err
	}
	return d, nil
}

func (d *device) Close() error {
	d.engine.Close()
	return d.closeStores()
}

func (d *device) closeStores() error {
	return errors.Join(d.store.Close(), d.secrets.Close())
}
