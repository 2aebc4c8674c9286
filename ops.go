package main

import (
	"context"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"lending-api/domain"
	"lending-api/internal/config"
	"lending-api/state"
	"lending-api/storage"
)

func migrateStore(dsn, direction string) error {
	return storage.Migrate(dsn, direction)
}

func readSeedFile(path string) ([]domain.NewDevice, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var devices []domain.NewDevice
	if err := sonic.ConfigStd.Unmarshal(data, &devices); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return devices, nil
}

// seed writes straight to the store without publishing. Running sessions
// pick the devices up on their next resync.
func seed(ctx context.Context, cfg *config.Config, logger *log.Logger, path string) (int, error) {
	devices, err := readSeedFile(path)
	if err != nil {
		return 0, err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer store.Close()
	mgr := state.NewManager(store, nil, logger, state.Options{WriteTimeout: cfg.WriteTimeout})
	return mgr.SeedDevices(ctx, devices)
}

func provision(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	created, err := storage.Provision(ctx, cfg.StorageConnectionString, []storage.Resource{
		{Kind: storage.ResourceTable, Name: cfg.EntitiesTable},
		{Kind: storage.ResourceQueue, Name: cfg.DeltaQueue},
	}, logger)
	if err != nil {
		return err
	}
	logger.WithField("created", len(created)).Info("azure storage provisioned")
	return nil
}
