package main

import (
	"context"
	"time"

	"github.com/rainco77/evochora-pipeline/internal/blobstore"
	"github.com/rainco77/evochora-pipeline/internal/broker"
	"github.com/rainco77/evochora-pipeline/internal/config"
	"github.com/rainco77/evochora-pipeline/internal/db"
	"github.com/rainco77/evochora-pipeline/internal/db/sqlitedb"
	"github.com/rainco77/evochora-pipeline/internal/indexer"
	"github.com/rainco77/evochora-pipeline/internal/pkgerrors"
	"github.com/rainco77/evochora-pipeline/internal/resource"
	"github.com/rainco77/evochora-pipeline/internal/service"
)

// registerResourceFactories wires the className strings a deployment's
// configuration tree may reference (spec.md §9) to this build's
// concrete resource constructors.
func registerResourceFactories(reg *config.Registry) {
	reg.RegisterResourceFactory("broker", func(name string, opts map[string]any) (resource.Resource, error) {
		var o broker.Options
		if err := config.DecodeOptions(opts, &o); err != nil {
			return nil, err
		}
		return broker.New(name, o)
	})

	reg.RegisterResourceFactory("sqlite-db", func(name string, opts map[string]any) (resource.Resource, error) {
		var o sqlitedb.Options
		if err := config.DecodeOptions(opts, &o); err != nil {
			return nil, err
		}
		return sqlitedb.New(name, o)
	})

	reg.RegisterResourceFactory("postgres-db", func(name string, opts map[string]any) (resource.Resource, error) {
		var o db.Options
		if err := config.DecodeOptions(opts, &o); err != nil {
			return nil, err
		}
		return db.New(name, o)
	})
}

// envIndexerOptions is the options shape an "env-indexer" service entry
// decodes, the behavioural knobs spec.md §4.4/§6.1 leaves to
// configuration rather than code.
type envIndexerOptions struct {
	Mode               string `yaml:"mode"` // "configured" | "discovered"
	RunID              string `yaml:"runId"`
	Topic              string `yaml:"topic"`
	StorageDir         string `yaml:"storageDir"`
	InsertBatchSize    int    `yaml:"insertBatchSize"`
	FlushTimeoutMs     int    `yaml:"flushTimeoutMs"`
	PollIntervalMs     int    `yaml:"pollIntervalMs"`
	MaxPollDurationSec int    `yaml:"maxPollDurationSec"`
}

// registerServiceFactories wires the className strings a deployment's
// configuration tree may reference for services to this build's
// concrete service bodies.
func registerServiceFactories(reg *config.Registry) {
	reg.RegisterServiceFactory("env-indexer", func(name string, opts map[string]any, resources map[string]resource.Wrapped) (any, error) {
		var o envIndexerOptions
		if err := config.DecodeOptions(opts, &o); err != nil {
			return nil, err
		}

		sub, ok := resources[resource.TopicRead].(indexer.TopicSubscriber)
		if !ok {
			return nil, pkgerrors.ConfigErrorf("env-indexer %q missing topic-read resource", name)
		}
		env, ok := resources[resource.DBEnvWrite].(indexer.EnvWriter)
		if !ok {
			return nil, pkgerrors.ConfigErrorf("env-indexer %q missing db-env-write resource", name)
		}

		store, err := blobstore.NewFileStore(o.StorageDir)
		if err != nil {
			return nil, err
		}

		mode := indexer.Discovered
		if o.Mode == "configured" {
			mode = indexer.Configured
		}
		base := indexer.NewBaseIndexer(indexer.BaseIndexerOptions{
			Mode:            mode,
			RunID:           o.RunID,
			PollInterval:    millisOr(o.PollIntervalMs, 500),
			MaxPollDuration: time.Duration(intOr(o.MaxPollDurationSec, 300)) * time.Second,
			Storage:         store,
		})
		idx := indexer.NewEnvIndexer(base, indexer.BatchIndexerOptions{
			Subscriber:      sub,
			Topic:           o.Topic,
			Storage:         store,
			InsertBatchSize: intOr(o.InsertBatchSize, 100),
			FlushTimeout:    millisOr(o.FlushTimeoutMs, 5000),
		}, env)

		body := service.Body(func(ctx context.Context, ctl *service.Control) error {
			return idx.Start(ctx, ctl.CheckPause)
		})
		return body, nil
	})
}

func millisOr(ms, def int) time.Duration {
	return time.Duration(intOr(ms, def)) * time.Millisecond
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
