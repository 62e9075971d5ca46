package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rainco77/evochora-pipeline/internal/blobstore"
	"github.com/rainco77/evochora-pipeline/internal/broker"
	"github.com/rainco77/evochora-pipeline/internal/db/sqlitedb"
	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

// writeBatch writes one length-prefixed JSON tick record per entry in
// ticks to storageKey, the same on-disk shape AbstractBatchIndexer's
// default ReadBatch expects.
func writeBatch(t *testing.T, store blobstore.Store, key string, ticks []model.TickData) {
	t.Helper()
	w, err := store.OpenWriter(key)
	require.NoError(t, err)
	for _, tick := range ticks {
		raw, err := json.Marshal(tick)
		require.NoError(t, err)
		require.NoError(t, w.WriteRecord(raw))
	}
	require.NoError(t, w.Close())
}

// countEnvRows returns (-1, err) while the run's env table does not
// exist yet, which callers poll past during discovery.
func countEnvRows(dbPath, tablePrefix string) (int, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return -1, err
	}
	defer conn.Close()
	var count int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM ` + tablePrefix + `_env_ticks`).Scan(&count); err != nil {
		return -1, err
	}
	return count, nil
}

func setupPipeline(t *testing.T) (store *blobstore.FileStore, brk *broker.Broker, database *sqlitedb.DB, dbPath string) {
	t.Helper()
	dir := t.TempDir()
	store, err := blobstore.NewFileStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	brk, err = broker.New("test-broker", broker.Options{DBPath: filepath.Join(dir, "broker.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = brk.Close() })

	dbPath = filepath.Join(dir, "env.db")
	database, err = sqlitedb.New("test-db", sqlitedb.Options{DBPath: dbPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return store, brk, database, dbPath
}

// TestEnvIndexer_Discovery is property E5: an indexer started with no
// runId configured discovers a run placed after its start time, creates
// the schema, writes the batch's ticks, and acks the BatchInfo.
func TestEnvIndexer_Discovery(t *testing.T) {
	store, brk, database, dbPath := setupPipeline(t)

	pubW, err := brk.Wrap(resource.Context{ServiceName: "writer", UsageType: resource.TopicWrite})
	require.NoError(t, err)
	pub := pubW.(*broker.Publisher)

	subW, err := brk.Wrap(resource.Context{ServiceName: "indexer", UsageType: resource.TopicRead,
		Params: map[string]string{"consumerGroup": "env-indexers"}})
	require.NoError(t, err)
	sub := subW.(*broker.Subscriber)

	envW, err := database.Wrap(resource.Context{UsageType: resource.DBEnvWrite})
	require.NoError(t, err)
	env := envW.(*sqlitedb.EnvWriter)

	base := NewBaseIndexer(BaseIndexerOptions{
		Mode:            Discovered,
		PollInterval:    50 * time.Millisecond,
		MaxPollDuration: 3 * time.Second,
		Storage:         store,
	})
	idx := NewEnvIndexer(base, BatchIndexerOptions{
		Subscriber:      sub,
		Topic:           "batches",
		Storage:         store,
		InsertBatchSize: 100,
		FlushTimeout:    150 * time.Millisecond,
	}, env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- idx.Start(ctx, nil) }()

	time.Sleep(200 * time.Millisecond)

	runID := model.NewRunID(time.Now())
	ticks := []model.TickData{
		{Tick: 0, Cells: []model.CellRecord{{X: 0, Y: 0, Value: []byte("x")}}},
		{Tick: 1, Cells: []model.CellRecord{{X: 1, Y: 1, Value: []byte("y")}}},
	}
	batchKey := blobstore.BatchKey(runID, 0, 1)
	writeBatch(t, store, batchKey, ticks)

	info := model.BatchInfo{SimulationRunID: runID, StorageKey: batchKey, TickStart: 0, TickEnd: 1}
	raw, err := json.Marshal(info)
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), "batches", model.Any{TypeURL: model.BatchInfoTypeURL, Value: raw})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	prefix := model.SchemaName(runID)
	var rows int
	for time.Now().Before(deadline) {
		if n, err := countEnvRows(dbPath, prefix); err == nil {
			rows = n
			if rows == len(ticks) {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.Equal(t, len(ticks), rows)

	cancel()
	<-done
}

// TestEnvIndexer_RedeliveryIdempotence is property E6: replaying the
// same BatchInfo leaves the database end state identical; the MERGE
// row count equals the original.
func TestEnvIndexer_RedeliveryIdempotence(t *testing.T) {
	store, brk, database, dbPath := setupPipeline(t)

	pubW, err := brk.Wrap(resource.Context{ServiceName: "writer", UsageType: resource.TopicWrite})
	require.NoError(t, err)
	pub := pubW.(*broker.Publisher)

	subW, err := brk.Wrap(resource.Context{ServiceName: "indexer", UsageType: resource.TopicRead,
		Params: map[string]string{"consumerGroup": "env-indexers"}})
	require.NoError(t, err)
	sub := subW.(*broker.Subscriber)

	envW, err := database.Wrap(resource.Context{UsageType: resource.DBEnvWrite})
	require.NoError(t, err)
	env := envW.(*sqlitedb.EnvWriter)

	runID := model.NewRunID(time.Now())
	base := NewBaseIndexer(BaseIndexerOptions{Mode: Configured, RunID: runID, Storage: store})
	idx := NewEnvIndexer(base, BatchIndexerOptions{
		Subscriber:      sub,
		Topic:           "batches",
		Storage:         store,
		InsertBatchSize: 100,
		FlushTimeout:    100 * time.Millisecond,
	}, env)

	ticks := []model.TickData{
		{Tick: 0, Cells: []model.CellRecord{{X: 0, Y: 0, Value: []byte("x")}}},
	}
	batchKey := blobstore.BatchKey(runID, 0, 0)
	writeBatch(t, store, batchKey, ticks)
	info := model.BatchInfo{SimulationRunID: runID, StorageKey: batchKey, TickStart: 0, TickEnd: 0}
	raw, err := json.Marshal(info)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- idx.Start(ctx, nil) }()

	publish := func() {
		_, err := pub.Publish(context.Background(), "batches", model.Any{TypeURL: model.BatchInfoTypeURL, Value: raw})
		require.NoError(t, err)
	}
	publish()
	time.Sleep(500 * time.Millisecond)
	publish() // simulated redelivery of the same BatchInfo
	time.Sleep(500 * time.Millisecond)

	prefix := model.SchemaName(runID)
	rows, err := countEnvRows(dbPath, prefix)
	require.NoError(t, err)
	require.Equal(t, 1, rows)

	cancel()
	<-done
}
