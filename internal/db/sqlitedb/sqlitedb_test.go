package sqlitedb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainco77/evochora-pipeline/internal/model"
	"github.com/rainco77/evochora-pipeline/internal/resource"
)

func newTestDB(t *testing.T, envStrategy string) *DB {
	t.Helper()
	d, err := New("test-db", Options{DBPath: filepath.Join(t.TempDir(), "db.sqlite"), EnvStrategy: envStrategy})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestSQLiteDB_MetadataRoundTrip(t *testing.T) {
	d := newTestDB(t, "")
	ctx := context.Background()

	writerW, err := d.Wrap(resource.Context{UsageType: resource.DBMetaWrite})
	require.NoError(t, err)
	writer := writerW.(*MetaWriter)
	require.NoError(t, writer.SetRun("run-1"))
	require.NoError(t, writer.CreateMetadataTable(ctx))

	md := model.Metadata{RunID: "run-1", Width: 10, Height: 10, Topology: "toroidal", Dimensions: 2}
	require.NoError(t, writer.InsertMetadata(ctx, md))
	// Idempotent re-insert (redelivery) must not error or duplicate.
	require.NoError(t, writer.InsertMetadata(ctx, md))

	readerW, err := d.Wrap(resource.Context{UsageType: resource.DBMetaRead})
	require.NoError(t, err)
	reader := readerW.(*MetaReader)
	require.NoError(t, reader.SetRun("run-1"))

	got, err := reader.ReadMetadata(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, md.Width, got.Width)
	assert.Equal(t, md.Topology, got.Topology)
}

func TestSQLiteDB_MetadataReadBeforeWrite(t *testing.T) {
	d := newTestDB(t, "")
	readerW, err := d.Wrap(resource.Context{UsageType: resource.DBMetaRead})
	require.NoError(t, err)
	reader := readerW.(*MetaReader)
	require.NoError(t, reader.SetRun("ghost-run"))

	got, err := reader.ReadMetadata(context.Background(), "ghost-run")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteDB_EnvWriteSingleBlob(t *testing.T) {
	d := newTestDB(t, "single-blob")
	ctx := context.Background()

	envW, err := d.Wrap(resource.Context{UsageType: resource.DBEnvWrite})
	require.NoError(t, err)
	env := envW.(*EnvWriter)
	require.NoError(t, env.SetRun("run-2"))
	require.NoError(t, env.CreateEnvTable(ctx, 2))

	ticks := []model.TickData{
		{Tick: 0, Cells: []model.CellRecord{{X: 1, Y: 1, Value: []byte("a")}}},
		{Tick: 1, Cells: []model.CellRecord{{X: 2, Y: 2, Value: []byte("b")}}},
	}
	require.NoError(t, env.WriteTicks(ctx, ticks))
	// Redelivery: MERGE absorbs the duplicate without error.
	require.NoError(t, env.WriteTicks(ctx, ticks))
}

func TestSQLiteDB_EnvWriteRowPerCell(t *testing.T) {
	d := newTestDB(t, "row-per-cell")
	ctx := context.Background()

	envW, err := d.Wrap(resource.Context{UsageType: resource.DBEnvWrite})
	require.NoError(t, err)
	env := envW.(*EnvWriter)
	require.NoError(t, env.SetRun("run-3"))
	require.NoError(t, env.CreateEnvTable(ctx, 2))

	ticks := []model.TickData{
		{Tick: 0, Cells: []model.CellRecord{{X: 1, Y: 1, Value: []byte("a")}, {X: 2, Y: 1, Value: []byte("b")}}},
	}
	require.NoError(t, env.WriteTicks(ctx, ticks))
	require.NoError(t, env.WriteTicks(ctx, ticks))
}
