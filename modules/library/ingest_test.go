package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/printernizer/printernizer/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModule(t *testing.T) (*Module, *engine.Bus) {
	t.Helper()
	db := engine.OpenTestDB(t)
	bus := engine.NewBus()
	t.Cleanup(bus.Close)

	m := New(db, bus, Config{Root: t.TempDir(), Enabled: true})
	require.NoError(t, m.Init())
	return m, bus
}

func writeSource(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func watchSource() SourceInfo {
	return SourceInfo{Kind: SourceWatchFolder, ID: "/watch", Name: "watch"}
}

func TestAddFileBasic(t *testing.T) {
	m, bus := newTestModule(t)
	sub := bus.SubscribeTypes("test", engine.EventLibraryFileAdded)
	ctx := context.Background()

	source := writeSource(t, "model.3mf", "hello world")
	file, err := m.AddFile(ctx, source, watchSource(), false)
	require.NoError(t, err)

	assert.Equal(t, "models/model.3mf", file.LibraryPath)
	assert.Equal(t, "3mf", file.FileType)
	assert.False(t, file.IsDuplicate)
	assert.Equal(t, StatusPending, file.Status)

	// The physical file at library_path hashes to the checksum.
	onDisk := filepath.Join(m.Root(), "models", "model.3mf")
	sum, err := Checksum(onDisk)
	require.NoError(t, err)
	assert.Equal(t, file.Checksum, sum)

	evt := <-sub.Events()
	assert.Equal(t, engine.EventLibraryFileAdded, evt.Type)
	assert.Equal(t, sum, evt.Payload["checksum"])

	sources, err := m.Sources(ctx, file.Checksum)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	assert.Equal(t, SourceWatchFolder, sources[0].Kind)
}

func TestAddFileDuplicateRows(t *testing.T) {
	m, bus := newTestModule(t)
	sub := bus.SubscribeTypes("test", engine.EventLibraryFileAdded)
	ctx := context.Background()

	// Same content ingested from two different paths.
	first, err := m.AddFile(ctx, writeSource(t, "a.3mf", "same-content"), watchSource(), false)
	require.NoError(t, err)
	second, err := m.AddFile(ctx, writeSource(t, "b.3mf", "same-content"), watchSource(), false)
	require.NoError(t, err)

	assert.False(t, first.IsDuplicate)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, first.Checksum, second.DuplicateOfChecksum)
	assert.NotEqual(t, first.Checksum, second.Checksum, "duplicate rows get a synthetic key")

	canonical, err := m.GetByChecksum(ctx, first.Checksum)
	require.NoError(t, err)
	assert.Equal(t, 1, canonical.DuplicateCount)

	// Exactly one library_file_added per inserted row.
	assert.Equal(t, engine.EventLibraryFileAdded, (<-sub.Events()).Type)
	assert.Equal(t, engine.EventLibraryFileAdded, (<-sub.Events()).Type)
	assert.Len(t, sub.Events(), 0)
}

func TestDedupWithFilenameConflict(t *testing.T) {
	m, _ := newTestModule(t)
	ctx := context.Background()

	content := "ten bytes!"

	// Ingest a.3mf into models/ twice; the second copy lands as a_1.3mf.
	row1, err := m.AddFile(ctx, writeSource(t, "a.3mf", content), watchSource(), false)
	require.NoError(t, err)
	row2, err := m.AddFile(ctx, writeSource(t, "a.3mf", content), watchSource(), false)
	require.NoError(t, err)

	// Then the same hash from a watch folder whose file IS the existing
	// models/a.3mf: reused in place, no third copy.
	row3, err := m.AddFile(ctx, filepath.Join(m.Root(), "models", "a.3mf"), SourceInfo{
		Kind: SourceWatchFolder, ID: "/other", Name: "other",
	}, false)
	require.NoError(t, err)

	// Three rows sharing the content hash.
	assert.False(t, row1.IsDuplicate)
	assert.True(t, row2.IsDuplicate)
	assert.True(t, row3.IsDuplicate)
	assert.Equal(t, row1.Checksum, row2.DuplicateOfChecksum)
	assert.Equal(t, row1.Checksum, row3.DuplicateOfChecksum)

	canonical, err := m.GetByChecksum(ctx, row1.Checksum)
	require.NoError(t, err)
	assert.Equal(t, 2, canonical.DuplicateCount)

	// On disk: a.3mf and a_1.3mf only.
	entries, err := os.ReadDir(filepath.Join(m.Root(), "models"))
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"a.3mf", "a_1.3mf"}, names)
}

func TestFilenameConflictSuffixes(t *testing.T) {
	m, _ := newTestModule(t)
	ctx := context.Background()

	// Distinct contents force _1, _2, ... suffixes.
	for i := 0; i < 4; i++ {
		_, err := m.AddFile(ctx, writeSource(t, "part.stl", fmt.Sprintf("content-%d", i)), watchSource(), false)
		require.NoError(t, err)
	}

	names := []string{}
	entries, err := os.ReadDir(filepath.Join(m.Root(), "models"))
	require.NoError(t, err)
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"part.stl", "part_1.stl", "part_2.stl", "part_3.stl"}, names)
}

func TestSourceIdentityAppearsOnce(t *testing.T) {
	m, _ := newTestModule(t)
	ctx := context.Background()

	file, err := m.AddFile(ctx, writeSource(t, "m.3mf", "content"), watchSource(), false)
	require.NoError(t, err)

	// Re-adding the same source identity is a no-op.
	require.NoError(t, m.AddSource(ctx, file.Checksum, watchSource()))
	require.NoError(t, m.AddSource(ctx, file.Checksum, watchSource()))

	other := SourceInfo{Kind: SourcePrinter, ID: "printer-9", Name: "X1C", OriginalPath: "cache/m.3mf"}
	require.NoError(t, m.AddSource(ctx, file.Checksum, other))

	sources, err := m.Sources(ctx, file.Checksum)
	require.NoError(t, err)
	assert.Len(t, sources, 2)
}

func TestPrinterSourcePath(t *testing.T) {
	m, _ := newTestModule(t)
	ctx := context.Background()

	file, err := m.AddFile(ctx, writeSource(t, "job.gcode", "gcode"), SourceInfo{
		Kind: SourcePrinter, ID: "p1", Name: "Voron",
	}, false)
	require.NoError(t, err)
	assert.Equal(t, "printers/Voron/job.gcode", file.LibraryPath)
}

func TestMoveIngestRemovesSource(t *testing.T) {
	m, _ := newTestModule(t)
	ctx := context.Background()

	source := writeSource(t, "move.3mf", "move-me")
	_, err := m.AddFile(ctx, source, watchSource(), true)
	require.NoError(t, err)

	_, statErr := os.Stat(source)
	assert.True(t, os.IsNotExist(statErr), "move ingest must consume the source file")
}

func TestDeletePublishesEvent(t *testing.T) {
	m, bus := newTestModule(t)
	sub := bus.SubscribeTypes("test", engine.EventLibraryFileDeleted)
	ctx := context.Background()

	file, err := m.AddFile(ctx, writeSource(t, "gone.3mf", "bye"), watchSource(), false)
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, file.Checksum, true))
	_, statErr := os.Stat(filepath.Join(m.Root(), "models", "gone.3mf"))
	assert.True(t, os.IsNotExist(statErr))

	evt := <-sub.Events()
	assert.Equal(t, engine.EventLibraryFileDeleted, evt.Type)
}

func TestStatusTransitions(t *testing.T) {
	m, _ := newTestModule(t)
	ctx := context.Background()

	file, err := m.AddFile(ctx, writeSource(t, "s.3mf", "content"), watchSource(), false)
	require.NoError(t, err)

	require.NoError(t, m.SetStatus(ctx, file.Checksum, StatusProcessing, ""))
	require.NoError(t, m.UpdateMetadata(ctx, file.Checksum, `{"layer_height_mm":0.2}`, nil, 0, 0))

	got, err := m.GetByChecksum(ctx, file.Checksum)
	require.NoError(t, err)
	assert.Equal(t, StatusReady, got.Status)
	assert.NotNil(t, got.LastAnalyzed)
	assert.Contains(t, got.MetadataJSON, "layer_height_mm")

	require.NoError(t, m.SetStatus(ctx, file.Checksum, StatusError, "parse exploded"))
	got, err = m.GetByChecksum(ctx, file.Checksum)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "parse exploded", got.ErrorMessage)
}
