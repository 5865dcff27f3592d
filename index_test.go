package shelf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIndexer(store *Store) *Indexer {
	return NewIndexer(store, &IndexConfig{})
}

func volumeRecords(t *testing.T, store *Store, volumeId string) []IndexRecord {
	t.Helper()
	var records []IndexRecord
	require.NoError(t, store.db.Where("volume = ?", volumeId).Order("path ASC").Find(&records).Error)
	return records
}

func TestScanVolume(t *testing.T) {
	store := newTestStore(t)
	volume := newTestVolume(t, store, "v", VisibilityPublic)
	indexer := testIndexer(store)

	writeTestFile(t, volume.Path, "docs/notes.md", "hello world")
	writeTestFile(t, volume.Path, "music/track.mp3", "data")
	writeTestFile(t, volume.Path, ".hidden", "nope")
	writeTestFile(t, volume.Path, "node_modules/pkg/index.js", "nope")
	writeTestFile(t, volume.Path, "docs/.DS_Store", "nope")

	require.NoError(t, indexer.ScanVolume(volume))

	records := volumeRecords(t, store, "v")
	byPath := map[string]IndexRecord{}
	for _, record := range records {
		byPath[record.Path] = record
	}

	assert.Len(t, records, 4)
	assert.Contains(t, byPath, "docs")
	assert.Contains(t, byPath, "docs/notes.md")
	assert.Contains(t, byPath, "music")
	assert.Contains(t, byPath, "music/track.mp3")
	assert.NotContains(t, byPath, ".hidden")
	assert.NotContains(t, byPath, "node_modules")
	assert.NotContains(t, byPath, "docs/.DS_Store")

	notes := byPath["docs/notes.md"]
	info, err := os.Stat(filepath.Join(volume.Path, "docs", "notes.md"))
	require.NoError(t, err)
	assert.Equal(t, "notes.md", notes.Name)
	assert.Equal(t, "md", notes.Extension)
	assert.Equal(t, info.Size(), notes.Size)
	assert.WithinDuration(t, info.ModTime(), notes.ModifiedAt, time.Second)
	assert.False(t, notes.IsDirectory)
	assert.True(t, byPath["docs"].IsDirectory)
}

func TestScanVolumeReplacesOldRows(t *testing.T) {
	store := newTestStore(t)
	volume := newTestVolume(t, store, "v", VisibilityPublic)
	indexer := testIndexer(store)

	writeTestFile(t, volume.Path, "old.txt", "old")
	require.NoError(t, indexer.ScanVolume(volume))

	require.NoError(t, os.Remove(filepath.Join(volume.Path, "old.txt")))
	writeTestFile(t, volume.Path, "new.txt", "new")
	require.NoError(t, indexer.ScanVolume(volume))

	records := volumeRecords(t, store, "v")
	require.Len(t, records, 1)
	assert.Equal(t, "new.txt", records[0].Name)
}

func TestScanVolumeDepthCap(t *testing.T) {
	store := newTestStore(t)
	volume := newTestVolume(t, store, "v", VisibilityPublic)
	indexer := NewIndexer(store, &IndexConfig{MaxDepth: 2})

	writeTestFile(t, volume.Path, "a/b/c/deep.txt", "x")

	require.NoError(t, indexer.ScanVolume(volume))

	records := volumeRecords(t, store, "v")
	paths := []string{}
	for _, record := range records {
		paths = append(paths, record.Path)
	}
	assert.ElementsMatch(t, []string{"a", "a/b"}, paths)
}

func TestSearch(t *testing.T) {
	store := newTestStore(t)
	one := newTestVolume(t, store, "one", VisibilityPublic)
	two := newTestVolume(t, store, "two", VisibilityPublic)
	indexer := testIndexer(store)

	writeTestFile(t, one.Path, "report-2024.txt", "x")
	writeTestFile(t, one.Path, "reports/january.txt", "x")
	writeTestFile(t, two.Path, "report-final.txt", "x")

	require.NoError(t, indexer.ScanVolume(one))
	require.NoError(t, indexer.ScanVolume(two))

	t.Run("SubstringMatch", func(t *testing.T) {
		records, err := indexer.Search("report", nil, false)
		require.NoError(t, err)
		require.Len(t, records, 3)
		// directories sort before files
		assert.Equal(t, "reports", records[0].Name)
		assert.True(t, records[0].IsDirectory)
	})

	t.Run("VolumeScope", func(t *testing.T) {
		records, err := indexer.Search("report", []string{"two"}, false)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "two", records[0].Volume)
	})

	t.Run("EmptyScope", func(t *testing.T) {
		records, err := indexer.Search("report", []string{}, false)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("NoMatch", func(t *testing.T) {
		records, err := indexer.Search("zzz-nothing", nil, false)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("Fuzzy", func(t *testing.T) {
		records, err := indexer.Search("rprt", nil, true)
		require.NoError(t, err)
		assert.NotEmpty(t, records)
	})
}

func TestWatchVolume(t *testing.T) {
	store := newTestStore(t)
	volume := newTestVolume(t, store, "v", VisibilityPublic)
	indexer := testIndexer(store)

	require.NoError(t, indexer.ScanVolume(volume))
	indexer.WatchVolume(volume)
	defer indexer.UnwatchVolume("v")

	hasRecord := func(path string) func() bool {
		return func() bool {
			var count int64
			store.db.Model(&IndexRecord{}).Where("volume = ? AND path = ?", "v", path).Count(&count)
			return count == 1
		}
	}

	t.Run("CreateFile", func(t *testing.T) {
		writeTestFile(t, volume.Path, "live.txt", "live")
		require.Eventually(t, hasRecord("live.txt"), 3*time.Second, 25*time.Millisecond)
	})

	t.Run("CreateDirectoryAndChild", func(t *testing.T) {
		require.NoError(t, os.Mkdir(filepath.Join(volume.Path, "incoming"), 0o755))
		require.Eventually(t, hasRecord("incoming"), 3*time.Second, 25*time.Millisecond)

		// child of the freshly watched directory gets picked up too
		writeTestFile(t, volume.Path, "incoming/fresh.txt", "f")
		require.Eventually(t, hasRecord("incoming/fresh.txt"), 3*time.Second, 25*time.Millisecond)
	})

	t.Run("RemoveDirectoryCascades", func(t *testing.T) {
		require.NoError(t, os.RemoveAll(filepath.Join(volume.Path, "incoming")))
		require.Eventually(t, func() bool {
			var count int64
			store.db.Model(&IndexRecord{}).
				Where("volume = ? AND (path = ? OR path LIKE ?)", "v", "incoming", "incoming/%").
				Count(&count)
			return count == 0
		}, 3*time.Second, 25*time.Millisecond)
	})
}

func TestUnwatchVolumePurges(t *testing.T) {
	store := newTestStore(t)
	volume := newTestVolume(t, store, "v", VisibilityPublic)
	indexer := testIndexer(store)

	writeTestFile(t, volume.Path, "a.txt", "a")
	require.NoError(t, indexer.ScanVolume(volume))
	indexer.WatchVolume(volume)

	indexer.UnwatchVolume("v")

	assert.Empty(t, volumeRecords(t, store, "v"))
}

func TestWatchVolumeInaccessibleRoot(t *testing.T) {
	store := newTestStore(t)
	volume := newTestVolume(t, store, "v", VisibilityPublic)
	indexer := testIndexer(store)

	// yank the directory out from under the watcher; setup must not explode
	require.NoError(t, os.Remove(volume.Path))
	indexer.WatchVolume(volume)
	indexer.UnwatchVolume("v")
}
