package shelf

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"gorm.io/gorm/clause"
)

// IndexRecord is a searchable mirror of one filesystem entry. Kept loosely in
// sync by full scans and watcher events; never consulted for correctness of
// file operations.
type IndexRecord struct {
	Id          uint      `json:"id" gorm:"primaryKey"`
	Volume      string    `json:"volume" gorm:"uniqueIndex:idx_volume_path"`
	Path        string    `json:"path" gorm:"uniqueIndex:idx_volume_path"`
	Name        string    `json:"name" gorm:"index"`
	Extension   string    `json:"extension"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mime_type"`
	IsDirectory bool      `json:"is_directory"`
	ModifiedAt  time.Time `json:"modified_at"`
	IndexedAt   time.Time `json:"indexed_at"`
}

const searchResultLimit = 50

type Indexer struct {
	store  *Store
	config *IndexConfig

	mu       sync.Mutex
	watchers map[string]*volumeWatcher
}

type volumeWatcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

func NewIndexer(store *Store, config *IndexConfig) *Indexer {
	return &Indexer{
		store:    store,
		config:   config,
		watchers: map[string]*volumeWatcher{},
	}
}

// Serve scans and watches every registered volume, then rescans on the
// configured interval. Runs under the supervisor, off the request-serving
// goroutines.
func (i *Indexer) Serve(ctx context.Context) error {
	volumes, err := i.store.Volumes()
	if err != nil {
		return err
	}

	for idx := range volumes {
		volume := &volumes[idx]
		if err := i.ScanVolume(volume); err != nil {
			log.Printf("index: scan of volume %s failed: %v", volume.ID, err)
		}
		i.WatchVolume(volume)
	}

	interval := i.config.RescanInterval()
	var rescan <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		rescan = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			i.stopAll()
			return ctx.Err()
		case <-rescan:
			volumes, err := i.store.Volumes()
			if err != nil {
				log.Printf("index: listing volumes for rescan failed: %v", err)
				continue
			}
			for idx := range volumes {
				volume := &volumes[idx]
				if err := i.ScanVolume(volume); err != nil {
					log.Printf("index: rescan of volume %s failed: %v", volume.ID, err)
				}
			}
		}
	}
}

// AddVolume brings a freshly created volume under index management.
func (i *Indexer) AddVolume(volume *Volume) {
	go func() {
		if err := i.ScanVolume(volume); err != nil {
			log.Printf("index: scan of volume %s failed: %v", volume.ID, err)
		}
	}()
	i.WatchVolume(volume)
}

func (i *Indexer) stopAll() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, vw := range i.watchers {
		vw.watcher.Close()
		<-vw.done
		delete(i.watchers, id)
	}
}

func (i *Indexer) ignored(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := i.config.IgnoreNames()[name]
	return ok
}

// relDepth counts path segments: "a" is 1, "a/b" is 2.
func relDepth(rel string) int {
	return strings.Count(rel, "/") + 1
}

func (i *Indexer) recordFromStat(volume *Volume, rel string, info fs.FileInfo) IndexRecord {
	record := IndexRecord{
		Volume:      volume.ID,
		Path:        rel,
		Name:        info.Name(),
		Size:        info.Size(),
		IsDirectory: info.IsDir(),
		ModifiedAt:  info.ModTime(),
		IndexedAt:   time.Now(),
	}
	if !info.IsDir() {
		record.Extension = strings.TrimPrefix(filepath.Ext(info.Name()), ".")
		if mt := MimeTypeByExtension(info.Name()); mt != nil {
			record.MimeType = *mt
		}
	}
	return record
}

func (i *Indexer) upsertRecords(records []IndexRecord) error {
	if len(records) == 0 {
		return nil
	}
	return i.store.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "volume"}, {Name: "path"}},
		UpdateAll: true,
	}).CreateInBatches(records, 200).Error
}

// ScanVolume rebuilds the index for a volume from scratch: existing rows are
// dropped, then the tree is walked up to the depth cap. Entries that vanish
// between listing and stat are skipped.
func (i *Indexer) ScanVolume(volume *Volume) error {
	err := i.store.db.Where("volume = ?", volume.ID).Delete(&IndexRecord{}).Error
	if err != nil {
		return err
	}

	root := filepath.Clean(volume.Path)
	maxDepth := i.config.ScanDepth()

	var mu sync.Mutex
	var records []IndexRecord
	var totalBytes uint64

	err = fastwalk.Walk(&fastwalk.Config{Follow: false}, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Printf("index: walk error at %s: %v", path, err)
			return nil
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if i.ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if relDepth(rel) > maxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := os.Stat(path)
		if err != nil {
			// raced with a delete, nothing to index
			return nil
		}

		record := i.recordFromStat(volume, rel, info)

		mu.Lock()
		records = append(records, record)
		if !record.IsDirectory {
			totalBytes += uint64(record.Size)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return err
	}

	err = i.upsertRecords(records)
	if err != nil {
		return err
	}

	log.Printf("index: scanned volume %s: %d entries (%s)", volume.ID, len(records), humanize.Bytes(totalBytes))
	return nil
}

// WatchVolume attaches a recursive watcher for live index updates. A volume
// whose root is unreadable is skipped with a warning; watching is best-effort.
func (i *Indexer) WatchVolume(volume *Volume) {
	root := filepath.Clean(volume.Path)
	if _, err := os.Stat(root); err != nil {
		log.Printf("index: volume %s root inaccessible, not watching: %v", volume.ID, err)
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("index: watcher for volume %s failed: %v", volume.ID, err)
		return
	}

	i.watchDirs(volume, watcher, root)

	vw := &volumeWatcher{watcher: watcher, done: make(chan struct{})}

	i.mu.Lock()
	if existing, ok := i.watchers[volume.ID]; ok {
		existing.watcher.Close()
	}
	i.watchers[volume.ID] = vw
	i.mu.Unlock()

	go i.watchLoop(volume, vw)
}

// watchDirs registers dir and its subdirectories up to the depth cap.
func (i *Indexer) watchDirs(volume *Volume, watcher *fsnotify.Watcher, dir string) {
	root := filepath.Clean(volume.Path)
	maxDepth := i.config.ScanDepth()

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && i.ignored(d.Name()) {
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if path != root && relDepth(filepath.ToSlash(rel)) >= maxDepth {
			return filepath.SkipDir
		}
		if werr := watcher.Add(path); werr != nil {
			log.Printf("index: watch add %s failed: %v", path, werr)
		}
		return nil
	})
	if err != nil {
		log.Printf("index: watch setup for volume %s failed: %v", volume.ID, err)
	}
}

func (i *Indexer) watchLoop(volume *Volume, vw *volumeWatcher) {
	defer close(vw.done)
	root := filepath.Clean(volume.Path)

	for {
		select {
		case event, ok := <-vw.watcher.Events:
			if !ok {
				return
			}
			i.handleEvent(volume, vw, root, event)
		case err, ok := <-vw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("index: watcher error on volume %s: %v", volume.ID, err)
		}
	}
}

func (i *Indexer) handleEvent(volume *Volume, vw *volumeWatcher, root string, event fsnotify.Event) {
	rel, err := filepath.Rel(root, event.Name)
	if err != nil || rel == "." {
		return
	}
	rel = filepath.ToSlash(rel)

	for _, segment := range strings.Split(rel, "/") {
		if i.ignored(segment) {
			return
		}
	}
	if relDepth(rel) > i.config.ScanDepth() {
		return
	}

	switch {
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// the watcher emits nothing for descendants of an atomically
		// removed subtree, so cascade by prefix
		err := i.store.db.
			Where("volume = ? AND (path = ? OR path LIKE ?)", volume.ID, rel, rel+"/%").
			Delete(&IndexRecord{}).Error
		if err != nil {
			log.Printf("index: delete of %s/%s failed: %v", volume.ID, rel, err)
		}

	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		info, err := os.Stat(event.Name)
		if err != nil {
			return
		}

		record := i.recordFromStat(volume, rel, info)
		if err := i.upsertRecords([]IndexRecord{record}); err != nil {
			log.Printf("index: upsert of %s/%s failed: %v", volume.ID, rel, err)
			return
		}

		if info.IsDir() && event.Op&fsnotify.Create != 0 {
			// new directory: watch it and pick up anything that raced in
			// before the watch was registered
			i.watchDirs(volume, vw.watcher, event.Name)
			i.scanSubtree(volume, root, event.Name)
		}
	}
}

func (i *Indexer) scanSubtree(volume *Volume, root, dir string) {
	maxDepth := i.config.ScanDepth()
	var records []IndexRecord

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == dir {
			return nil
		}
		if i.ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if relDepth(rel) > maxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil
		}
		records = append(records, i.recordFromStat(volume, rel, info))
		return nil
	})
	if err != nil {
		log.Printf("index: subtree scan of %s failed: %v", dir, err)
	}

	if err := i.upsertRecords(records); err != nil {
		log.Printf("index: subtree upsert for volume %s failed: %v", volume.ID, err)
	}
}

// UnwatchVolume stops the watcher and purges the volume's index rows; an
// unwatched volume leaves no stale residue behind.
func (i *Indexer) UnwatchVolume(volumeId string) {
	i.mu.Lock()
	vw, ok := i.watchers[volumeId]
	if ok {
		delete(i.watchers, volumeId)
	}
	i.mu.Unlock()

	if ok {
		vw.watcher.Close()
		<-vw.done
	}

	err := i.store.db.Where("volume = ?", volumeId).Delete(&IndexRecord{}).Error
	if err != nil {
		log.Printf("index: purge of volume %s failed: %v", volumeId, err)
	}
}

// Search matches names by substring, scoped to the given volume ids when
// provided. Directories sort first, then names ascending, capped at the
// result limit. Fuzzy mode re-ranks a wider candidate set instead.
func (i *Indexer) Search(query string, volumeIds []string, fuzzyMatch bool) ([]IndexRecord, error) {
	if fuzzyMatch {
		return i.searchFuzzy(query, volumeIds)
	}

	q := i.store.db.
		Where("name LIKE ?", "%"+query+"%").
		Order("is_directory DESC, name ASC").
		Limit(searchResultLimit)
	if volumeIds != nil {
		q = q.Where("volume IN ?", volumeIds)
	}

	var records []IndexRecord
	err := q.Find(&records).Error
	return records, err
}

func (i *Indexer) searchFuzzy(query string, volumeIds []string) ([]IndexRecord, error) {
	q := i.store.db.Order("is_directory DESC, name ASC").Limit(searchResultLimit * 20)
	if volumeIds != nil {
		q = q.Where("volume IN ?", volumeIds)
	}

	var candidates []IndexRecord
	err := q.Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	type ranked struct {
		record IndexRecord
		rank   int
	}
	var matches []ranked
	for _, record := range candidates {
		rank := fuzzy.RankMatchNormalizedFold(query, record.Name)
		if rank < 0 {
			continue
		}
		matches = append(matches, ranked{record: record, rank: rank})
	}

	sort.SliceStable(matches, func(a, b int) bool {
		return matches[a].rank < matches[b].rank
	})

	records := []IndexRecord{}
	for _, m := range matches {
		records = append(records, m.record)
		if len(records) == searchResultLimit {
			break
		}
	}
	return records, nil
}
