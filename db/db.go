package db

import (
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/colinmarc/lsmkv/internal/batch"
	"github.com/colinmarc/lsmkv/internal/cache"
	"github.com/colinmarc/lsmkv/internal/compaction"
	"github.com/colinmarc/lsmkv/internal/dbformat"
	"github.com/colinmarc/lsmkv/internal/logging"
	"github.com/colinmarc/lsmkv/internal/manifest"
	"github.com/colinmarc/lsmkv/internal/memtable"
	"github.com/colinmarc/lsmkv/internal/table"
	"github.com/colinmarc/lsmkv/internal/testutil"
	"github.com/colinmarc/lsmkv/internal/version"
	"github.com/colinmarc/lsmkv/internal/vfs"
	"github.com/colinmarc/lsmkv/internal/wal"
)

// DB is a single-node, embeddable ordered key-value store backed by an
// LSM tree: a write-ahead log and in-memory memtable absorb writes,
// which are periodically flushed to sorted SST files and merged by
// background compaction.
//
// A *DB is safe for concurrent use by multiple goroutines.
type DB struct {
	name string
	opts *Options
	fs   vfs.FS
	log  logging.Logger

	lockFile io.Closer

	mu sync.Mutex

	mem        *memtable.MemTable
	imm        *memtable.MemTable // being flushed, nil if none
	versions   *version.VersionSet
	tableCache *table.TableCache
	blockCache cache.Cache
	picker     *compaction.LeveledCompactionPicker

	walFile   vfs.WritableFile
	walWriter *wal.Writer

	bgWG       sync.WaitGroup
	bgSignal   chan struct{}
	closed     bool
	closeOnce  sync.Once
	shutdownCh chan struct{}

	bgErrorMu sync.Mutex
	bgError   error
}

// Open opens the database at path, creating it if opts.CreateIfMissing is
// set and it does not already exist.
func Open(path string, opts *Options) (*DB, error) {
	o := optsOrDefault(opts)
	_ = testutil.SP(testutil.SPDBOpen)

	fs := o.FS
	exists := fs.Exists(path)
	if !exists {
		if !o.CreateIfMissing {
			return nil, fmt.Errorf("%w: %s", ErrDBNotFound, path)
		}
		if err := fs.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}
	} else if o.ErrorIfExists {
		return nil, fmt.Errorf("%w: %s", ErrDBExists, path)
	}

	lockFile, err := fs.Lock(filepath.Join(path, "LOCK"))
	if err != nil {
		return nil, fmt.Errorf("db: failed to acquire lock: %w", err)
	}

	vsOpts := version.DefaultVersionSetOptions(path)
	vsOpts.FS = fs
	vsOpts.NumLevels = o.NumLevels
	vsOpts.ComparatorName = "leveldb.BytewiseComparator"
	vset := version.NewVersionSet(vsOpts)

	d := &DB{
		name:       path,
		opts:       o,
		fs:         fs,
		log:        o.Logger,
		lockFile:   lockFile,
		versions:   vset,
		picker:     compaction.DefaultLeveledCompactionPicker(),
		bgSignal:   make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}
	d.picker.NumLevels = o.NumLevels
	d.picker.L0CompactionTrigger = o.L0CompactionTrigger

	var blockCache cache.Cache
	if o.BlockCacheSize > 0 {
		blockCache = cache.NewShardedLRUCache(o.BlockCacheSize, o.BlockCacheShards)
	}
	d.blockCache = blockCache
	d.tableCache = table.NewTableCache(fs, table.TableCacheOptions{
		MaxOpenFiles:    o.MaxOpenFiles,
		VerifyChecksums: o.CheckCRC,
		BlockCache:      blockCache,
	})

	_ = testutil.SP(testutil.SPDBRecoverStart)
	if err := d.recover(); err != nil {
		_ = lockFile.Close()
		return nil, err
	}
	_ = testutil.SP(testutil.SPDBRecoverComplete)

	if err := d.openNewWAL(); err != nil {
		_ = lockFile.Close()
		return nil, err
	}

	d.bgWG.Add(1)
	go d.backgroundLoop()

	_ = testutil.SP(testutil.SPDBOpenComplete)
	return d, nil
}

// recover replays the MANIFEST (or creates a fresh one) and then replays
// any write-ahead logs not yet reflected in an SST file.
func (d *DB) recover() error {
	err := d.versions.Recover()
	switch {
	case err == nil:
		_ = testutil.SP(testutil.SPVersionSetRecoverDone)
		if cfs := d.versions.RecoveredColumnFamilies(); len(cfs) > 0 {
			return fmt.Errorf("db: MANIFEST declares %d non-default column famil(y/ies), which this engine does not support", len(cfs))
		}
	case err == version.ErrNoCurrentManifest:
		if err := d.versions.Create(); err != nil {
			return fmt.Errorf("db: failed to create initial manifest: %w", err)
		}
	default:
		return fmt.Errorf("db: failed to recover manifest: %w", err)
	}

	d.mem = memtable.NewMemTable(memtable.Comparator(d.opts.Comparator))
	d.mem.Ref()

	_ = testutil.SP(testutil.SPDBRecoverWALStart)
	if err := d.recoverWAL(d.versions.LogNumber()); err != nil {
		return err
	}
	_ = testutil.SP(testutil.SPDBRecoverWALComplete)
	return nil
}

// recoverWAL replays the log file with the given number (if any) into
// the active memtable, restoring the sequence counter as it goes.
func (d *DB) recoverWAL(logNumber uint64) error {
	path := d.logFilePath(logNumber)
	if !d.fs.Exists(path) {
		return nil
	}

	file, err := d.fs.Open(path)
	if err != nil {
		return fmt.Errorf("db: failed to open log for recovery: %w", err)
	}
	defer func() { _ = file.Close() }()

	reader := wal.NewReader(file, nil, d.opts.CheckCRC, logNumber)
	var maxSeq dbformat.SequenceNumber
	for {
		record, err := reader.ReadRecord()
		if err != nil {
			break
		}
		wb, err := batch.NewFromData(record)
		if err != nil {
			d.log.Warnf("db: skipping corrupted WAL record: %v", err)
			continue
		}
		seq := dbformat.SequenceNumber(wb.Sequence())
		if err := d.applyBatchToMemtable(wb, d.mem); err != nil {
			return err
		}
		last := seq + dbformat.SequenceNumber(wb.Count()) - 1
		if wb.Count() > 0 && last > maxSeq {
			maxSeq = last
		}
	}

	if maxSeq > dbformat.SequenceNumber(d.versions.LastSequence()) {
		d.versions.SetLastSequence(uint64(maxSeq))
	}
	return nil
}

// openNewWAL allocates a new log file number and opens a fresh WAL writer
// for it, recording the new log number in the manifest.
func (d *DB) openNewWAL() error {
	logNum := d.versions.NextFileNumber()
	path := d.logFilePath(logNum)

	file, err := d.fs.Create(path)
	if err != nil {
		return fmt.Errorf("db: failed to create log file: %w", err)
	}

	d.walFile = file
	d.walWriter = wal.NewWriter(file, logNum, false)

	edit := &manifest.VersionEdit{HasLogNumber: true, LogNumber: logNum}
	if err := d.versions.LogAndApply(edit); err != nil {
		_ = file.Close()
		return fmt.Errorf("db: failed to record new log number: %w", err)
	}
	return nil
}

// NextFileNumber implements flush.DB and is used by background compactions.
func (d *DB) NextFileNumber() uint64 { return d.versions.NextFileNumber() }

// SSTFilePath implements flush.DB.
func (d *DB) SSTFilePath(fileNum uint64) string {
	return filepath.Join(d.name, fmt.Sprintf("%06d.sst", fileNum))
}

// FS implements flush.DB.
func (d *DB) FS() vfs.FS { return d.fs }

// DBPath implements flush.DB.
func (d *DB) DBPath() string { return d.name }

// ComparatorName implements flush.DB.
func (d *DB) ComparatorName() string { return "leveldb.BytewiseComparator" }

func (d *DB) logFilePath(number uint64) string {
	return filepath.Join(d.name, fmt.Sprintf("%06d.log", number))
}

// Close flushes any unwritten state is not performed automatically; Close
// stops background work and releases file handles. Pending writes already
// returned from Write/Put/Delete are durable if WriteOptions.Sync was set.
func (d *DB) Close() error {
	var err error
	d.closeOnce.Do(func() {
		_ = testutil.SP(testutil.SPDBClose)
		close(d.shutdownCh)
		d.bgWG.Wait()

		d.mu.Lock()
		d.closed = true
		if d.walWriter != nil {
			_ = d.walFile.Close()
		}
		d.mu.Unlock()

		if cerr := d.tableCache.Close(); cerr != nil {
			err = cerr
		}
		if d.blockCache != nil {
			d.blockCache.Close()
		}
		if cerr := d.versions.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := d.lockFile.Close(); cerr != nil && err == nil {
			err = cerr
		}
		_ = testutil.SP(testutil.SPDBCloseComplete)
	})
	return err
}

func (d *DB) checkBackgroundError() error {
	d.bgErrorMu.Lock()
	defer d.bgErrorMu.Unlock()
	if d.bgError != nil {
		return fmt.Errorf("%w: %v", ErrBackgroundError, d.bgError)
	}
	return nil
}

func (d *DB) setBackgroundError(err error) {
	d.bgErrorMu.Lock()
	defer d.bgErrorMu.Unlock()
	if d.bgError == nil {
		d.bgError = err
		d.log.Errorf("db: background error: %v", err)
	}
}

// DestroyDB removes all files belonging to the database at path. The
// database must not be open in this or any other process.
func DestroyDB(path string, opts *Options) error {
	o := optsOrDefault(opts)
	fs := o.FS

	if !fs.Exists(path) {
		return nil
	}

	lockPath := filepath.Join(path, "LOCK")
	if fs.Exists(lockPath) {
		lock, err := fs.Lock(lockPath)
		if err != nil {
			return fmt.Errorf("db: cannot destroy, database appears to be in use: %w", err)
		}
		_ = lock.Close()
	}

	names, err := fs.ListDir(path)
	if err != nil {
		return fmt.Errorf("db: failed to list database directory: %w", err)
	}

	for _, name := range names {
		if !isDBFile(name) {
			continue
		}
		if err := fs.Remove(filepath.Join(path, name)); err != nil {
			return fmt.Errorf("db: failed to remove %s: %w", name, err)
		}
	}

	return fs.RemoveAll(path)
}

func isDBFile(name string) bool {
	switch {
	case name == "CURRENT", name == "LOCK":
		return true
	case len(name) > 8 && name[:8] == "MANIFEST":
		return true
	case filepath.Ext(name) == ".log", filepath.Ext(name) == ".sst":
		return true
	default:
		return false
	}
}
