package db

import (
	"fmt"
	"time"

	"github.com/colinmarc/lsmkv/internal/compaction"
	"github.com/colinmarc/lsmkv/internal/flush"
	"github.com/colinmarc/lsmkv/internal/manifest"
	"github.com/colinmarc/lsmkv/internal/memtable"
	"github.com/colinmarc/lsmkv/internal/testutil"
)

// backgroundPollInterval bounds how long the background loop waits
// between checks when no write has explicitly signalled it; a flush or
// compaction that becomes eligible between writes is still picked up.
const backgroundPollInterval = 50 * time.Millisecond

// makeRoomForWrite ensures the active memtable has room for a new write,
// rotating it to immutable and scheduling a flush if it has grown past
// WriteBufferSize. REQUIRES: d.mu held.
func (d *DB) makeRoomForWrite() error {
	for d.mem.ApproximateMemoryUsage() >= int64(d.opts.WriteBufferSize) {
		if d.imm != nil {
			// A flush is already in flight; wait for it to finish before
			// accepting more writes, so memory use stays bounded.
			d.mu.Unlock()
			d.signalBackground()
			time.Sleep(time.Millisecond)
			d.mu.Lock()
			if d.closed {
				return ErrDBClosed
			}
			continue
		}

		d.imm = d.mem
		d.mem = memtable.NewMemTable(memtable.Comparator(d.opts.Comparator))
		d.mem.Ref()

		if err := d.openNewWAL(); err != nil {
			return err
		}
		d.signalBackground()
	}
	return nil
}

func (d *DB) signalBackground() {
	select {
	case d.bgSignal <- struct{}{}:
	default:
	}
}

// backgroundLoop runs for the lifetime of the DB, flushing the immutable
// memtable and running compactions as they become eligible.
func (d *DB) backgroundLoop() {
	defer d.bgWG.Done()
	ticker := time.NewTicker(backgroundPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdownCh:
			return
		case <-d.bgSignal:
		case <-ticker.C:
		}

		_ = testutil.SP(testutil.SPBGLoopIteration)
		for d.doBackgroundWork() {
			select {
			case <-d.shutdownCh:
				return
			default:
			}
		}
	}
}

// doBackgroundWork performs at most one flush or compaction step and
// reports whether there is likely more work to do immediately.
func (d *DB) doBackgroundWork() bool {
	d.mu.Lock()
	imm := d.imm
	d.mu.Unlock()

	if imm != nil {
		_ = testutil.SP(testutil.SPBGFlushStart)
		if err := d.backgroundFlush(imm); err != nil {
			d.setBackgroundError(err)
			return false
		}
		_ = testutil.SP(testutil.SPBGFlushComplete)
		return true
	}

	_ = testutil.SP(testutil.SPBGCompactionStart)
	current := d.versions.Current()
	if !d.picker.NeedsCompaction(current) {
		return false
	}
	c := d.picker.PickCompaction(current)
	_ = testutil.SP(testutil.SPBGCompactionPickComplete)
	if c == nil {
		return false
	}
	if err := d.backgroundCompaction(c); err != nil {
		d.setBackgroundError(err)
		return false
	}
	_ = testutil.SP(testutil.SPBGCompactionComplete)
	return true
}

// Flush forces the active memtable to be written out as an L0 SST file.
// If opts.Wait is set (the default), Flush blocks until the rotated
// memtable has been fully written and installed.
func (d *DB) Flush(opts *FlushOptions) error {
	fopts := flushOptsOrDefault(opts)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDBClosed
	}
	if d.mem.ApproximateMemoryUsage() == 0 && d.imm == nil {
		d.mu.Unlock()
		return nil
	}
	if d.imm == nil {
		d.imm = d.mem
		d.mem = memtable.NewMemTable(memtable.Comparator(d.opts.Comparator))
		d.mem.Ref()
		if err := d.openNewWAL(); err != nil {
			d.mu.Unlock()
			return err
		}
	}
	d.mu.Unlock()
	d.signalBackground()

	if !fopts.Wait {
		return nil
	}
	for {
		d.mu.Lock()
		done := d.imm == nil
		d.mu.Unlock()
		if done {
			return d.checkBackgroundError()
		}
		if err := d.checkBackgroundError(); err != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}

// backgroundFlush writes imm to a new L0 SST file and installs a version
// edit recording it, then drops imm as the immutable memtable.
func (d *DB) backgroundFlush(imm *memtable.MemTable) error {
	job := flush.NewJob(d, imm)
	meta, err := job.Run()
	if err == flush.ErrNoOutput {
		d.mu.Lock()
		d.imm = nil
		d.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("db: flush failed: %w", err)
	}

	_ = testutil.SP(testutil.SPFlushApplyVersionEdit)
	edit := &manifest.VersionEdit{}
	edit.AddFile(0, meta)
	if err := d.versions.LogAndApply(edit); err != nil {
		return fmt.Errorf("db: failed to apply flush version edit: %w", err)
	}

	d.mu.Lock()
	d.imm.Unref()
	d.imm = nil
	d.mu.Unlock()
	return nil
}

// backgroundCompaction runs c and installs the resulting version edit.
func (d *DB) backgroundCompaction(c *compaction.Compaction) error {
	_ = testutil.SP(testutil.SPBGCompactionExecute)
	c.AddInputDeletions()
	job := compaction.NewCompactionJob(c, d.name, d.fs, d.tableCache, d.versions.NextFileNumber)

	outputs, err := job.Run()
	if err != nil {
		return fmt.Errorf("db: compaction failed: %w", err)
	}

	edit := c.Edit
	for _, f := range outputs {
		edit.AddFile(c.OutputLevel, f)
	}

	if err := d.versions.LogAndApply(edit); err != nil {
		return fmt.Errorf("db: failed to apply compaction version edit: %w", err)
	}

	for _, del := range c.DeletedFiles() {
		d.tableCache.Evict(del.FileNumber)
		_ = d.fs.Remove(d.SSTFilePath(del.FileNumber))
	}
	return nil
}
