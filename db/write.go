package db

import (
	"fmt"

	"github.com/colinmarc/lsmkv/internal/batch"
	"github.com/colinmarc/lsmkv/internal/dbformat"
	"github.com/colinmarc/lsmkv/internal/memtable"
	"github.com/colinmarc/lsmkv/internal/testutil"
)

// Put sets the value for key, overwriting any existing value.
func (d *DB) Put(opts *WriteOptions, key, value []byte) error {
	wb := batch.New()
	wb.Put(key, value)
	return d.Write(opts, wb)
}

// Delete removes key. It is not an error if key does not exist.
func (d *DB) Delete(opts *WriteOptions, key []byte) error {
	wb := batch.New()
	wb.Delete(key)
	return d.Write(opts, wb)
}

// Write atomically applies the operations recorded in b: they are
// written to the write-ahead log and then inserted into the active
// memtable under a single, contiguous range of sequence numbers.
func (d *DB) Write(opts *WriteOptions, b *batch.WriteBatch) error {
	wopts := writeOptsOrDefault(opts)
	_ = testutil.SP(testutil.SPDBWrite)

	if err := d.checkBackgroundError(); err != nil {
		return err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDBClosed
	}

	if err := d.makeRoomForWrite(); err != nil {
		d.mu.Unlock()
		return err
	}

	seq := d.versions.LastSequence() + 1
	b.SetSequence(seq)
	d.versions.SetLastSequence(seq + uint64(b.Count()) - 1)
	mem := d.mem
	mem.Ref()

	_ = testutil.SP(testutil.SPDBWriteWAL)
	if _, err := d.walWriter.AddRecord(b.Data()); err != nil {
		mem.Unref()
		d.mu.Unlock()
		d.setBackgroundError(err)
		return fmt.Errorf("db: failed to append to WAL: %w", err)
	}
	if wopts.Sync {
		if err := d.walWriter.Sync(); err != nil {
			mem.Unref()
			d.mu.Unlock()
			d.setBackgroundError(err)
			return fmt.Errorf("db: failed to sync WAL: %w", err)
		}
	}
	_ = testutil.SP(testutil.SPDBWriteWALComplete)
	d.mu.Unlock()

	_ = testutil.SP(testutil.SPDBWriteMemtable)
	err := d.applyBatchToMemtable(b, mem)
	mem.Unref()
	_ = testutil.SP(testutil.SPDBWriteMemtableComplete)
	_ = testutil.SP(testutil.SPDBWriteComplete)
	return err
}

// applyBatchToMemtable replays the operations in b into mem, assigning
// consecutive sequence numbers starting at b.Sequence().
func (d *DB) applyBatchToMemtable(b *batch.WriteBatch, mem *memtable.MemTable) error {
	h := &memtableInserter{mem: mem, seq: dbformat.SequenceNumber(b.Sequence())}
	return b.Iterate(h)
}

type memtableInserter struct {
	mem *memtable.MemTable
	seq dbformat.SequenceNumber
}

func (h *memtableInserter) Put(key, value []byte) error {
	h.mem.Add(h.seq, dbformat.TypeValue, key, value)
	h.seq++
	return nil
}

func (h *memtableInserter) Delete(key []byte) error {
	h.mem.Add(h.seq, dbformat.TypeDeletion, key, nil)
	h.seq++
	return nil
}

// Get returns the value for key, or ErrNotFound if it does not exist.
func (d *DB) Get(opts *ReadOptions, key []byte) ([]byte, error) {
	ropts := readOptsOrDefault(opts)
	_ = testutil.SP(testutil.SPDBGet)

	if err := d.checkBackgroundError(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDBClosed
	}
	seq := dbformat.SequenceNumber(d.versions.LastSequence())
	mem := d.mem
	mem.Ref()
	var imm *memtable.MemTable
	if d.imm != nil {
		imm = d.imm
		imm.Ref()
	}
	current := d.versions.Current()
	current.Ref()
	d.mu.Unlock()

	defer mem.Unref()
	if imm != nil {
		defer imm.Unref()
	}
	defer current.Unref()

	_ = testutil.SP(testutil.SPDBGetMemtable)
	if value, found, deleted := mem.Get(key, seq); found {
		if deleted {
			return nil, ErrNotFound
		}
		return value, nil
	}
	if imm != nil {
		if value, found, deleted := imm.Get(key, seq); found {
			if deleted {
				return nil, ErrNotFound
			}
			return value, nil
		}
	}

	_ = testutil.SP(testutil.SPDBGetSST)
	value, err := d.searchVersion(current, key, seq, ropts)
	_ = testutil.SP(testutil.SPDBGetComplete)
	return value, err
}
