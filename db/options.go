// Package db provides the embeddable ordered key-value storage engine:
// an LSM-tree with a write-ahead log, in-memory memtable, and leveled
// SST files on disk.
//
// Reference: RocksDB v10.7.5 include/rocksdb/db.h, include/rocksdb/options.h
package db

import (
	"github.com/colinmarc/lsmkv/internal/compression"
	"github.com/colinmarc/lsmkv/internal/dbformat"
	"github.com/colinmarc/lsmkv/internal/logging"
	"github.com/colinmarc/lsmkv/internal/vfs"
)

// Comparator orders user keys. The zero value is not usable; use
// DefaultComparator for lexicographic byte ordering.
type Comparator func(a, b []byte) int

// DefaultComparator orders keys lexicographically by byte value.
func DefaultComparator(a, b []byte) int {
	return dbformat.BytewiseCompare(a, b)
}

// FilterPolicy names the block filter used to skip SST reads that cannot
// contain a key. Only the builtin bloom filter is supported.
type FilterPolicy string

// BuiltinBloomFilter is the only supported filter policy.
const BuiltinBloomFilter FilterPolicy = "rocksdb.BuiltinBloomFilter"

// Options configures an Open call and the database's on-disk layout.
// It mirrors RocksDB's Options struct, trimmed to the knobs this engine
// actually implements.
type Options struct {
	// Comparator orders user keys. Defaults to DefaultComparator.
	Comparator Comparator

	// FilterPolicy is the name of the filter to embed in SST files.
	// Empty disables filters.
	FilterPolicy FilterPolicy

	// FilterBitsPerKey controls the bloom filter's false-positive rate.
	FilterBitsPerKey int

	// Compression is applied to SST data blocks.
	Compression compression.Type

	// BlockRestartInterval is the number of keys between full-key restart
	// points within an SST data block.
	BlockRestartInterval int

	// BlockSize is the target uncompressed size of an SST data block.
	BlockSize int

	// WriteBufferSize is the size, in bytes, at which an active memtable
	// is rotated to immutable and scheduled for flush.
	WriteBufferSize int

	// MaxFileSize is the target size of a single SST file produced by
	// flush or compaction.
	MaxFileSize int

	// MaxOpenFiles bounds how many SST file handles the table cache keeps
	// open simultaneously.
	MaxOpenFiles int

	// CheckCRC enables checksum verification for every block read.
	CheckCRC bool

	// FS is the filesystem the database is opened on. Defaults to
	// vfs.Default().
	FS vfs.FS

	// Logger receives diagnostic messages. Defaults to a discard logger.
	Logger logging.Logger

	// CreateIfMissing creates the database directory if it does not exist.
	CreateIfMissing bool

	// ErrorIfExists causes Open to fail if the database already exists.
	ErrorIfExists bool

	// NumLevels is the number of levels in the LSM tree.
	NumLevels int

	// L0CompactionTrigger is the number of level-0 files that triggers a
	// compaction.
	L0CompactionTrigger int

	// BlockCacheSize is the total capacity, in bytes, of the in-memory
	// cache of decompressed SST data/index/filter blocks shared by the
	// table cache. Zero selects the default size, matching the other
	// size-like Options fields.
	BlockCacheSize uint64

	// BlockCacheShards is the number of shards the block cache is split
	// into to reduce lock contention. Rounded up to a power of 2.
	BlockCacheShards int
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() *Options {
	return &Options{
		Comparator:           DefaultComparator,
		FilterPolicy:         BuiltinBloomFilter,
		FilterBitsPerKey:     10,
		Compression:          compression.NoCompression,
		BlockRestartInterval: 16,
		BlockSize:            4 * 1024,
		WriteBufferSize:      4 * 1024 * 1024,
		MaxFileSize:          2 * 1024 * 1024,
		MaxOpenFiles:         1000,
		CheckCRC:             false,
		FS:                   vfs.Default(),
		Logger:               &logging.DiscardLogger{},
		CreateIfMissing:      false,
		ErrorIfExists:        false,
		NumLevels:            7,
		L0CompactionTrigger:  4,
		BlockCacheSize:       8 * 1024 * 1024,
		BlockCacheShards:     16,
	}
}

// WriteOptions controls the durability of a single write.
type WriteOptions struct {
	// Sync forces the WAL to be fsynced before the write returns.
	Sync bool
}

// DefaultWriteOptions returns the options used when none are supplied.
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{Sync: false}
}

// ReadOptions controls a single read.
type ReadOptions struct {
	// CheckCRC is accepted but not consulted by Get; whether block
	// checksums are verified on reads is decided by Options.CheckCRC alone.
	CheckCRC bool
}

// DefaultReadOptions returns the options used when none are supplied.
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{CheckCRC: false}
}

// FlushOptions controls an explicit Flush call.
type FlushOptions struct {
	// Wait blocks until the flush completes.
	Wait bool
}

// DefaultFlushOptions returns the options used when none are supplied.
func DefaultFlushOptions() *FlushOptions {
	return &FlushOptions{Wait: true}
}

func optsOrDefault(opts *Options) *Options {
	if opts == nil {
		return DefaultOptions()
	}
	o := *opts
	if o.Comparator == nil {
		o.Comparator = DefaultComparator
	}
	if o.FS == nil {
		o.FS = vfs.Default()
	}
	if o.Logger == nil {
		o.Logger = &logging.DiscardLogger{}
	}
	if o.BlockRestartInterval == 0 {
		o.BlockRestartInterval = 16
	}
	if o.BlockSize == 0 {
		o.BlockSize = 4 * 1024
	}
	if o.WriteBufferSize == 0 {
		o.WriteBufferSize = 4 * 1024 * 1024
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = 2 * 1024 * 1024
	}
	if o.MaxOpenFiles == 0 {
		o.MaxOpenFiles = 1000
	}
	if o.NumLevels == 0 {
		o.NumLevels = 7
	}
	if o.L0CompactionTrigger == 0 {
		o.L0CompactionTrigger = 4
	}
	if o.FilterBitsPerKey == 0 {
		o.FilterBitsPerKey = 10
	}
	if o.BlockCacheShards == 0 {
		o.BlockCacheShards = 16
	}
	if o.BlockCacheSize == 0 {
		o.BlockCacheSize = 8 * 1024 * 1024
	}
	return &o
}

func writeOptsOrDefault(opts *WriteOptions) *WriteOptions {
	if opts == nil {
		return DefaultWriteOptions()
	}
	return opts
}

func readOptsOrDefault(opts *ReadOptions) *ReadOptions {
	if opts == nil {
		return DefaultReadOptions()
	}
	return opts
}

func flushOptsOrDefault(opts *FlushOptions) *FlushOptions {
	if opts == nil {
		return DefaultFlushOptions()
	}
	return opts
}
