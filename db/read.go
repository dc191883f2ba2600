package db

import (
	"bytes"

	"github.com/colinmarc/lsmkv/internal/dbformat"
	"github.com/colinmarc/lsmkv/internal/manifest"
	"github.com/colinmarc/lsmkv/internal/version"
)

// searchVersion looks up key in the SST files referenced by v, returning
// the most recent value visible at seq. Level 0 files may overlap and
// are searched newest-first; each higher level's files are disjoint and
// sorted by key range, so at most one file per level needs checking.
func (d *DB) searchVersion(v *version.Version, key []byte, seq dbformat.SequenceNumber, _ *ReadOptions) ([]byte, error) {
	lookup := dbformat.NewInternalKey(key, seq, dbformat.ValueTypeForSeek)

	l0 := v.Files(0)
	for i := len(l0) - 1; i >= 0; i-- {
		value, found, deleted, err := d.searchFile(l0[i], key, lookup)
		if err != nil {
			return nil, err
		}
		if found {
			if deleted {
				return nil, ErrNotFound
			}
			return value, nil
		}
	}

	for level := 1; level < v.NumLevels(); level++ {
		files := v.Files(level)
		if len(files) == 0 {
			continue
		}
		f := findFileForKey(files, key)
		if f == nil {
			continue
		}
		value, found, deleted, err := d.searchFile(f, key, lookup)
		if err != nil {
			return nil, err
		}
		if found {
			if deleted {
				return nil, ErrNotFound
			}
			return value, nil
		}
	}

	return nil, ErrNotFound
}

// findFileForKey returns the file in a sorted, non-overlapping level whose
// key range may contain key, or nil if none does.
func findFileForKey(files []*manifest.FileMetaData, key []byte) *manifest.FileMetaData {
	for _, f := range files {
		if dbformat.BytewiseCompare(key, dbformat.ExtractUserKey(f.Smallest)) < 0 {
			continue
		}
		if dbformat.BytewiseCompare(key, dbformat.ExtractUserKey(f.Largest)) > 0 {
			continue
		}
		return f
	}
	return nil
}

// searchFile opens (or reuses) the reader for f and seeks for the first
// internal key >= lookup with a matching user key.
func (d *DB) searchFile(f *manifest.FileMetaData, userKey, lookup []byte) (value []byte, found, deleted bool, err error) {
	path := d.SSTFilePath(f.FD.GetNumber())
	reader, err := d.tableCache.Get(f.FD.GetNumber(), path)
	if err != nil {
		return nil, false, false, err
	}
	defer d.tableCache.Release(f.FD.GetNumber())

	if reader.HasFilter() && !reader.KeyMayMatch(userKey) {
		return nil, false, false, nil
	}

	iter := reader.NewIterator()
	iter.Seek(lookup)
	if !iter.Valid() {
		return nil, false, false, iter.Error()
	}

	gotUserKey := dbformat.ExtractUserKey(iter.Key())
	if !bytes.Equal(gotUserKey, userKey) {
		return nil, false, false, nil
	}

	typ := dbformat.ExtractValueType(iter.Key())
	if typ == dbformat.TypeDeletion {
		return nil, true, true, nil
	}
	return append([]byte{}, iter.Value()...), true, false, nil
}
