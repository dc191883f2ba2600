// End-to-end smoke test.
//
// Use `smoketest` to run a fast end-to-end check across core features: it
// creates a database, writes data, reopens it, and verifies the results.
// `smoketest` exercises flush, recovery, and compression, restricted to the
// public Open/Put/Get/Delete/Write/Flush/Close/DestroyDB surface.
//
// Run a smoke test:
//
// ```bash
// ./bin/smoketest -keys=10000 -value-size=1000
// ```
//
// Reference: RocksDB v10.7.5 test patterns in `db/db_test_util.h`.
package main

import (
	"bytes"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/colinmarc/lsmkv/db"
	"github.com/colinmarc/lsmkv/internal/batch"
	"github.com/colinmarc/lsmkv/internal/compression"
)

var (
	numKeys   = flag.Int("keys", 10000, "Number of keys to write")
	valueSize = flag.Int("value-size", 1000, "Size of each value in bytes")
	dbPath    = flag.String("db", "", "Database path (default: temp directory)")
	keepDB    = flag.Bool("keep", false, "Keep database after test")
	verbose   = flag.Bool("v", false, "Verbose output")
	cleanup   = flag.Bool("cleanup", false, "Clean up old test directories before running")
)

const testDirPrefix = "lsmkv-smoke-"

func main() {
	flag.Parse()

	if *cleanup {
		cleanupOldTestDirs()
	}

	fmt.Println("=== lsmkv smoke test ===")
	fmt.Printf("keys=%d value-size=%d\n\n", *numKeys, *valueSize)

	var testDir string
	var err error
	if *dbPath == "" {
		testDir, err = os.MkdirTemp("", testDirPrefix+"*")
		if err != nil {
			fatal("failed to create temp dir: %v", err)
		}
		if !*keepDB {
			defer os.RemoveAll(testDir)
		}
	} else {
		testDir = *dbPath
	}
	fmt.Printf("database path: %s\n\n", testDir)

	fmt.Print("generating test data... ")
	start := time.Now()
	keys, values := generateTestData(*numKeys, *valueSize)
	fmt.Printf("done (%v)\n", time.Since(start))

	passed := 0
	failed := 0

	tests := []struct {
		name string
		fn   func(string, [][]byte, [][]byte) error
	}{
		{"Basic Write/Read", testBasicWriteRead},
		{"Persistence (Close/Reopen)", testPersistence},
		{"Flush to SST", testFlush},
		{"Overwrite Values", testOverwrite},
		{"Delete Keys", testDelete},
		{"Large Batch Write", testBatchWrite},
		{"WAL Recovery", testWALRecovery},
		{"Multiple Sessions", testMultipleSessions},
		{"LZ4 Compression", testLZ4Compression},
		{"ZSTD Compression", testZstdCompression},
		{"DestroyDB", testDestroyDB},
	}

	for _, tc := range tests {
		fmt.Printf("\ntest: %s\n", tc.name)
		testPath := filepath.Join(testDir, sanitizeName(tc.name))
		os.RemoveAll(testPath)

		start := time.Now()
		err := tc.fn(testPath, keys, values)
		elapsed := time.Since(start)

		if err != nil {
			fmt.Printf("  FAILED: %v (%v)\n", err, elapsed)
			failed++
		} else {
			fmt.Printf("  PASSED (%v)\n", elapsed)
			passed++
		}
	}

	fmt.Println()
	fmt.Printf("results: %d passed, %d failed\n", passed, failed)
	if failed > 0 {
		fmt.Println("SMOKE TEST FAILED")
		os.Exit(1)
	}
	fmt.Println("SMOKE TEST PASSED")

	if *keepDB {
		fmt.Printf("\ndatabase kept at: %s\n", testDir)
	}
}

func generateTestData(n int, valueSize int) ([][]byte, [][]byte) {
	keys := make([][]byte, n)
	values := make([][]byte, n)

	for i := range n {
		keys[i] = fmt.Appendf(nil, "key%08d", i)
		values[i] = make([]byte, valueSize)
		rand.Read(values[i])
		copy(values[i], fmt.Sprintf("idx=%08d|", i))
	}

	return keys, values
}

func sanitizeName(name string) string {
	result := make([]byte, 0, len(name))
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' {
			result = append(result, byte(c))
		} else {
			result = append(result, '_')
		}
	}
	return string(result)
}

func testBasicWriteRead(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true

	database, err := db.Open(path, opts)
	if err != nil {
		return fmt.Errorf("open failed: %w", err)
	}
	defer database.Close()

	for i := range keys {
		if err := database.Put(nil, keys[i], values[i]); err != nil {
			return fmt.Errorf("put %d failed: %w", i, err)
		}
	}
	log("  wrote %d keys", len(keys))

	for i := range keys {
		val, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("get %d failed: %w", i, err)
		}
		if !bytes.Equal(val, values[i]) {
			return fmt.Errorf("value mismatch at key %d", i)
		}
	}
	log("  verified %d keys", len(keys))

	return nil
}

func testPersistence(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true

	func() {
		database, err := db.Open(path, opts)
		if err != nil {
			panic(err)
		}
		defer database.Close()

		for i := range len(keys) / 2 {
			database.Put(nil, keys[i], values[i])
		}
		database.Flush(nil)
		log("  session 1: wrote and flushed %d keys", len(keys)/2)
	}()

	func() {
		database, err := db.Open(path, opts)
		if err != nil {
			panic(err)
		}
		defer database.Close()

		for i := range len(keys) / 2 {
			val, err := database.Get(nil, keys[i])
			if err != nil {
				panic(fmt.Sprintf("get %d failed: %v", i, err))
			}
			if !bytes.Equal(val, values[i]) {
				panic(fmt.Sprintf("value mismatch at key %d", i))
			}
		}
		log("  session 2: verified %d keys from session 1", len(keys)/2)

		for i := len(keys) / 2; i < len(keys); i++ {
			database.Put(nil, keys[i], values[i])
		}
		database.Flush(nil)
		log("  session 2: wrote and flushed %d more keys", len(keys)/2)
	}()

	database, err := db.Open(path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	for i := range keys {
		val, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("get %d failed: %w", i, err)
		}
		if !bytes.Equal(val, values[i]) {
			return fmt.Errorf("value mismatch at key %d", i)
		}
	}
	log("  session 3: verified all %d keys", len(keys))

	return nil
}

func testFlush(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true

	database, err := db.Open(path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	for i := range keys {
		database.Put(nil, keys[i], values[i])
	}

	if err := database.Flush(nil); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	log("  flushed %d keys to SST", len(keys))

	for i := range keys {
		val, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("get %d after flush failed: %w", i, err)
		}
		if !bytes.Equal(val, values[i]) {
			return fmt.Errorf("value mismatch at key %d after flush", i)
		}
	}
	log("  verified %d keys from SST", len(keys))

	return nil
}

func testOverwrite(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true

	database, err := db.Open(path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	for i := range 100 {
		database.Put(nil, keys[i], values[i])
	}

	newValues := make([][]byte, 100)
	for i := range 100 {
		newValues[i] = fmt.Appendf(nil, "overwritten-%d", i)
		database.Put(nil, keys[i], newValues[i])
	}

	for i := range 100 {
		val, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("get %d failed: %w", i, err)
		}
		if !bytes.Equal(val, newValues[i]) {
			return fmt.Errorf("expected overwritten value at key %d", i)
		}
	}
	log("  verified %d overwritten keys", 100)

	return nil
}

func testDelete(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true

	database, err := db.Open(path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	for i := range 100 {
		database.Put(nil, keys[i], values[i])
	}

	for i := 1; i < 100; i += 2 {
		database.Delete(nil, keys[i])
	}

	for i := range 100 {
		_, err := database.Get(nil, keys[i])
		if i%2 == 0 {
			if err != nil {
				return fmt.Errorf("even key %d should exist: %w", i, err)
			}
		} else {
			if !errors.Is(err, db.ErrNotFound) {
				return fmt.Errorf("odd key %d should be deleted, got: %w", i, err)
			}
		}
	}
	log("  verified delete: 50 exist, 50 deleted")

	return nil
}

func testBatchWrite(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true

	database, err := db.Open(path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	batchSize := 100
	for start := 0; start < len(keys); start += batchSize {
		end := min(start+batchSize, len(keys))

		wb := batch.New()
		for i := start; i < end; i++ {
			wb.Put(keys[i], values[i])
		}

		if err := database.Write(nil, wb); err != nil {
			return fmt.Errorf("batch write failed at %d: %w", start, err)
		}
	}
	log("  wrote %d keys in batches of %d", len(keys), batchSize)

	for i := range keys {
		val, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("get %d failed: %w", i, err)
		}
		if !bytes.Equal(val, values[i]) {
			return fmt.Errorf("value mismatch at key %d", i)
		}
	}
	log("  verified %d keys from batch writes", len(keys))

	return nil
}

func testWALRecovery(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true

	func() {
		database, err := db.Open(path, opts)
		if err != nil {
			panic(err)
		}
		defer database.Close()

		for i := range 100 {
			database.Put(nil, keys[i], values[i])
		}
		log("  session 1: wrote 100 keys (no flush)")
	}()

	database, err := db.Open(path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	for i := range 100 {
		val, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("key %d not recovered: %w", i, err)
		}
		if !bytes.Equal(val, values[i]) {
			return fmt.Errorf("recovered value mismatch at key %d", i)
		}
	}
	log("  session 2: verified 100 keys recovered from WAL")

	return nil
}

func testMultipleSessions(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true

	numKeys := len(keys)
	if numKeys < 300 {
		return testMultipleSessionsSmall(path, keys, values)
	}

	func() {
		database, _ := db.Open(path, opts)
		defer database.Close()
		for i := range 100 {
			database.Put(nil, keys[i], values[i])
		}
	}()

	func() {
		database, _ := db.Open(path, opts)
		defer database.Close()
		for i := 100; i < 200; i++ {
			database.Put(nil, keys[i], values[i])
		}
		for i := range 50 {
			database.Delete(nil, keys[i])
		}
		database.Flush(nil)
	}()

	func() {
		database, _ := db.Open(path, opts)
		defer database.Close()
		for i := 200; i < 300; i++ {
			database.Put(nil, keys[i], values[i])
		}
		for i := 50; i < 100; i++ {
			database.Put(nil, keys[i], []byte("overwritten"))
		}
	}()

	database, err := db.Open(path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	for i := range 50 {
		_, err := database.Get(nil, keys[i])
		if !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("key %d should be deleted", i)
		}
	}

	for i := 50; i < 100; i++ {
		val, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("key %d not found: %w", i, err)
		}
		if string(val) != "overwritten" {
			return fmt.Errorf("key %d should be overwritten", i)
		}
	}

	for i := 100; i < 300; i++ {
		val, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("key %d not found: %w", i, err)
		}
		if !bytes.Equal(val, values[i]) {
			return fmt.Errorf("value mismatch at key %d", i)
		}
	}

	log("  verified complex multi-session state")
	return nil
}

// testMultipleSessionsSmall is a simplified version for smaller key sets.
func testMultipleSessionsSmall(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true
	numKeys := len(keys)

	third := max(numKeys/3, 10)
	if third*3 > numKeys {
		third = numKeys / 3
	}

	func() {
		database, _ := db.Open(path, opts)
		defer database.Close()
		for i := range third {
			database.Put(nil, keys[i], values[i])
		}
	}()

	func() {
		database, _ := db.Open(path, opts)
		defer database.Close()
		for i := third; i < third*2; i++ {
			database.Put(nil, keys[i], values[i])
		}
		for i := range third / 2 {
			database.Delete(nil, keys[i])
		}
		database.Flush(nil)
	}()

	database, err := db.Open(path, opts)
	if err != nil {
		return err
	}
	defer database.Close()

	for i := range third / 2 {
		_, err := database.Get(nil, keys[i])
		if !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("key %d should be deleted", i)
		}
	}

	for i := third / 2; i < third; i++ {
		val, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("key %d not found: %w", i, err)
		}
		if !bytes.Equal(val, values[i]) {
			return fmt.Errorf("key %d value mismatch", i)
		}
	}

	for i := third; i < third*2; i++ {
		val, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("key %d not found: %w", i, err)
		}
		if !bytes.Equal(val, values[i]) {
			return fmt.Errorf("key %d value mismatch", i)
		}
	}

	log("  verified multi-session state (small mode)")
	return nil
}

func testLZ4Compression(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true
	opts.Compression = compression.LZ4Compression

	database, err := db.Open(path, opts)
	if err != nil {
		return fmt.Errorf("open with LZ4 failed: %w", err)
	}
	defer database.Close()

	numTestKeys := min(100, len(keys))
	for i := range numTestKeys {
		if err := database.Put(nil, keys[i], values[i]); err != nil {
			return fmt.Errorf("put failed: %w", err)
		}
	}

	if err := database.Flush(nil); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	log("  wrote %d keys with LZ4 compression", numTestKeys)

	for i := range numTestKeys {
		got, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("get failed: %w", err)
		}
		if !bytes.Equal(got, values[i]) {
			return fmt.Errorf("value mismatch after LZ4 compression")
		}
	}
	log("  read back %d keys successfully with LZ4", numTestKeys)

	return nil
}

func testZstdCompression(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true
	opts.Compression = compression.ZstdCompression

	database, err := db.Open(path, opts)
	if err != nil {
		return fmt.Errorf("open with ZSTD failed: %w", err)
	}
	defer database.Close()

	numTestKeys := min(100, len(keys))
	for i := range numTestKeys {
		if err := database.Put(nil, keys[i], values[i]); err != nil {
			return fmt.Errorf("put failed: %w", err)
		}
	}

	if err := database.Flush(nil); err != nil {
		return fmt.Errorf("flush failed: %w", err)
	}
	log("  wrote %d keys with ZSTD compression", numTestKeys)

	for i := range numTestKeys {
		got, err := database.Get(nil, keys[i])
		if err != nil {
			return fmt.Errorf("get failed: %w", err)
		}
		if !bytes.Equal(got, values[i]) {
			return fmt.Errorf("value mismatch after ZSTD compression")
		}
	}
	log("  read back %d keys successfully with ZSTD", numTestKeys)

	return nil
}

// testDestroyDB verifies that DestroyDB removes a closed database's files
// and that a subsequent Open with CreateIfMissing=false fails.
func testDestroyDB(path string, keys, values [][]byte) error {
	opts := db.DefaultOptions()
	opts.CreateIfMissing = true

	database, err := db.Open(path, opts)
	if err != nil {
		return err
	}
	numTestKeys := min(50, len(keys))
	for i := range numTestKeys {
		database.Put(nil, keys[i], values[i])
	}
	if err := database.Close(); err != nil {
		return fmt.Errorf("close failed: %w", err)
	}

	if err := db.DestroyDB(path, opts); err != nil {
		return fmt.Errorf("destroy failed: %w", err)
	}
	log("  destroyed database at %s", path)

	opts.CreateIfMissing = false
	if _, err := db.Open(path, opts); err == nil {
		return fmt.Errorf("expected open of destroyed database to fail")
	}
	log("  verified destroyed database cannot be reopened without CreateIfMissing")

	return nil
}

func log(format string, args ...any) {
	if *verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func cleanupOldTestDirs() {
	tmpDir := os.TempDir()
	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() && len(entry.Name()) > len(testDirPrefix) && entry.Name()[:len(testDirPrefix)] == testDirPrefix {
			os.RemoveAll(filepath.Join(tmpDir, entry.Name()))
		}
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
