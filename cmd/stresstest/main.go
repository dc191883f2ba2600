// Concurrent stress test.
//
// This tool drives many goroutines against a single database performing
// random puts, gets, deletes, and batch writes, while an expected-state
// oracle tracks what each key should contain. Periodic background flushes
// and reopens exercise recovery under concurrent load.
//
// KEY DESIGN FEATURES (matching C++ RocksDB db_stress):
//   - Per-key locking: each write operation acquires a lock for the key
//     before modifying the expected state, keeping the DB write and the
//     oracle update atomic with respect to other workers touching that key.
//   - A version counter per key: Get verifies the value embeds the key's
//     current version, catching lost updates and phantom reads.
//
// Usage: go run ./cmd/stresstest [flags]
package main

import (
	"bytes"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colinmarc/lsmkv/db"
	"github.com/colinmarc/lsmkv/internal/batch"
)

var (
	duration     = flag.Duration("duration", 60*time.Second, "Test duration")
	numKeys      = flag.Int64("keys", 10000, "Number of keys in the key space")
	valueSize    = flag.Int("value-size", 100, "Size of each value in bytes")
	numThreads   = flag.Int("threads", 32, "Number of concurrent worker goroutines")
	reopenPeriod = flag.Duration("reopen", 10*time.Second, "Period between database reopens (0 to disable)")
	flushPeriod  = flag.Duration("flush", 5*time.Second, "Period between flushes (0 to disable)")
	dbPath       = flag.String("db", "", "Database path (default: temp directory)")
	keepDB       = flag.Bool("keep", false, "Keep database after test")
	cleanup      = flag.Bool("cleanup", false, "Clean up old test directories before running")
	verbose      = flag.Bool("v", false, "Verbose output")
	seed         = flag.Int64("seed", 0, "Random seed (0 for time-based)")

	putWeight    = flag.Int("put", 40, "Put operation weight")
	getWeight    = flag.Int("get", 35, "Get operation weight")
	deleteWeight = flag.Int("delete", 10, "Delete operation weight")
	batchWeight  = flag.Int("batch", 15, "Batch write weight")

	log2KeysPerLock = flag.Uint("log2-keys-per-lock", 4, "Log2 of number of keys sharing one oracle lock")

	syncWrites = flag.Bool("sync", false, "Sync writes to disk")
)

const testDirPrefix = "lsmkv-stress-"

// Stats tracks operation counts across all workers.
type Stats struct {
	puts       atomic.Uint64
	gets       atomic.Uint64
	deletes    atomic.Uint64
	batches    atomic.Uint64
	errors     atomic.Uint64
	verifyFail atomic.Uint64
	reopens    atomic.Uint64
	flushes    atomic.Uint64
}

// expectedState is the oracle: one version counter per key, sharded across
// a fixed number of locks so that concurrent workers on different keys
// don't serialize on a single mutex. A version of 0 means the key has never
// been written; an odd version means the key is currently deleted.
type expectedState struct {
	versions []uint32
	locks    []sync.Mutex
	shift    uint
}

func newExpectedState(n int64, log2PerLock uint) *expectedState {
	numLocks := (n >> log2PerLock) + 1
	return &expectedState{
		versions: make([]uint32, n),
		locks:    make([]sync.Mutex, numLocks),
		shift:    log2PerLock,
	}
}

func (e *expectedState) lockFor(key int64) *sync.Mutex {
	return &e.locks[key>>e.shift]
}

func (e *expectedState) bump(key int64) uint32 {
	e.versions[key]++
	return e.versions[key]
}

func (e *expectedState) get(key int64) uint32 {
	return e.versions[key]
}

func makeKey(key int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(key))
	return fmt.Appendf(nil, "stress_%x", buf)
}

func makeValue(key int64, version uint32) []byte {
	value := make([]byte, *valueSize)
	binary.BigEndian.PutUint64(value, uint64(key))
	binary.BigEndian.PutUint32(value[8:], version)
	for i := 12; i < len(value); i++ {
		value[i] = byte(key + int64(i))
	}
	return value
}

func valueVersion(value []byte) uint32 {
	if len(value) < 12 {
		return 0
	}
	return binary.BigEndian.Uint32(value[8:])
}

// dbHolder guards the live *db.DB across reopens: workers take RLock to use
// the current handle, the reopener takes Lock to swap it out.
type dbHolder struct {
	mu   sync.RWMutex
	db   *db.DB
	path string
	opts *db.Options
}

func openHolder(path string, opts *db.Options) (*dbHolder, error) {
	database, err := db.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &dbHolder{db: database, path: path, opts: opts}, nil
}

func (h *dbHolder) withDB(fn func(*db.DB) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return fn(h.db)
}

func (h *dbHolder) reopen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.db.Close(); err != nil {
		return fmt.Errorf("close before reopen: %w", err)
	}
	opts := *h.opts
	opts.CreateIfMissing = false
	database, err := db.Open(h.path, &opts)
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	h.db = database
	return nil
}

func (h *dbHolder) close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.db.Close()
}

func main() {
	flag.Parse()

	if *cleanup {
		cleanupOldTestDirs()
	}

	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	fmt.Printf("=== lsmkv stress test ===\n")
	fmt.Printf("seed=%d keys=%d threads=%d duration=%v\n", rngSeed, *numKeys, *numThreads, *duration)

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
	fmt.Printf("database path: %s\n", testDir)

	writeOpts := db.DefaultWriteOptions()
	writeOpts.Sync = *syncWrites

	opts := db.DefaultOptions()
	opts.CreateIfMissing = true

	holder, err := openHolder(testDir, opts)
	if err != nil {
		fatal("open failed: %v", err)
	}

	expected := newExpectedState(*numKeys, *log2KeysPerLock)
	stats := &Stats{}

	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := range *numThreads {
		wg.Add(1)
		go func(threadID int) {
			defer wg.Done()
			runWorker(threadID, rngSeed, holder, expected, writeOpts, stats, stop)
		}(i)
	}

	var bgWG sync.WaitGroup
	if *flushPeriod > 0 {
		bgWG.Add(1)
		go func() {
			defer bgWG.Done()
			runFlusher(holder, stats, stop)
		}()
	}
	if *reopenPeriod > 0 {
		bgWG.Add(1)
		go func() {
			defer bgWG.Done()
			runReopener(holder, stats, stop)
		}()
	}

	time.Sleep(*duration)
	close(stop)
	wg.Wait()
	bgWG.Wait()

	fmt.Println("\nverifying final state...")
	if err := verifyAll(holder, expected, stats); err != nil {
		fmt.Printf("VERIFICATION FAILED: %v\n", err)
		printStats(stats)
		if err := holder.close(); err != nil {
			fmt.Printf("close failed: %v\n", err)
		}
		os.Exit(1)
	}

	if err := holder.close(); err != nil {
		fatal("final close failed: %v", err)
	}

	printStats(stats)
	fmt.Println("STRESS TEST PASSED")
}

func runWorker(threadID int, rngSeed int64, holder *dbHolder, expected *expectedState, writeOpts *db.WriteOptions, stats *Stats, stop chan struct{}) {
	rng := rand.New(rand.NewSource(rngSeed + int64(threadID)))
	totalWeight := *putWeight + *getWeight + *deleteWeight + *batchWeight

	for {
		select {
		case <-stop:
			return
		default:
		}

		pick := rng.Intn(totalWeight)
		var err error
		switch {
		case pick < *putWeight:
			err = doPut(holder, expected, writeOpts, stats, rng)
		case pick < *putWeight+*getWeight:
			err = doGet(holder, expected, stats, rng)
		case pick < *putWeight+*getWeight+*deleteWeight:
			err = doDelete(holder, expected, writeOpts, stats, rng)
		default:
			err = doBatch(holder, expected, writeOpts, stats, rng)
		}

		if err != nil && !errors.Is(err, db.ErrDBClosed) {
			stats.errors.Add(1)
			if *verbose {
				fmt.Printf("thread %d: %v\n", threadID, err)
			}
		}
	}
}

func doPut(holder *dbHolder, expected *expectedState, writeOpts *db.WriteOptions, stats *Stats, rng *rand.Rand) error {
	key := rng.Int63n(*numKeys)
	lock := expected.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	version := expected.bump(key)
	if version%2 == 0 {
		version = expected.bump(key)
	}

	err := holder.withDB(func(database *db.DB) error {
		return database.Put(writeOpts, makeKey(key), makeValue(key, version))
	})
	if err != nil {
		return err
	}
	stats.puts.Add(1)
	return nil
}

func doGet(holder *dbHolder, expected *expectedState, stats *Stats, rng *rand.Rand) error {
	key := rng.Int63n(*numKeys)
	lock := expected.lockFor(key)
	lock.Lock()
	wantVersion := expected.get(key)
	lock.Unlock()

	var value []byte
	err := holder.withDB(func(database *db.DB) error {
		v, getErr := database.Get(nil, makeKey(key))
		value = v
		return getErr
	})

	stats.gets.Add(1)
	if wantVersion == 0 || wantVersion%2 == 1 {
		if err == nil {
			return fmt.Errorf("key %d: expected not-found (version %d), got value", key, wantVersion)
		}
		if !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("key %d: unexpected error %w", key, err)
		}
		return nil
	}

	if err != nil {
		return fmt.Errorf("key %d: expected version %d, got error %w", key, wantVersion, err)
	}
	if gotVersion := valueVersion(value); gotVersion != wantVersion && gotVersion < wantVersion {
		// A concurrent writer may have bumped the version since we read it;
		// only flag the case where the DB is strictly behind the oracle.
		return fmt.Errorf("key %d: stale read, got version %d want >= %d", key, gotVersion, wantVersion)
	}
	return nil
}

func doDelete(holder *dbHolder, expected *expectedState, writeOpts *db.WriteOptions, stats *Stats, rng *rand.Rand) error {
	key := rng.Int63n(*numKeys)
	lock := expected.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	version := expected.bump(key)
	if version%2 == 1 {
		version = expected.bump(key)
	}

	err := holder.withDB(func(database *db.DB) error {
		return database.Delete(writeOpts, makeKey(key))
	})
	if err != nil {
		return err
	}
	stats.deletes.Add(1)
	return nil
}

// doBatch writes a small group of puts/deletes atomically.
func doBatch(holder *dbHolder, expected *expectedState, writeOpts *db.WriteOptions, stats *Stats, rng *rand.Rand) error {
	const batchKeys = 8
	keys := make([]int64, batchKeys)
	for i := range keys {
		keys[i] = rng.Int63n(*numKeys)
	}

	locks := make([]*sync.Mutex, 0, batchKeys)
	for _, k := range keys {
		l := expected.lockFor(k)
		alreadyLocked := false
		for _, held := range locks {
			if held == l {
				alreadyLocked = true
				break
			}
		}
		if !alreadyLocked {
			locks = append(locks, l)
		}
	}
	for _, l := range locks {
		l.Lock()
	}
	defer func() {
		for _, l := range locks {
			l.Unlock()
		}
	}()

	wb := batch.New()
	newVersions := make([]uint32, batchKeys)
	for i, k := range keys {
		v := expected.bump(k)
		if v%2 == 0 {
			v = expected.bump(k)
		}
		newVersions[i] = v
		wb.Put(makeKey(k), makeValue(k, v))
	}

	err := holder.withDB(func(database *db.DB) error {
		return database.Write(writeOpts, wb)
	})
	if err != nil {
		return err
	}
	stats.batches.Add(1)
	return nil
}

func runFlusher(holder *dbHolder, stats *Stats, stop chan struct{}) {
	ticker := time.NewTicker(*flushPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := holder.withDB(func(database *db.DB) error {
				return database.Flush(nil)
			})
			if err == nil {
				stats.flushes.Add(1)
			}
		}
	}
}

func runReopener(holder *dbHolder, stats *Stats, stop chan struct{}) {
	ticker := time.NewTicker(*reopenPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := holder.reopen(); err != nil {
				fmt.Printf("reopen failed: %v\n", err)
				continue
			}
			stats.reopens.Add(1)
		}
	}
}

// verifyAll walks every key in the key space and checks it against the
// oracle's final version.
func verifyAll(holder *dbHolder, expected *expectedState, stats *Stats) error {
	var firstErr error
	checked := 0

	for key := int64(0); key < *numKeys; key++ {
		lock := expected.lockFor(key)
		lock.Lock()
		wantVersion := expected.get(key)
		lock.Unlock()

		var value []byte
		err := holder.withDB(func(database *db.DB) error {
			v, getErr := database.Get(nil, makeKey(key))
			value = v
			return getErr
		})
		checked++

		if wantVersion == 0 || wantVersion%2 == 1 {
			if err == nil {
				stats.verifyFail.Add(1)
				if firstErr == nil {
					firstErr = fmt.Errorf("key %d: expected deleted but found value", key)
				}
				continue
			}
			if !errors.Is(err, db.ErrNotFound) {
				stats.verifyFail.Add(1)
				if firstErr == nil {
					firstErr = fmt.Errorf("key %d: expected deleted but got error %w", key, err)
				}
			}
			continue
		}

		if err != nil {
			stats.verifyFail.Add(1)
			if firstErr == nil {
				firstErr = fmt.Errorf("key %d: expected version %d but got error %w", key, wantVersion, err)
			}
			continue
		}
		if gotVersion := valueVersion(value); gotVersion != wantVersion {
			stats.verifyFail.Add(1)
			if firstErr == nil {
				firstErr = fmt.Errorf("key %d: version mismatch, want %d got %d", key, wantVersion, gotVersion)
			}
		}
		if !bytes.Equal(value, makeValue(key, wantVersion)) && firstErr == nil {
			firstErr = fmt.Errorf("key %d: value mismatch for version %d", key, wantVersion)
		}
	}

	if *verbose {
		fmt.Printf("  verified %d keys\n", checked)
	}
	return firstErr
}

func printStats(stats *Stats) {
	fmt.Println("\n--- stats ---")
	fmt.Printf("puts:       %d\n", stats.puts.Load())
	fmt.Printf("gets:       %d\n", stats.gets.Load())
	fmt.Printf("deletes:    %d\n", stats.deletes.Load())
	fmt.Printf("batches:    %d\n", stats.batches.Load())
	fmt.Printf("flushes:    %d\n", stats.flushes.Load())
	fmt.Printf("reopens:    %d\n", stats.reopens.Load())
	fmt.Printf("errors:     %d\n", stats.errors.Load())
	fmt.Printf("verifyFail: %d\n", stats.verifyFail.Load())
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
