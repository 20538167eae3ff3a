// Package fileq implements a file-backed, partitioned, durable message
// queue for single-host inter-process communication, per spec.md.
// Producers append messages to time-bucketed log files within per-queue
// partitions; consumers in named groups stream those messages with
// persistent offsets, exclusive per-(queue,partition,group) ownership,
// and automatic retention of aged log files.
package fileq

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/fileq/fileq/catalog"
)

// DB is the entry point for producers and consumers sharing one root
// directory D (spec.md section 6). It owns the catalog handle. A process
// that opens the same directory from more than one place (e.g. a library
// used by several unrelated call sites) should go through OpenCached
// rather than baking its own directory-to-handle cache on top, per
// spec.md section 9's design note.
type DB struct {
	dir     string
	catalog catalog.Catalog
	logger  log.Logger

	// cacheKey is non-empty when this *DB was handed out by OpenCached. A
	// cached handle's Close only releases the caller's own reference;
	// the underlying catalog is only actually closed once every caller
	// that shared it has released theirs.
	cacheKey string

	// openProducers/openConsumers are process-local live-handle counts,
	// read by Stats without taking any lock a producer/consumer Send or
	// Poll call might be holding. go.uber.org/atomic's typed counters are
	// used here the way friggdb's pool.Pool tracks its outstanding reader
	// count, instead of bare sync/atomic int64s and the manual
	// LoadInt64/AddInt64 call-site boilerplate that comes with them.
	openProducers atomic.Int64
	openConsumers atomic.Int64
}

// Stats reports process-local counts of currently-open producers and
// consumers for this DB handle. It is a cheap, lock-free snapshot, not a
// cross-process view: it does not reflect producers/consumers opened
// against the same directory D from another process.
type Stats struct {
	OpenProducers int64
	OpenConsumers int64
}

func (db *DB) Stats() Stats {
	return Stats{
		OpenProducers: db.openProducers.Load(),
		OpenConsumers: db.openConsumers.Load(),
	}
}

// Open opens (creating if necessary) the catalog rooted at cfg.Dir.
// Callers are responsible for calling Close on process exit; fileq does
// not rely on finalizers (spec.md section 9's "Destructor-driven cleanup"
// note).
func Open(cfg Config, logger log.Logger) (*DB, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if cfg.Dir == "" {
		return nil, errors.Wrap(ErrConfig, "Dir must be set")
	}

	c, err := catalog.Open(cfg.Dir)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}

	return &DB{dir: cfg.Dir, catalog: c, logger: logger}, nil
}

// dbCacheEntry tracks one process-wide shared *DB and how many OpenCached
// callers are currently holding a reference to it.
type dbCacheEntry struct {
	db       *DB
	refCount int
}

var (
	dbCacheMu sync.Mutex
	dbCache   = map[string]*dbCacheEntry{}
)

// OpenCached returns a shared *DB for cfg.Dir, opening one with Open if no
// caller in this process currently has cfg.Dir open. Every call that
// returns a *DB (including one reused from the cache) must eventually call
// Close on it exactly once; the underlying catalog is only actually closed
// once every sharer has released its reference. This is the process-wide
// reuse the teacher's embedded-store callers get implicitly by going
// through one long-lived package-level instance; fileq makes it an
// explicit, opt-in helper instead of a hidden global, since a library that
// doesn't want to share a handle across call sites should just call Open.
func OpenCached(cfg Config, logger log.Logger) (*DB, error) {
	key, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, errors.Wrap(ErrConfig, err.Error())
	}

	dbCacheMu.Lock()
	defer dbCacheMu.Unlock()

	if entry, ok := dbCache[key]; ok {
		entry.refCount++
		return entry.db, nil
	}

	db, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	db.cacheKey = key
	dbCache[key] = &dbCacheEntry{db: db, refCount: 1}
	return db, nil
}

// Close releases the catalog's held resources. It does not affect
// in-flight producers or consumers beyond causing their next catalog
// operation to fail; callers should close those first. For a *DB obtained
// from OpenCached, Close only drops this caller's reference; the catalog
// itself is closed once the last sharer releases it.
func (db *DB) Close() error {
	if db.cacheKey == "" {
		return db.catalog.Close()
	}

	dbCacheMu.Lock()
	defer dbCacheMu.Unlock()

	entry, ok := dbCache[db.cacheKey]
	if !ok {
		// Already fully released by a previous Close call on a sibling
		// handle; nothing left to do.
		return nil
	}

	entry.refCount--
	if entry.refCount > 0 {
		return nil
	}

	delete(dbCache, db.cacheKey)
	return db.catalog.Close()
}

// CreateQueue creates queue_name idempotently: if it already exists the
// existing record is returned and opts is ignored (spec.md section 4.1).
func (db *DB) CreateQueue(name string, opts QueueOptions) (catalog.Queue, error) {
	existing, err := db.catalog.GetQueue(name)
	if err != nil {
		return catalog.Queue{}, errors.Wrap(ErrIO, err.Error())
	}
	if existing != nil {
		return *existing, nil
	}
	if err := opts.Validate(); err != nil {
		return catalog.Queue{}, err
	}
	q, err := db.catalog.CreateQueue(name, opts.Partitions, opts.BackupHours, opts.BucketMinutes, opts.Codec)
	if err != nil {
		return catalog.Queue{}, errors.Wrap(ErrIO, err.Error())
	}
	return q, nil
}

// getQueue fetches a queue's metadata, translating a missing queue into
// ErrNotFound (spec.md section 7).
func (db *DB) getQueue(name string) (catalog.Queue, error) {
	q, err := db.catalog.GetQueue(name)
	if err != nil {
		return catalog.Queue{}, errors.Wrap(ErrIO, err.Error())
	}
	if q == nil {
		return catalog.Queue{}, errors.Wrapf(ErrNotFound, "queue %q", name)
	}
	return *q, nil
}

// queueDir returns the per-queue segment directory, D/<queue_name>
// (spec.md section 6).
func (db *DB) queueDir(name string) string {
	return filepath.Join(db.dir, name)
}

// SegmentPath resolves the on-disk path of a named segment file within a
// queue's directory, given the fileq root directory. Exposed for
// inspection tools (cmd/fileqctl) that read segment files directly.
func SegmentPath(rootDir, queue, fileName string) string {
	return filepath.Join(rootDir, queue, fileName)
}

// NewProducer creates a Producer for an existing or not-yet-created
// queue. If the queue does not exist it is created with opts (the
// idempotent create_queue semantics of spec.md section 4.1); pass
// DefaultQueueOptions() to accept the documented defaults.
func (db *DB) NewProducer(queueName string, opts QueueOptions) (*Producer, error) {
	q, err := db.CreateQueue(queueName, opts)
	if err != nil {
		return nil, err
	}
	return newProducer(db, q)
}

// NewConsumer opens a PartitionConsumer claiming (queueName, group,
// partition). See spec.md section 4.4 for the full open/claim contract.
func (db *DB) NewConsumer(queueName, group string, partition int, opts ConsumerOptions) (*PartitionConsumer, error) {
	q, err := db.getQueue(queueName)
	if err != nil {
		return nil, err
	}
	return openPartitionConsumer(db, q, group, partition, opts)
}

// GetQueueInfo exposes a queue's metadata record for inspection tools
// (cmd/fileqctl) without requiring a producer or consumer to be opened.
func (db *DB) GetQueueInfo(name string) (catalog.Queue, error) {
	return db.getQueue(name)
}

// ListLogs exposes the catalog's log index for inspection tools.
func (db *DB) ListLogs(queue string, partition int, fromTimestamp time.Time, limit int) ([]catalog.LogSegment, error) {
	logs, err := db.catalog.GetLogs(queue, partition, fromTimestamp, limit)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	return logs, nil
}

// ConsumeOffset exposes a (group, queue, partition)'s stored consume
// offset for inspection tools. It returns catalog.ErrOffsetExpired
// unwrapped so callers can compare with errors.Is against that sentinel
// directly.
func (db *DB) ConsumeOffset(group, queue string, partition int) (*catalog.ConsumeOffset, error) {
	off, err := db.catalog.GetConsumeOffset(group, queue, partition)
	if err != nil {
		if errors.Is(err, catalog.ErrOffsetExpired) {
			return nil, catalog.ErrOffsetExpired
		}
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	return off, nil
}
