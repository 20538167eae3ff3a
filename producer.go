package fileq

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fileq/fileq/catalog"
	"github.com/fileq/fileq/segment"
)

// partitionWriter tracks the currently-open append descriptor for one
// partition, kept open across commits that share a bucket (spec.md
// section 4.3's "Rotation").
type partitionWriter struct {
	bucket time.Time
	writer *segment.Writer
	path   string
}

// Producer buffers messages per partition and flushes them to the
// current time-bucket segment on Commit, per spec.md section 4.3.
type Producer struct {
	db       *DB
	queue    catalog.Queue
	instance string // per-producer instance tag, included in this producer's log lines

	mu         sync.Mutex
	buffers    [][]segment.Record
	sendCounts []int64
	writers    []*partitionWriter
	codec      segment.Codec
	closed     bool
}

func newProducer(db *DB, q catalog.Queue) (*Producer, error) {
	if err := os.MkdirAll(db.queueDir(q.Name), 0755); err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}

	codec, err := segment.CodecByName(q.Codec)
	if err != nil {
		return nil, errors.Wrap(ErrConfig, err.Error())
	}

	db.openProducers.Inc()

	return &Producer{
		db:         db,
		queue:      q,
		instance:   uuid.NewString(),
		buffers:    make([][]segment.Record, q.Partitions),
		sendCounts: make([]int64, q.Partitions),
		writers:    make([]*partitionWriter, q.Partitions),
		codec:      codec,
	}, nil
}

// SendOptions select how a message is routed to a partition, per
// spec.md section 4.3.
type SendOptions struct {
	// Partition, if non-nil, pins the message to an explicit partition.
	Partition *int
	// Key, if non-nil and Partition is nil, routes by deterministic hash.
	Key []byte
}

// Send buffers message into the chosen partition's in-memory list. It does
// not touch disk; call Commit to flush. Partition selection follows
// spec.md section 4.3:
//
//  1. partitions == 1: partition 0
//  2. explicit partition given: validated against [0, partitions)
//  3. key given: partitionForKey(key, partitions) (deterministic hash)
//  4. otherwise: least-loaded partition by local send counters, ties
//     broken by lowest partition index
func (p *Producer) Send(message []byte, opts SendOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	partition, err := p.choosePartition(opts)
	if err != nil {
		return err
	}

	p.buffers[partition] = append(p.buffers[partition], segment.Record{
		Timestamp: nowSeconds(),
		Key:       opts.Key,
		Payload:   message,
	})
	p.sendCounts[partition]++
	metricProducerMessagesSentTotal.WithLabelValues(p.queue.Name, strconv.Itoa(partition)).Inc()

	return nil
}

func (p *Producer) choosePartition(opts SendOptions) (int, error) {
	n := p.queue.Partitions
	if n == 1 {
		return 0, nil
	}

	if opts.Partition != nil {
		part := *opts.Partition
		if part < 0 || part >= n {
			return 0, errors.Wrapf(ErrConfig, "partition %d out of range [0,%d)", part, n)
		}
		return part, nil
	}

	if opts.Key != nil {
		return partitionForKey(opts.Key, n), nil
	}

	least := 0
	for i := 1; i < n; i++ {
		if p.sendCounts[i] < p.sendCounts[least] {
			least = i
		}
	}
	return least, nil
}

// Rollback discards any buffered, uncommitted messages.
func (p *Producer) Rollback() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.buffers {
		p.buffers[i] = nil
	}
}

// Commit flushes every non-empty partition buffer to its current (or
// newly rotated) segment, registers any freshly rotated segments with the
// catalog, and triggers retention GC, per spec.md section 4.3.
//
// A failure to open a segment file is fatal to that partition's portion
// of the commit and is returned immediately; partitions already flushed
// earlier in this same Commit call have already had their buffers
// cleared; the partition whose commit failed is left for the next Commit
// to retry (its buffer is not cleared).
func (p *Producer) Commit() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	anyBuffered := false
	for _, b := range p.buffers {
		if len(b) > 0 {
			anyBuffered = true
			break
		}
	}
	if !anyBuffered {
		return nil
	}

	now := time.Now()
	bucket := segment.BucketStart(now, p.queue.BucketMinutes)

	var rotated []int
	for partition, buf := range p.buffers {
		if len(buf) == 0 {
			continue
		}

		pw := p.writers[partition]
		if pw == nil || !pw.bucket.Equal(bucket) {
			if pw != nil && pw.writer != nil {
				pw.writer.Close() //nolint:errcheck
			}

			path := filepath.Join(p.db.queueDir(p.queue.Name), segment.Name(bucket, partition))
			w, isNew, err := segment.OpenAppend(path)
			if err != nil {
				return errors.Wrap(ErrIO, err.Error())
			}

			p.writers[partition] = &partitionWriter{bucket: bucket, writer: w, path: path}
			if isNew {
				rotated = append(rotated, partition)
			}
		}

		if err := p.writers[partition].writer.AppendBatch(buf, p.codec); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}

		p.buffers[partition] = nil
	}

	for _, partition := range rotated {
		fileName := segment.Name(bucket, partition)
		// A duplicate-key response here (another process racing the same
		// rotation) is swallowed by the catalog itself (put_log
		// insert-if-absent); nothing to do on this side.
		if err := p.db.catalog.PutLog(fileName, p.queue.Name, partition, bucket); err != nil {
			return errors.Wrap(ErrIO, err.Error())
		}
	}

	metricProducerCommitsTotal.WithLabelValues(p.queue.Name).Inc()

	p.cleanupExpiredLogs()

	return nil
}

// cleanupExpiredLogs asks the catalog for expired file names under the
// catalog lock, then unlinks them on disk outside the lock. Unlink
// failures are logged and swallowed, per spec.md section 4.3 / 7.
func (p *Producer) cleanupExpiredLogs() {
	metricRetentionSweepsTotal.WithLabelValues(p.queue.Name).Inc()

	removed, err := p.db.catalog.CleanupExpired(p.queue.Name, p.queue.BackupHours)
	if err != nil {
		level.Error(p.db.logger).Log("msg", "retention cleanup failed", "queue", p.queue.Name, "producer", p.instance, "err", err)
		return
	}

	for _, fileName := range removed {
		path := filepath.Join(p.db.queueDir(p.queue.Name), fileName)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			metricRetentionUnlinkErrorsTotal.WithLabelValues(p.queue.Name).Inc()
			level.Warn(p.db.logger).Log("msg", "failed to unlink expired segment", "queue", p.queue.Name, "producer", p.instance, "file", fileName, "err", err)
			continue
		}
		metricRetentionRemovedTotal.WithLabelValues(p.queue.Name).Inc()
	}
}

// Close closes every open partition descriptor. Uncommitted buffered
// messages are discarded.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.db.openProducers.Dec()

	var firstErr error
	for _, pw := range p.writers {
		if pw == nil || pw.writer == nil {
			continue
		}
		if err := pw.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
