package fileq

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/fileq/fileq/catalog"
	"github.com/fileq/fileq/segment"
)

// maxSegmentScan bounds how many indexed-but-rejected (striped-out) or
// indexed-but-since-GC'd segments a single poll will walk past before
// giving up, per spec.md section 4.4's "bounded retry, never an infinite
// loop" requirement.
const maxSegmentScan = 1000

// Position identifies a resumable read point: a segment file name plus a
// byte offset into it. It is what Message.NextPosition reports and what
// Seek accepts.
type Position struct {
	File   string
	Offset int64
}

// Message is one record yielded by PartitionConsumer.Poll or
// MultiConsumer.Poll, per spec.md section 3.
type Message struct {
	Queue     string
	Partition int
	Key       []byte
	Payload   []byte
	Timestamp float64

	// NextPosition is the position immediately after this message; pass it
	// to Seek to resume reading from here.
	NextPosition Position
}

// PartitionConsumer reads one (queue, group, partition) claim, per spec.md
// section 4.4. Only one live process may hold a given claim at a time; a
// dead owner's claim is stealable.
type PartitionConsumer struct {
	db        *DB
	queue     catalog.Queue
	group     string
	partition int
	opts      ConsumerOptions
	pid       int
	codec     segment.Codec

	mu      sync.Mutex
	reader  *segment.Reader
	current Position
	bucket  time.Time
	closed  bool

	// pendingAck is the staged position to persist on the next Commit: the
	// position just past the most recently polled record (or the Seek
	// target). It is cleared once committed.
	pendingAck Position
}

func openPartitionConsumer(db *DB, q catalog.Queue, group string, partition int, opts ConsumerOptions) (*PartitionConsumer, error) {
	if partition < 0 || partition >= q.Partitions {
		return nil, errors.Wrapf(ErrConfig, "partition %d out of range [0,%d) for queue %q", partition, q.Partitions, q.Name)
	}

	pid := os.Getpid()
	ok, err := db.catalog.RegisterConsumer(group, q.Name, partition, pid)
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	if !ok {
		metricConsumerClaimDeniedTotal.WithLabelValues(q.Name, group).Inc()
		return nil, errors.Wrapf(ErrAlreadyClaimed, "queue %q group %q partition %d", q.Name, group, partition)
	}
	metricConsumerClaimsTotal.WithLabelValues(q.Name, group).Inc()

	codec, err := segment.CodecByName(q.Codec)
	if err != nil {
		db.catalog.UnregisterConsumer(group, q.Name, partition, pid) //nolint:errcheck
		return nil, errors.Wrap(ErrConfig, err.Error())
	}

	pc := &PartitionConsumer{
		db:        db,
		queue:     q,
		group:     group,
		partition: partition,
		opts:      opts,
		pid:       pid,
		codec:     codec,
	}

	if err := pc.loadStartPosition(); err != nil {
		db.catalog.UnregisterConsumer(group, q.Name, partition, pid) //nolint:errcheck
		return nil, err
	}

	db.openConsumers.Inc()

	return pc, nil
}

// loadStartPosition resolves where this claim should begin reading,
// implementing spec.md section 4.4's stored-offset-or-fresh-start logic
// and the ErrOffsetExpired open question resolved by ConsumerOptions.
func (pc *PartitionConsumer) loadStartPosition() error {
	off, err := pc.db.catalog.GetConsumeOffset(pc.group, pc.queue.Name, pc.partition)
	if err != nil {
		if errors.Is(err, catalog.ErrOffsetExpired) {
			return pc.resolveExpiredOffset()
		}
		return errors.Wrap(ErrIO, err.Error())
	}

	if off != nil {
		pc.current = Position{File: off.LogFile, Offset: off.Offset}
		pc.bucket = off.BucketTimestamp
		return nil
	}

	// No stored offset: a brand-new consumer.
	if pc.opts.PollLatest {
		pc.bucket = segment.BucketStart(time.Now(), pc.queue.BucketMinutes)
		pc.current = Position{}
		return nil
	}
	return pc.seekOldestOrIdle()
}

func (pc *PartitionConsumer) resolveExpiredOffset() error {
	switch pc.opts.OnExpiredOffset {
	case SkipToLatest:
		pc.bucket = segment.BucketStart(time.Now(), pc.queue.BucketMinutes)
		pc.current = Position{}
		return nil
	case ReplayFromOldest:
		return pc.seekOldestOrIdle()
	default:
		return errors.Wrap(ErrOffsetExpired, "set ConsumerOptions.OnExpiredOffset to resume automatically")
	}
}

// seekOldestOrIdle positions at the oldest indexed segment for this
// partition, or leaves the consumer idle (waiting at "now") if none exist
// yet.
func (pc *PartitionConsumer) seekOldestOrIdle() error {
	seg, err := pc.nextAcceptedSegment(time.Time{})
	if err != nil {
		return err
	}
	if seg == nil {
		pc.bucket = segment.BucketStart(time.Now(), pc.queue.BucketMinutes)
		pc.current = Position{}
		return nil
	}
	pc.bucket = seg.BucketTimestamp
	pc.current = Position{File: seg.FileName, Offset: 0}
	return nil
}

// nextAcceptedSegment returns the earliest indexed segment for this
// partition at or after from that this consumer's stripe configuration
// accepts, or nil if none exists yet.
func (pc *PartitionConsumer) nextAcceptedSegment(from time.Time) (*catalog.LogSegment, error) {
	for i := 0; i < maxSegmentScan; i++ {
		logs, err := pc.db.catalog.GetLogs(pc.queue.Name, pc.partition, from, 1)
		if err != nil {
			return nil, errors.Wrap(ErrIO, err.Error())
		}
		if len(logs) == 0 {
			return nil, nil
		}
		seg := logs[0]
		if pc.opts.Stripe.accepts(seg.BucketTimestamp.Unix()/60, pc.queue.BucketMinutes) {
			return &seg, nil
		}
		from = seg.BucketTimestamp.Add(time.Second)
	}
	return nil, errors.Errorf("fileq: gave up scanning for an accepted segment after %d candidates", maxSegmentScan)
}

func (pc *PartitionConsumer) segmentPath(fileName string) string {
	return filepath.Join(pc.db.queueDir(pc.queue.Name), fileName)
}

// Poll returns the next message, or (nil, nil) if none is available yet.
func (pc *PartitionConsumer) Poll() (*Message, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed {
		return nil, errors.New("fileq: consumer is closed")
	}

	for attempt := 0; attempt < maxSegmentScan; attempt++ {
		if pc.reader == nil {
			if pc.current.File == "" {
				// No current segment picked yet (a fresh PollLatest-style
				// start, or no segment was indexed when this consumer was
				// positioned):
				// check whether one now exists at or after the bucket this
				// consumer is waiting on.
				seg, err := pc.nextAcceptedSegment(pc.bucket)
				if err != nil {
					return nil, err
				}
				if seg == nil {
					metricConsumerPollsTotal.WithLabelValues(pc.queue.Name, pc.group, "empty").Inc()
					return nil, nil
				}
				pc.bucket = seg.BucketTimestamp
				pc.current = Position{File: seg.FileName, Offset: 0}
			}

			r, err := segment.OpenRead(pc.segmentPath(pc.current.File))
			if err != nil {
				if os.IsNotExist(errors.Cause(err)) {
					// Retention GC'd this segment between index read and
					// open; treat it as already fully consumed and move on.
					if advanced, aerr := pc.advancePastCurrentBucket(); aerr != nil {
						return nil, aerr
					} else if !advanced {
						metricConsumerPollsTotal.WithLabelValues(pc.queue.Name, pc.group, "empty").Inc()
						return nil, nil
					}
					continue
				}
				return nil, errors.Wrap(ErrIO, err.Error())
			}
			if err := r.Seek(pc.current.Offset); err != nil {
				r.Close() //nolint:errcheck
				return nil, errors.Wrap(ErrIO, err.Error())
			}
			pc.reader = r
		}

		rec, nextPos, err := pc.reader.Next(pc.codec)
		if err == io.EOF {
			pc.reader.Close() //nolint:errcheck
			pc.reader = nil

			advanced, aerr := pc.advancePastCurrentBucket()
			if aerr != nil {
				return nil, aerr
			}
			if !advanced {
				metricConsumerPollsTotal.WithLabelValues(pc.queue.Name, pc.group, "empty").Inc()
				return nil, nil
			}
			continue
		}
		if err != nil {
			return nil, errors.Wrap(ErrIO, err.Error())
		}

		pc.current.Offset = nextPos
		pc.pendingAck = pc.current

		msg := &Message{
			Queue:        pc.queue.Name,
			Partition:    pc.partition,
			Key:          rec.Key,
			Payload:      rec.Payload,
			Timestamp:    rec.Timestamp,
			NextPosition: pc.current,
		}

		if pc.opts.AutoAck {
			if err := pc.commitLocked(); err != nil {
				return nil, err
			}
		}

		metricConsumerPollsTotal.WithLabelValues(pc.queue.Name, pc.group, "message").Inc()
		return msg, nil
	}

	return nil, errors.Errorf("fileq: gave up after %d segment transitions without finding a message", maxSegmentScan)
}

// advancePastCurrentBucket moves to the next accepted segment after the
// one just exhausted (or removed by GC). It reports whether a next
// segment was found.
func (pc *PartitionConsumer) advancePastCurrentBucket() (bool, error) {
	seg, err := pc.nextAcceptedSegment(pc.bucket.Add(time.Second))
	if err != nil {
		return false, err
	}
	if seg == nil {
		return false, nil
	}
	pc.bucket = seg.BucketTimestamp
	pc.current = Position{File: seg.FileName, Offset: 0}
	return true, nil
}

// Commit persists the most recently polled position as this claim's
// durable consume offset. A no-op if AutoAck is true (Poll already
// committed) or nothing has been polled yet.
func (pc *PartitionConsumer) Commit() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.commitLocked()
}

func (pc *PartitionConsumer) commitLocked() error {
	if pc.pendingAck.File == "" {
		return nil
	}
	if err := pc.db.catalog.PutConsumeOffset(pc.group, pc.queue.Name, pc.partition, pc.pendingAck.File, pc.pendingAck.Offset); err != nil {
		return errors.Wrap(ErrIO, err.Error())
	}
	pc.pendingAck = Position{}
	return nil
}

// Position reports the position this consumer will resume from on its
// next Poll.
func (pc *PartitionConsumer) Position() Position {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.current
}

// Seek validates pos as a real record boundary in an existing segment and,
// if valid, moves this consumer there and immediately commits it as the
// durable offset (spec.md section 4.4). ErrInvalidPosition is returned
// otherwise, and the consumer's position is left unchanged.
func (pc *PartitionConsumer) Seek(pos Position) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	bucket, _, err := segment.ParseName(pos.File)
	if err != nil {
		return errors.Wrap(ErrInvalidPosition, err.Error())
	}

	r, err := segment.OpenRead(pc.segmentPath(pos.File))
	if err != nil {
		return errors.Wrap(ErrInvalidPosition, err.Error())
	}
	defer r.Close() //nolint:errcheck

	size, err := r.Size()
	if err != nil {
		return errors.Wrap(ErrInvalidPosition, err.Error())
	}
	if pos.Offset < 0 || pos.Offset > size {
		return errors.Wrapf(ErrInvalidPosition, "offset %d exceeds segment size %d", pos.Offset, size)
	}

	// Offset == size is trivially a valid boundary (the position a reader
	// sits at once it has drained the whole file). Anywhere short of that,
	// a genuine record boundary must decode cleanly: Decode's own
	// truncated-tail-is-EOF leniency (for crash-tail tolerance during
	// normal reads) would otherwise let a mid-frame offset masquerade as a
	// valid one, so a non-size offset is only accepted on a clean decode,
	// never on an EOF.
	if pos.Offset < size {
		if err := r.Seek(pos.Offset); err != nil {
			return errors.Wrap(ErrInvalidPosition, err.Error())
		}
		if _, _, err := r.Next(pc.codec); err != nil {
			return errors.Wrap(ErrInvalidPosition, err.Error())
		}
	}

	if pc.reader != nil {
		pc.reader.Close() //nolint:errcheck
		pc.reader = nil
	}
	pc.bucket = bucket
	pc.current = pos
	pc.pendingAck = pos

	return pc.commitLocked()
}

// Close releases this claim. Unregistration only succeeds if the registry
// still names this process as owner, so a Close racing a steal can never
// clobber the new owner's claim (spec.md section 4.1).
func (pc *PartitionConsumer) Close() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.closed {
		return nil
	}
	pc.closed = true
	pc.db.openConsumers.Dec()

	if pc.reader != nil {
		pc.reader.Close() //nolint:errcheck
		pc.reader = nil
	}

	if err := pc.db.catalog.UnregisterConsumer(pc.group, pc.queue.Name, pc.partition, pc.pid); err != nil {
		level.Warn(pc.db.logger).Log("msg", "failed to unregister consumer", "queue", pc.queue.Name, "group", pc.group, "partition", pc.partition, "err", err)
		return errors.Wrap(ErrIO, err.Error())
	}
	return nil
}
