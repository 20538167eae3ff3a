package fileq

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ConsumerSpec names one (queue, partition) a MultiConsumer should claim
// and multiplex.
type ConsumerSpec struct {
	Queue     string
	Partition int
}

type fanInMember struct {
	spec       ConsumerSpec
	consumer   *PartitionConsumer
	cached     *Message
	nextPollAt time.Time
}

// MultiConsumer multiplexes several PartitionConsumer claims into a single
// timestamp-ordered stream, per spec.md section 4.5. Members are always
// opened with AutoAck disabled: MultiConsumer.Commit acknowledges every
// member's most recently yielded position together, so no partition can
// silently race ahead of the others' durable offsets.
type MultiConsumer struct {
	db    *DB
	group string
	opts  FanInOptions

	mu      sync.Mutex
	members []*fanInMember
	closed  bool
}

// OpenMultiConsumer claims every (queue, partition) in specs under group
// and returns a MultiConsumer ready to Poll. If any claim fails, the
// claims already taken are released before returning the error.
func OpenMultiConsumer(db *DB, group string, specs []ConsumerSpec, opts FanInOptions) (*MultiConsumer, error) {
	if opts.PollTimeout <= 0 {
		opts = DefaultFanInOptions()
	}

	mc := &MultiConsumer{db: db, group: group, opts: opts}

	for _, spec := range specs {
		consumerOpts := DefaultConsumerOptions()
		consumerOpts.AutoAck = false

		c, err := db.NewConsumer(spec.Queue, group, spec.Partition, consumerOpts)
		if err != nil {
			mc.Close() //nolint:errcheck
			return nil, err
		}
		mc.members = append(mc.members, &fanInMember{spec: spec, consumer: c})
	}

	return mc, nil
}

// FanInMessage is a Message annotated with which member produced it, so a
// caller can tell partitions of the same queue (or different queues) apart
// without inspecting Queue/Partition on the embedded Message alone.
type FanInMessage struct {
	Message
	Spec ConsumerSpec
}

// Poll returns the cached-candidate message with the smallest Timestamp
// across all members, refilling any member whose cache is empty and whose
// backoff window has elapsed. Ties are broken by lowest member index
// (stable, construction order), per spec.md section 4.5. Returns (nil,
// nil) if no member currently has a message ready.
func (mc *MultiConsumer) Poll() (*FanInMessage, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.closed {
		return nil, errors.New("fileq: fan-in consumer is closed")
	}

	now := time.Now()
	for _, m := range mc.members {
		if m.cached != nil {
			continue
		}
		if now.Before(m.nextPollAt) {
			continue
		}

		m.consumer.mu.Lock()
		staged := m.consumer.pendingAck
		m.consumer.mu.Unlock()

		msg, err := m.consumer.Poll()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			m.nextPollAt = now.Add(mc.opts.PollTimeout)
			continue
		}
		// The member's Poll staged this message's position, but it is only
		// cached here; keep the previous stage until the message is yielded.
		m.consumer.mu.Lock()
		m.consumer.pendingAck = staged
		m.consumer.mu.Unlock()
		m.cached = msg
	}

	best := -1
	for i, m := range mc.members {
		if m.cached == nil {
			continue
		}
		if best == -1 || m.cached.Timestamp < mc.members[best].cached.Timestamp {
			best = i
		}
	}
	if best == -1 {
		return nil, nil
	}

	winner := mc.members[best]
	out := &FanInMessage{Message: *winner.cached, Spec: winner.spec}
	winner.consumer.mu.Lock()
	winner.consumer.pendingAck = winner.cached.NextPosition
	winner.consumer.mu.Unlock()
	winner.cached = nil

	metricFanInPicksTotal.WithLabelValues(mc.group).Inc()
	return out, nil
}

// Commit acknowledges every member's most recently yielded position. Since
// members run with AutoAck disabled, nothing is durable until this is
// called; a crash between Poll and Commit re-delivers the in-flight
// message(s) on restart.
func (mc *MultiConsumer) Commit() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	var firstErr error
	for _, m := range mc.members {
		if err := m.consumer.Commit(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close releases every member's claim.
func (mc *MultiConsumer) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if mc.closed {
		return nil
	}
	mc.closed = true

	var firstErr error
	for _, m := range mc.members {
		if m.consumer == nil {
			continue
		}
		if err := m.consumer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
