package fileq

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fileq/fileq/segment"
)

// bucket_minutes must divide 60 so that every bucket boundary also falls on
// a wall-clock hour boundary; this keeps retention's hour-floor arithmetic
// exact. See spec.md section 3 and section 4.1's create_queue validation.
var validBucketMinutes = map[int]bool{
	1: true, 2: true, 3: true, 4: true, 5: true, 6: true,
	10: true, 12: true, 15: true, 20: true, 30: true, 60: true,
}

// Config is the top-level configuration for a fileq root directory. It is
// typically loaded from YAML, mirroring the shape of the teacher's own
// embedded-store config struct.
type Config struct {
	// Dir is the root directory D described in spec.md section 6: it holds
	// the catalog store, its sentinel lockfile, and one subdirectory per
	// queue of log segments.
	Dir string `yaml:"dir"`

	// DefaultQueue carries queue options loaded from configuration. DB does
	// not apply it on its own: CreateQueue and NewProducer use only the
	// QueueOptions passed to them.
	DefaultQueue QueueOptions `yaml:"default_queue"`
}

// QueueOptions are the options accepted at queue creation (spec.md
// section 6). They are immutable for the lifetime of the queue: a second
// CreateQueue call for an existing name returns the original record and
// ignores these fields.
type QueueOptions struct {
	Partitions    int `yaml:"partitions"`
	BackupHours   int `yaml:"backup_hours"`
	BucketMinutes int `yaml:"bucket_minutes"`

	// Codec picks the wire format new segment files are written and read
	// with: segment.CodecBinary (the default) or segment.CodecJSONLines,
	// per spec.md section 9's "Polymorphic storage" design note. Empty
	// means segment.CodecBinary. Like the other fields here it only takes
	// effect the first time the queue is created; a later CreateQueue call
	// for an existing name ignores it.
	Codec string `yaml:"codec"`
}

// DefaultQueueOptions matches the defaults table in spec.md section 6.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		Partitions:    1,
		BackupHours:   48,
		BucketMinutes: 5,
		Codec:         segment.CodecBinary,
	}
}

// Validate checks the invariants from spec.md section 4.1's create_queue
// contract, returning ErrConfig (wrapped with detail) on violation.
func (o QueueOptions) Validate() error {
	if o.Partitions < 1 {
		return fmt.Errorf("%w: partitions must be >= 1, got %d", ErrConfig, o.Partitions)
	}
	if o.BackupHours < 1 {
		return fmt.Errorf("%w: backup_hours must be >= 1, got %d", ErrConfig, o.BackupHours)
	}
	if !validBucketMinutes[o.BucketMinutes] {
		return fmt.Errorf("%w: bucket_minutes must divide 60, got %d", ErrConfig, o.BucketMinutes)
	}
	if _, err := segment.CodecByName(o.Codec); err != nil {
		return fmt.Errorf("%w: %s", ErrConfig, err.Error())
	}
	return nil
}

func (o QueueOptions) bucketDuration() time.Duration {
	return time.Duration(o.BucketMinutes) * time.Minute
}

// LoadConfig reads a Config from configPath (YAML), with FILEQ_-prefixed
// environment variables overriding individual fields — the same
// file-plus-env layering cmd/tempo-query's config.go gets from viper.
// configPath may be empty, in which case only environment and defaults
// apply.
func LoadConfig(configPath string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FILEQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("default_queue.partitions", DefaultQueueOptions().Partitions)
	v.SetDefault("default_queue.backup_hours", DefaultQueueOptions().BackupHours)
	v.SetDefault("default_queue.bucket_minutes", DefaultQueueOptions().BucketMinutes)
	v.SetDefault("default_queue.codec", DefaultQueueOptions().Codec)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("fileq: read config %s: %w", configPath, err)
		}
	}

	cfg := Config{
		Dir: v.GetString("dir"),
		DefaultQueue: QueueOptions{
			Partitions:    v.GetInt("default_queue.partitions"),
			BackupHours:   v.GetInt("default_queue.backup_hours"),
			BucketMinutes: v.GetInt("default_queue.bucket_minutes"),
			Codec:         v.GetString("default_queue.codec"),
		},
	}
	return cfg, nil
}

// OffsetExpiredPolicy tells a consumer how to proceed when its stored
// offset references a segment that retention GC has already removed.
// spec.md section 9 flags this as an open question that must not be
// silently resolved; ConsumerOptions.OnExpiredOffset requires the caller
// to pick one explicitly whenever auto-resume hits ErrOffsetExpired.
type OffsetExpiredPolicy int

const (
	// OffsetExpiredUndefined is the zero value; PartitionConsumer.Open
	// refuses to proceed with it once a stored offset actually resolves
	// to ErrOffsetExpired, to avoid a silent default.
	OffsetExpiredUndefined OffsetExpiredPolicy = iota
	// SkipToLatest resumes at the current bucket, discarding unread
	// history older than the retention horizon.
	SkipToLatest
	// ReplayFromOldest resumes at the oldest segment still indexed,
	// replaying everything the group has fallen behind on.
	ReplayFromOldest
)

// ConsumerOptions are the options accepted when opening a PartitionConsumer
// (spec.md section 6).
type ConsumerOptions struct {
	AutoAck    bool
	PollLatest bool

	// OnExpiredOffset must be set to SkipToLatest or ReplayFromOldest if
	// the caller wants Open to auto-resolve ErrOffsetExpired. Left at
	// OffsetExpiredUndefined, Open returns ErrOffsetExpired instead of
	// guessing.
	OnExpiredOffset OffsetExpiredPolicy

	// Stripe optionally subdivides the buckets this consumer accepts
	// across a fixed-size pool of cooperating readers of one partition.
	// Claims stay exclusive per (queue, group, partition), so readers of
	// the same partition can only be open at once under different groups,
	// each with its own stored offset. See SPEC_FULL.md section 5 item 1;
	// nil disables striping (every bucket is accepted).
	Stripe *StripeConfig
}

// DefaultConsumerOptions matches the defaults table in spec.md section 6.
func DefaultConsumerOptions() ConsumerOptions {
	return ConsumerOptions{
		AutoAck:    true,
		PollLatest: false,
	}
}

// StripeConfig implements the parallel-group striping supplemented from
// original_source/FileMessageQueue.py's Consumer(parallel=(N, i)).
type StripeConfig struct {
	// Count is the number of cooperating readers, N.
	Count int
	// Index is this reader's position in [0, Count).
	Index int
}

func (s *StripeConfig) accepts(bucketUnixMinutes int64, bucketMinutes int) bool {
	if s == nil || s.Count <= 1 {
		return true
	}
	bucketIndex := bucketUnixMinutes / int64(bucketMinutes)
	return int(bucketIndex%int64(s.Count)) == s.Index
}

// FanInOptions configure MultiConsumer.
type FanInOptions struct {
	// PollTimeout is the minimum interval between empty polls per member,
	// per spec.md section 4.5 and 6.
	PollTimeout time.Duration
}

// DefaultFanInOptions matches the defaults table in spec.md section 6.
func DefaultFanInOptions() FanInOptions {
	return FanInOptions{PollTimeout: 100 * time.Millisecond}
}
