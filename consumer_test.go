package fileq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func produceAndCommit(t *testing.T, db *DB, queue string, opts QueueOptions, payloads ...string) {
	t.Helper()
	p, err := db.NewProducer(queue, opts)
	require.NoError(t, err)
	defer p.Close()

	for _, payload := range payloads {
		require.NoError(t, p.Send([]byte(payload), SendOptions{}))
	}
	require.NoError(t, p.Commit())
}

func TestConsumerRoundTripsCommittedMessages(t *testing.T) {
	db := openTestDB(t)
	opts := QueueOptions{Partitions: 1, BackupHours: 48, BucketMinutes: 5}
	produceAndCommit(t, db, "rt", opts, "first", "second")

	c, err := db.NewConsumer("rt", "g1", 0, DefaultConsumerOptions())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	msg, err := c.Poll()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "first", string(msg.Payload))

	msg, err = c.Poll()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "second", string(msg.Payload))

	msg, err = c.Poll()
	require.NoError(t, err)
	assert.Nil(t, msg, "poll past the tail returns no message, not an error")
}

func TestConsumerClaimIsExclusive(t *testing.T) {
	db := openTestDB(t)
	opts := QueueOptions{Partitions: 1, BackupHours: 48, BucketMinutes: 5}
	_, err := db.CreateQueue("excl", opts)
	require.NoError(t, err)

	c1, err := db.NewConsumer("excl", "g1", 0, DefaultConsumerOptions())
	require.NoError(t, err)
	t.Cleanup(func() { c1.Close() })

	_, err = db.NewConsumer("excl", "g1", 0, DefaultConsumerOptions())
	require.ErrorIs(t, err, ErrAlreadyClaimed)

	// a different group may claim the same partition independently
	c2, err := db.NewConsumer("excl", "g2", 0, DefaultConsumerOptions())
	require.NoError(t, err)
	t.Cleanup(func() { c2.Close() })
}

func TestConsumerClaimIsReleasedOnClose(t *testing.T) {
	db := openTestDB(t)
	opts := QueueOptions{Partitions: 1, BackupHours: 48, BucketMinutes: 5}
	_, err := db.CreateQueue("release", opts)
	require.NoError(t, err)

	c1, err := db.NewConsumer("release", "g1", 0, DefaultConsumerOptions())
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	c2, err := db.NewConsumer("release", "g1", 0, DefaultConsumerOptions())
	require.NoError(t, err)
	t.Cleanup(func() { c2.Close() })
}

func TestConsumerPartitionOutOfRange(t *testing.T) {
	db := openTestDB(t)
	opts := QueueOptions{Partitions: 2, BackupHours: 48, BucketMinutes: 5}
	_, err := db.CreateQueue("range", opts)
	require.NoError(t, err)

	_, err = db.NewConsumer("range", "g1", 2, DefaultConsumerOptions())
	require.ErrorIs(t, err, ErrConfig)
}

func TestConsumerOffsetSurvivesReopen(t *testing.T) {
	db := openTestDB(t)
	opts := QueueOptions{Partitions: 1, BackupHours: 48, BucketMinutes: 5}
	produceAndCommit(t, db, "durable", opts, "a", "b", "c")

	c1, err := db.NewConsumer("durable", "g1", 0, DefaultConsumerOptions())
	require.NoError(t, err)
	msg, err := c1.Poll()
	require.NoError(t, err)
	require.Equal(t, "a", string(msg.Payload))
	require.NoError(t, c1.Close())

	c2, err := db.NewConsumer("durable", "g1", 0, DefaultConsumerOptions())
	require.NoError(t, err)
	t.Cleanup(func() { c2.Close() })

	msg, err = c2.Poll()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "b", string(msg.Payload), "reopening must resume after the last acked message")
}

func TestConsumerManualAckDoesNotPersistUntilCommit(t *testing.T) {
	db := openTestDB(t)
	opts := QueueOptions{Partitions: 1, BackupHours: 48, BucketMinutes: 5}
	produceAndCommit(t, db, "manual", opts, "x", "y")

	manualOpts := DefaultConsumerOptions()
	manualOpts.AutoAck = false

	c1, err := db.NewConsumer("manual", "g1", 0, manualOpts)
	require.NoError(t, err)
	msg, err := c1.Poll()
	require.NoError(t, err)
	require.Equal(t, "x", string(msg.Payload))
	require.NoError(t, c1.Close()) // closed without Commit

	c2, err := db.NewConsumer("manual", "g1", 0, manualOpts)
	require.NoError(t, err)
	t.Cleanup(func() { c2.Close() })

	msg, err = c2.Poll()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "x", string(msg.Payload), "uncommitted reads must be redelivered")
}

func TestConsumerSeekRejectsMidRecordOffset(t *testing.T) {
	db := openTestDB(t)
	opts := QueueOptions{Partitions: 1, BackupHours: 48, BucketMinutes: 5}
	produceAndCommit(t, db, "seek", opts, "hello world this is a longer payload")

	c, err := db.NewConsumer("seek", "g1", 0, DefaultConsumerOptions())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	msg, err := c.Poll()
	require.NoError(t, err)
	require.NotNil(t, msg)

	bad := msg.NextPosition
	bad.Offset = bad.Offset - 3 // almost certainly splits the frame
	if bad.Offset < 0 {
		bad.Offset = 0
	}
	err = c.Seek(bad)
	if bad.Offset == 0 {
		// offset 0 always happens to be a valid boundary; nothing to assert
		return
	}
	assert.ErrorIs(t, err, ErrInvalidPosition)
}

func TestConsumerSeekToValidBoundary(t *testing.T) {
	db := openTestDB(t)
	opts := QueueOptions{Partitions: 1, BackupHours: 48, BucketMinutes: 5}
	produceAndCommit(t, db, "seekvalid", opts, "one", "two", "three")

	c, err := db.NewConsumer("seekvalid", "g1", 0, DefaultConsumerOptions())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	first, err := c.Poll()
	require.NoError(t, err)
	second, err := c.Poll()
	require.NoError(t, err)
	require.NotNil(t, second)

	require.NoError(t, c.Seek(first.NextPosition))
	msg, err := c.Poll()
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "two", string(msg.Payload))
}
