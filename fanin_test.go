package fileq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanInMultiplexesAcrossPartitionsInTimestampOrder(t *testing.T) {
	db := openTestDB(t)
	opts := QueueOptions{Partitions: 2, BackupHours: 48, BucketMinutes: 5}
	_, err := db.CreateQueue("fan", opts)
	require.NoError(t, err)

	p, err := db.NewProducer("fan", opts)
	require.NoError(t, err)

	zero, one := 0, 1
	require.NoError(t, p.Send([]byte("p0-a"), SendOptions{Partition: &zero}))
	require.NoError(t, p.Send([]byte("p1-a"), SendOptions{Partition: &one}))
	require.NoError(t, p.Send([]byte("p0-b"), SendOptions{Partition: &zero}))
	require.NoError(t, p.Commit())
	require.NoError(t, p.Close())

	mc, err := OpenMultiConsumer(db, "fangroup", []ConsumerSpec{
		{Queue: "fan", Partition: 0},
		{Queue: "fan", Partition: 1},
	}, DefaultFanInOptions())
	require.NoError(t, err)
	t.Cleanup(func() { mc.Close() })

	seen := map[string]bool{}
	lastTimestamp := 0.0
	for i := 0; i < 3; i++ {
		msg, err := mc.Poll()
		require.NoError(t, err)
		require.NotNil(t, msg, "all three messages were sent before any poll; timestamps only advance")
		assert.GreaterOrEqual(t, msg.Timestamp, lastTimestamp, "fan-in must yield messages in non-decreasing timestamp order")
		lastTimestamp = msg.Timestamp
		seen[string(msg.Payload)] = true
	}

	assert.True(t, seen["p0-a"])
	assert.True(t, seen["p1-a"])
	assert.True(t, seen["p0-b"])

	require.NoError(t, mc.Commit())
}

func TestFanInCommitPersistsEveryMember(t *testing.T) {
	db := openTestDB(t)
	opts := QueueOptions{Partitions: 2, BackupHours: 48, BucketMinutes: 5}

	p, err := db.NewProducer("fan2", opts)
	require.NoError(t, err)
	zero, one := 0, 1
	require.NoError(t, p.Send([]byte("a"), SendOptions{Partition: &zero}))
	require.NoError(t, p.Send([]byte("b"), SendOptions{Partition: &one}))
	require.NoError(t, p.Commit())
	require.NoError(t, p.Close())

	mc, err := OpenMultiConsumer(db, "g", []ConsumerSpec{
		{Queue: "fan2", Partition: 0},
		{Queue: "fan2", Partition: 1},
	}, DefaultFanInOptions())
	require.NoError(t, err)

	_, err = mc.Poll()
	require.NoError(t, err)
	_, err = mc.Poll()
	require.NoError(t, err)
	require.NoError(t, mc.Commit())
	require.NoError(t, mc.Close())

	off0, err := db.catalog.GetConsumeOffset("g", "fan2", 0)
	require.NoError(t, err)
	require.NotNil(t, off0)

	off1, err := db.catalog.GetConsumeOffset("g", "fan2", 1)
	require.NoError(t, err)
	require.NotNil(t, off1)
}
