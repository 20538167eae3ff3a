package fileq

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fileq/fileq/segment"
)

func TestProducerSendValidatesExplicitPartition(t *testing.T) {
	db := openTestDB(t)
	p, err := db.NewProducer("q", QueueOptions{Partitions: 2, BackupHours: 48, BucketMinutes: 5})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	bad := 5
	err = p.Send([]byte("hi"), SendOptions{Partition: &bad})
	require.ErrorIs(t, err, ErrConfig)
}

func TestProducerSingleLivePartitionIgnoresRouting(t *testing.T) {
	db := openTestDB(t)
	p, err := db.NewProducer("single", QueueOptions{Partitions: 1, BackupHours: 48, BucketMinutes: 5})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.Send([]byte("a"), SendOptions{Key: []byte("whatever")}))
	assert.Len(t, p.buffers[0], 1)
}

func TestProducerLeastLoadedFairness(t *testing.T) {
	db := openTestDB(t)
	p, err := db.NewProducer("fair", QueueOptions{Partitions: 3, BackupHours: 48, BucketMinutes: 5})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	for i := 0; i < 9; i++ {
		require.NoError(t, p.Send([]byte("m"), SendOptions{}))
	}

	for _, c := range p.sendCounts {
		assert.Equal(t, int64(3), c, "load should spread evenly across partitions")
	}
}

func TestProducerKeyRoutingIsDeterministic(t *testing.T) {
	db := openTestDB(t)
	p, err := db.NewProducer("keyed", QueueOptions{Partitions: 4, BackupHours: 48, BucketMinutes: 5})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	key := []byte("customer-42")
	require.NoError(t, p.Send([]byte("one"), SendOptions{Key: key}))
	require.NoError(t, p.Send([]byte("two"), SendOptions{Key: key}))

	nonEmpty := 0
	for _, b := range p.buffers {
		if len(b) > 0 {
			nonEmpty++
		}
	}
	assert.Equal(t, 1, nonEmpty, "identical keys must always land on the same partition")
}

func TestProducerCommitFlushesAndRegistersSegment(t *testing.T) {
	db := openTestDB(t)
	p, err := db.NewProducer("flush", QueueOptions{Partitions: 1, BackupHours: 48, BucketMinutes: 5})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.Send([]byte("payload-1"), SendOptions{}))
	require.NoError(t, p.Send([]byte("payload-2"), SendOptions{}))
	require.NoError(t, p.Commit())

	assert.Empty(t, p.buffers[0], "commit must clear flushed buffers")

	logs, err := db.catalog.GetLogs("flush", 0, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	// a second commit with nothing buffered is a no-op, not an error
	require.NoError(t, p.Commit())
}

func TestProducerCommitUnlinksExpiredSegmentFromDisk(t *testing.T) {
	db := openTestDB(t)
	p, err := db.NewProducer("retain", QueueOptions{Partitions: 1, BackupHours: 1, BucketMinutes: 5})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	// Plant a segment file indexed with a bucket well past the 1-hour
	// retention horizon, as if it had been written and registered hours
	// ago, then confirm it exists on disk before the sweep runs.
	staleBucket := time.Now().UTC().Add(-5 * time.Hour).Truncate(5 * time.Minute)
	staleName := segment.Name(staleBucket, 0)
	stalePath := filepath.Join(db.queueDir("retain"), staleName)
	w, _, err := segment.OpenAppend(stalePath)
	require.NoError(t, err)
	require.NoError(t, w.AppendBatch([]segment.Record{{Timestamp: 1, Payload: []byte("old")}}, nil))
	require.NoError(t, w.Close())
	require.NoError(t, db.catalog.PutLog(staleName, "retain", 0, staleBucket))
	_, err = os.Stat(stalePath)
	require.NoError(t, err, "precondition: stale segment file must exist before the sweep")

	// A fresh commit triggers cleanupExpiredLogs, which must both drop the
	// stale segment from the catalog's index and unlink its file.
	require.NoError(t, p.Send([]byte("new"), SendOptions{}))
	require.NoError(t, p.Commit())

	_, err = os.Stat(stalePath)
	assert.True(t, os.IsNotExist(err), "retention sweep must unlink the expired segment file, not just drop it from the index")

	logs, err := db.catalog.GetLogs("retain", 0, time.Time{}, 10)
	require.NoError(t, err)
	for _, seg := range logs {
		assert.NotEqual(t, staleName, seg.FileName, "expired segment must no longer be indexed")
	}
}

func TestProducerCommitIsNoopWithNothingBuffered(t *testing.T) {
	db := openTestDB(t)
	p, err := db.NewProducer("empty", QueueOptions{Partitions: 1, BackupHours: 48, BucketMinutes: 5})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	require.NoError(t, p.Commit())

	logs, err := db.catalog.GetLogs("empty", 0, time.Time{}, 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
