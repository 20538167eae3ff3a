package segment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNameRoundTrip(t *testing.T) {
	bucket := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)

	name := Name(bucket, 3)
	assert.Equal(t, "202607311405.p3.fq", name)

	gotBucket, gotPartition, err := ParseName(name)
	require.NoError(t, err)
	assert.True(t, bucket.Equal(gotBucket))
	assert.Equal(t, 3, gotPartition)
}

func TestParseNameRejectsMalformed(t *testing.T) {
	cases := []string{
		"not-a-segment",
		"202607311405.p3.txt",
		"202607311405.fq",
		"202607311405.pX.fq",
		"garbage.p0.fq",
	}
	for _, c := range cases {
		_, _, err := ParseName(c)
		assert.Error(t, err, c)
	}
}

func TestBucketStart(t *testing.T) {
	t.Run("aligns to bucket boundary", func(t *testing.T) {
		ts := time.Date(2026, 7, 31, 14, 7, 42, 0, time.UTC)
		got := BucketStart(ts, 5)
		want := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
		assert.True(t, want.Equal(got))
	})

	t.Run("already aligned is unchanged", func(t *testing.T) {
		ts := time.Date(2026, 7, 31, 14, 10, 0, 0, time.UTC)
		got := BucketStart(ts, 10)
		assert.True(t, ts.Equal(got))
	})
}
