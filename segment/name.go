// Package segment implements the log-segment file format described in
// spec.md section 4.2: minute-bucket-and-partition-named append-only
// files holding length-prefixed, self-delimited records.
package segment

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Ext is the fixed extension chosen for segment files, analogous to the
// teacher's friggdb block files (which use no extension at all, just
// "<uuid>:<tenant>"). spec.md section 6 leaves <ext> to the implementer.
const Ext = "fq"

const nameLayout = "200601021504"

// Name encodes a segment's bucket timestamp and partition index into the
// file name described in spec.md section 6:
//
//	YYYYMMDDhhmm.p<N>.<ext>
//
// The mapping is reversible: ParseName inverts it exactly.
func Name(bucket time.Time, partition int) string {
	return fmt.Sprintf("%s.p%d.%s", bucket.UTC().Format(nameLayout), partition, Ext)
}

// ParseName inverts Name, recovering the bucket timestamp (UTC,
// minute-aligned) and partition index encoded in a segment file name.
func ParseName(name string) (bucket time.Time, partition int, err error) {
	n := len(name)
	suffix := "." + Ext
	if n <= len(suffix) || name[n-len(suffix):] != suffix {
		return time.Time{}, 0, errors.Errorf("segment: %q does not end in %q", name, suffix)
	}
	trimmed := name[:n-len(suffix)]

	sep := -1
	for i := len(trimmed) - 1; i >= 0; i-- {
		if trimmed[i] == '.' {
			sep = i
			break
		}
	}
	if sep < 0 {
		return time.Time{}, 0, errors.Errorf("segment: %q missing partition marker", name)
	}

	tsPart := trimmed[:sep]
	partPart := trimmed[sep+1:]
	if len(partPart) < 2 || partPart[0] != 'p' {
		return time.Time{}, 0, errors.Errorf("segment: %q has malformed partition marker %q", name, partPart)
	}

	partition, err = strconv.Atoi(partPart[1:])
	if err != nil {
		return time.Time{}, 0, errors.Wrapf(err, "segment: %q has non-numeric partition", name)
	}

	bucket, err = time.ParseInLocation(nameLayout, tsPart, time.UTC)
	if err != nil {
		return time.Time{}, 0, errors.Wrapf(err, "segment: %q has malformed bucket timestamp", name)
	}

	return bucket, partition, nil
}

// BucketStart floors t to the start of its bucket_minutes-aligned window,
// per spec.md section 3's bucket_timestamp definition.
func BucketStart(t time.Time, bucketMinutes int) time.Time {
	t = t.UTC()
	bucketSeconds := int64(bucketMinutes) * 60
	unix := t.Unix()
	floored := unix - (unix % bucketSeconds)
	return time.Unix(floored, 0).UTC()
}
