package fileq

import "github.com/cespare/xxhash/v2"

// partitionForKey implements the deterministic key-routing policy from
// spec.md section 9's open question: a fixed, non-cryptographic hash so
// that the same key maps to the same partition across processes and runs.
// xxhash is seedless and its output is stable for a given byte sequence,
// unlike Go's built-in map hash which is randomized per process.
func partitionForKey(key []byte, partitions int) int {
	return int(xxhash.Sum64(key) % uint64(partitions))
}
