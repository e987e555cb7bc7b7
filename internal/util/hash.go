// Package util provides shared utility functions.
package util

import "hash/fnv"

// LinkID computes a 4-byte hash of a port name (device path, address or URL).
// It only tags log lines of one link with a stable [%08x] prefix.
func LinkID(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}
