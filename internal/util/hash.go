// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
)

// GameIDFromName computes the 32-bit game identifier announced in the UID
// handshake line. Devices running the same game name agree on the ID without
// any coordination.
func GameIDFromName(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}
