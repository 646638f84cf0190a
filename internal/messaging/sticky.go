package messaging

import (
	"hash/fnv"
	"sync/atomic"
)

// PickFromNumber selects the sender number for a recipient. With sticky
// sending the choice is a pure function of the phone hash over the current
// pool, so the same patient always hears from the same number while the pool
// is unchanged. A pool change may remap some recipients; the mapping is
// derived, never stored.
func PickFromNumber(pool []string, phoneHash string, sticky bool, rr *uint64) string {
	if len(pool) == 0 {
		return ""
	}
	if sticky {
		h := fnv.New64a()
		h.Write([]byte(phoneHash))
		return pool[h.Sum64()%uint64(len(pool))]
	}
	n := atomic.AddUint64(rr, 1)
	return pool[(n-1)%uint64(len(pool))]
}
