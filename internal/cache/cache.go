// Package cache stores pre-serialized response bytes under a deterministic
// request fingerprint. Caching bytes rather than bar lists collapses repeated
// hot queries to a map lookup and a write to the response stream.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Cache maps a request fingerprint to serialized response bytes with a TTL.
// Get returns ok=false on miss or expiry.
type Cache interface {
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// KlinesKey fingerprints a klines query. Non-deterministic request fields
// are deliberately excluded: absent end becomes an empty segment, absent
// start becomes 0.
func KlinesKey(symbol, interval string, start, end *int64, limit int, onlyFinal bool) string {
	endSeg := ""
	if end != nil {
		endSeg = strconv.FormatInt(*end, 10)
	}
	var startSeg int64
	if start != nil {
		startSeg = *start
	}
	finalBit := 0
	if onlyFinal {
		finalBit = 1
	}
	return fmt.Sprintf("k:%s:%s:%s:%d:%d:%d", symbol, interval, endSeg, limit, finalBit, startSeg)
}
