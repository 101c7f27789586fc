//go:build !deadlock

// Package syncutil provides a Mutex that is a plain sync.Mutex by
// default and a deadlock-detecting one under the "deadlock" build tag,
// grounded on the pack's ashitaka1-go-pn532/internal/syncutil (same
// split, same tag name): zero overhead in production builds, opt-in
// detection for debugging without changing call sites.
package syncutil

import "sync"

// Mutex wraps sync.Mutex. Build with -tags=deadlock to get deadlock
// detection via github.com/sasha-s/go-deadlock instead.
type Mutex struct {
	sync.Mutex
}
