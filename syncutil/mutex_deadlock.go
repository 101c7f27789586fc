//go:build deadlock

package syncutil

import deadlock "github.com/sasha-s/go-deadlock"

// Mutex wraps deadlock.Mutex for deadlock detection. Compiled in only
// when building with -tags=deadlock.
type Mutex struct {
	deadlock.Mutex
}
