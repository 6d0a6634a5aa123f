// Package lockmap serializes work per key while letting different keys run in parallel.
package lockmap

import (
	"sync"

	"github.com/moby/locker"
	"github.com/rs/zerolog/log"
)

// Map hands out one mutex per key. Entries are dropped once nobody holds or waits on them.
type Map struct {
	locks *locker.Locker
}

func New() *Map {
	return &Map{locks: locker.New()}
}

// Lock blocks until the key is free and returns the matching unlock function.
// Calling unlock more than once only releases the lock the first time.
func (m *Map) Lock(key string) (unlock func()) {
	m.locks.Lock(key)

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := m.locks.Unlock(key); err != nil {
				log.Error().Err(err).Str("key", key).Msg("failed to release lock")
			}
		})
	}
}
