package types

import "time"

// UTC wraps a clock so every reading is in UTC. sqlite stores times as text, so
// values written and compared in one zone keep their ordering.
func UTC(now func() time.Time) func() time.Time {
	return func() time.Time {
		return now().UTC()
	}
}
