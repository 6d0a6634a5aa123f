package pricing

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Rankable is anything that carries an effective value snapshot and a submission order
type Rankable interface {
	Effective() decimal.Decimal
	Submitted() time.Time
	Seq() int64
}

// Better reports whether a ranks strictly ahead of b. The lower effective value wins;
// ties go to the earlier submission, then the lower sequence number.
func Better(a, b Rankable) bool {
	if cmp := a.Effective().Cmp(b.Effective()); cmp != 0 {
		return cmp < 0
	}
	if !a.Submitted().Equal(b.Submitted()) {
		return a.Submitted().Before(b.Submitted())
	}
	return a.Seq() < b.Seq()
}

// Rank sorts items best first in place
func Rank[T Rankable](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		return Better(items[i], items[j])
	})
}
