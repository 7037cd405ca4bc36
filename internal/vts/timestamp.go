// Package vts holds the replica's value-timestamp vocabulary: the total
// order on (logical, client) pairs that every versioned key and every
// transaction digest is ordered or identified by.
package vts

import (
	"fmt"

	"github.com/google/btree"
)

// Timestamp is the pair (logical, client-id) from spec.md section 3. The
// total order is lexicographic on (Logical, ClientID).
type Timestamp struct {
	Logical  uint64
	ClientID uint64
}

// PositiveInfinity marks "still current" in getRange's committed window;
// it never collides with a real Timestamp because no client ID is ever
// reserved to (^uint64(0), ^uint64(0)).
var PositiveInfinity = Timestamp{Logical: ^uint64(0), ClientID: ^uint64(0)}

// Less implements btree.Item.
func (t Timestamp) Less(than btree.Item) bool {
	o := than.(Timestamp)
	if t.Logical != o.Logical {
		return t.Logical < o.Logical
	}
	return t.ClientID < o.ClientID
}

// Compare returns -1, 0, or 1 the way sort.Interface comparators want it.
func (t Timestamp) Compare(o Timestamp) int {
	switch {
	case t.Logical < o.Logical, t.Logical == o.Logical && t.ClientID < o.ClientID:
		return -1
	case t == o:
		return 0
	default:
		return 1
	}
}

func (t Timestamp) String() string {
	return fmt.Sprintf("(%d,%d)", t.Logical, t.ClientID)
}

// Zero is the smallest possible Timestamp; useful as a lower-bound sentinel
// for range scans.
var Zero = Timestamp{}
