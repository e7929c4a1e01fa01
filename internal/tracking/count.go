package tracking

import (
	"encoding/json"
	"strconv"
)

// CountState says whether a Count carries a hit total.
type CountState int

const (
	CountKnown CountState = iota
	// CountUnknown: no lookup succeeded for this position in this poll.
	CountUnknown
	// CountRetired: the identifier was retired by an earlier poll and is no
	// longer queried.
	CountRetired
)

// Count is the view count for one position of the identifier list.
type Count struct {
	Hits  int64
	State CountState
}

// Known returns a Count holding hits.
func Known(hits int64) Count { return Count{Hits: hits, State: CountKnown} }

// Unknown returns the unknown marker.
func Unknown() Count { return Count{State: CountUnknown} }

// Retired returns the retirement marker.
func Retired() Count { return Count{State: CountRetired} }

// String renders the count as the UI shows it.
func (c Count) String() string {
	switch c.State {
	case CountUnknown:
		return "unknown"
	case CountRetired:
		return "retired"
	default:
		return strconv.FormatInt(c.Hits, 10)
	}
}

// MarshalJSON encodes known counts as numbers and markers as strings.
func (c Count) MarshalJSON() ([]byte, error) {
	if c.State == CountKnown {
		return json.Marshal(c.Hits)
	}
	return json.Marshal(c.String())
}
