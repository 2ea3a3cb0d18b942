package market

import "time"

// DefaultPartialThreshold is the success ratio below which a cycle is partial.
const DefaultPartialThreshold = 0.9

// CacheStatus is the refresh metadata exposed to handlers.
type CacheStatus struct {
	Count       int        `json:"count"`
	LastUpdated *time.Time `json:"lastUpdated"`
	IsUpdating  bool       `json:"isUpdating"`
	IsPartial   bool       `json:"isPartial"`
}

// IsPartial reports whether succeeded/attempted fell below threshold.
// A cycle that attempted nothing is not partial.
func IsPartial(attempted, succeeded int, threshold float64) bool {
	if attempted <= 0 {
		return false
	}
	return float64(succeeded)/float64(attempted) < threshold
}

// DeriveStatus builds a CacheStatus from the served snapshot; snap may be nil.
func DeriveStatus(snap *RefreshSnapshot, updating bool, threshold float64) CacheStatus {
	st := CacheStatus{IsUpdating: updating}
	if snap == nil {
		return st
	}
	st.Count = snap.Succeeded
	if !snap.GeneratedAt.IsZero() {
		at := snap.GeneratedAt
		st.LastUpdated = &at
	}
	st.IsPartial = IsPartial(snap.Attempted, snap.Succeeded, threshold)
	return st
}
