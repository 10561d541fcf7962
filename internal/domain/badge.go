package domain

// BadgeCount is the read-only view of unread counts handed to observers.
// Total == sum(ByType) + Other, where Other counts unknown categories.
type BadgeCount struct {
	Total   int              `json:"total"`
	ByType  map[Category]int `json:"byType"`
	Other   int              `json:"other,omitempty"`
	Stale   bool             `json:"stale"`
	Version uint64           `json:"version"`
}

// Clone returns a deep copy so callers never share the ByType map.
func (b BadgeCount) Clone() BadgeCount {
	out := b
	out.ByType = make(map[Category]int, len(b.ByType))
	for k, v := range b.ByType {
		out.ByType[k] = v
	}
	return out
}

// SameCounts reports whether b and o show the same numbers, ignoring Version.
func (b BadgeCount) SameCounts(o BadgeCount) bool {
	if b.Total != o.Total || b.Other != o.Other || b.Stale != o.Stale || len(b.ByType) != len(o.ByType) {
		return false
	}
	for k, v := range b.ByType {
		if o.ByType[k] != v {
			return false
		}
	}
	return true
}

// ConnState is the engine's view of the push channel.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateSynced
	StateResyncing
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSynced:
		return "synced"
	case StateResyncing:
		return "resyncing"
	}
	return "unknown"
}

// EngineStats are counters describing what the reconciliation engine has seen.
type EngineStats struct {
	State             string `json:"state"`
	Records           int    `json:"records"`
	Pending           int    `json:"pending"`
	Tombstones        int    `json:"tombstones"`
	Ingested          uint64 `json:"ingested"`
	Duplicates        uint64 `json:"duplicates"`
	StaleWrites       uint64 `json:"stale_writes"`
	Malformed         uint64 `json:"malformed"`
	Reconciliations   uint64 `json:"reconciliations"`
	DiscardedSnapshot uint64 `json:"discarded_snapshots"`
	SelfHeals         uint64 `json:"self_heals"`
	Degraded          bool   `json:"degraded"`
}
