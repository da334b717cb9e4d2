// Package netgate decides whether the current connectivity allows a transfer.
package netgate

// Snapshot is a point-in-time view of the device connectivity.
type Snapshot struct {
	Connected   bool `json:"connected"`
	Cellular    bool `json:"cellular"`
	Roaming     bool `json:"roaming"`
	Failover    bool `json:"failover"`
	AtLeast3G   bool `json:"at_least_3g"`
	WifiEnabled bool `json:"wifi_enabled"`
}

// Verdict is the outcome of a connectivity evaluation.
type Verdict int

const (
	OK Verdict = iota + 1
	NoConnection
	UnusableDueToSize
	CannotUseRoaming
	TypeDisallowedByRequestor
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "ok"
	case NoConnection:
		return "no_connection"
	case UnusableDueToSize:
		return "unusable_due_to_size"
	case CannotUseRoaming:
		return "cannot_use_roaming"
	case TypeDisallowedByRequestor:
		return "type_disallowed_by_requestor"
	default:
		return "unknown"
	}
}

// Evaluate applies the connectivity policy to a snapshot.
func Evaluate(s Snapshot, allowCellular bool) Verdict {
	switch {
	case !s.Connected:
		return NoConnection
	case s.Roaming:
		return CannotUseRoaming
	case s.Cellular && !allowCellular:
		return TypeDisallowedByRequestor
	default:
		return OK
	}
}

// EvaluateSize is Evaluate plus a size ceiling for cellular transfers.
// A maxOverMobile of zero or less disables the ceiling.
func EvaluateSize(s Snapshot, allowCellular bool, totalBytes, maxOverMobile int64) Verdict {
	if v := Evaluate(s, allowCellular); v != OK {
		return v
	}

	if s.Cellular && maxOverMobile > 0 && totalBytes > maxOverMobile {
		return UnusableDueToSize
	}

	return OK
}
