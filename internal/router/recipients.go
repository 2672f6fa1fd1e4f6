package router

// Scope selects which live connections an Effect is delivered to.
type Scope int

const (
	ScopeAll       Scope = iota // every live connection
	ScopeOnly                   // exactly the listed connections
	ScopeAllExcept              // every live connection not listed
)

func (s Scope) String() string {
	switch s {
	case ScopeAll:
		return "all"
	case ScopeOnly:
		return "only"
	case ScopeAllExcept:
		return "all_except"
	default:
		return "unknown"
	}
}

// Recipients is the recipient-selection policy attached to every Effect.
// It is resolved against the transport's live connections at delivery time,
// so a connection that disappeared in between is simply not addressed.
type Recipients struct {
	Scope Scope
	IDs   []string
}

// All addresses every live connection, unjoined ones included.
func All() Recipients {
	return Recipients{Scope: ScopeAll}
}

// Only addresses the given connections.
func Only(ids ...string) Recipients {
	return Recipients{Scope: ScopeOnly, IDs: ids}
}

// AllExcept addresses every live connection except the given ones.
func AllExcept(ids ...string) Recipients {
	return Recipients{Scope: ScopeAllExcept, IDs: ids}
}

// Includes reports whether connID is addressed by r.
func (r Recipients) Includes(connID string) bool {
	listed := false
	for _, id := range r.IDs {
		if id == connID {
			listed = true
			break
		}
	}

	switch r.Scope {
	case ScopeAll:
		return true
	case ScopeOnly:
		return listed
	case ScopeAllExcept:
		return !listed
	default:
		return false
	}
}

// Resolve filters live down to the connections r addresses, keeping the
// order of live.
func (r Recipients) Resolve(live []string) []string {
	if r.Scope == ScopeOnly {
		// Only never addresses more than the listed ids, skip the scan.
		alive := make(map[string]struct{}, len(live))
		for _, id := range live {
			alive[id] = struct{}{}
		}
		out := make([]string, 0, len(r.IDs))
		for _, id := range r.IDs {
			if _, ok := alive[id]; ok {
				out = append(out, id)
			}
		}
		return out
	}

	out := make([]string, 0, len(live))
	for _, id := range live {
		if r.Includes(id) {
			out = append(out, id)
		}
	}
	return out
}
