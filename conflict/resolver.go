package conflict

import (
	"fmt"

	"github.com/sqlbridge/sqlbridge/cdc"
)

// Strategy determines how to resolve conflicts
type Strategy int

const (
	// LastWriteWins compares event timestamps; ties break on the
	// lexicographically greater source id for determinism.
	LastWriteWins Strategy = iota

	// PriorityWins always prefers the configured priority endpoint,
	// independent of time. Covers both source_priority and
	// target_priority from the configuration.
	PriorityWins
)

// ParseStrategy maps the configuration strings onto a resolver.
// sourceID and targetID are the endpoint ids of the configured pair.
func ParseStrategy(name, sourceID, targetID string) (*Resolver, error) {
	switch name {
	case "last_write_wins":
		return NewResolver(LastWriteWins, ""), nil
	case "source_priority":
		return NewResolver(PriorityWins, sourceID), nil
	case "target_priority":
		return NewResolver(PriorityWins, targetID), nil
	}
	return nil, fmt.Errorf("unknown conflict resolution strategy %q", name)
}

// Resolver decides the winner when both directions carry a change to the
// same row within the conflict window.
type Resolver struct {
	strategy   Strategy
	priorityID string
}

// NewResolver creates a resolver. priorityID is only consulted for
// PriorityWins.
func NewResolver(strategy Strategy, priorityID string) *Resolver {
	return &Resolver{strategy: strategy, priorityID: priorityID}
}

// IncomingWins reports whether the incoming event beats the entry already
// observed from the opposite direction. A losing incoming event is
// discarded and counted; a winning one is applied as usual.
func (r *Resolver) IncomingWins(incoming *cdc.ChangeEvent, seen Entry) bool {
	switch r.strategy {
	case PriorityWins:
		return incoming.SourceID == r.priorityID

	case LastWriteWins:
		fallthrough
	default:
		if incoming.Timestamp.After(seen.Timestamp) {
			return true
		}
		if seen.Timestamp.After(incoming.Timestamp) {
			return false
		}
		// Equal timestamps: deterministic tie-break on source id.
		return incoming.SourceID > seen.SourceID
	}
}
