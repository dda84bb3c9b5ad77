package model

import "time"

// EndpointType discriminates the two kinds of dependency endpoint.
type EndpointType string

const (
	EndpointTask  EndpointType = "task"
	EndpointGroup EndpointType = "group"
)

// IsValidEndpointType returns true for the two legal endpoint kinds.
func IsValidEndpointType(s string) bool {
	return EndpointType(s) == EndpointTask || EndpointType(s) == EndpointGroup
}

// Endpoint is a tagged reference to a task or group, usable on either side
// of a dependency edge. The on-disk representation keeps the string
// discriminator columns for compatibility.
type Endpoint struct {
	Type EndpointType `json:"type"`
	ID   int64        `json:"id"`
}

// Dependency is a directed "previous must complete before next may start"
// edge. All four combinations of task/group endpoints are legal.
// Satisfaction of a group endpoint means every task whose group_id equals
// that group is COMPLETED; an empty group is vacuously satisfied.
type Dependency struct {
	Previous  Endpoint  `json:"previous"`
	Next      Endpoint  `json:"next"`
	CreatedAt time.Time `json:"created_at"`
}

// Then builds the dependency edges declaring that every endpoint in prevs
// completes before any endpoint in nexts may start. One prev with many
// nexts is fan-out; many prevs with one next is fan-in. This is the
// `prev >> next` operator of the submission syntax.
func Then(prevs []Endpoint, nexts []Endpoint) []Dependency {
	now := time.Now().UTC()
	deps := make([]Dependency, 0, len(prevs)*len(nexts))
	for _, p := range prevs {
		for _, n := range nexts {
			deps = append(deps, Dependency{Previous: p, Next: n, CreatedAt: now})
		}
	}
	return deps
}

// After is the mirror reading of Then: `next << prev`. The produced edges
// are identical.
func After(nexts []Endpoint, prevs []Endpoint) []Dependency {
	return Then(prevs, nexts)
}
