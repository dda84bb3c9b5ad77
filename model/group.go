package model

import "time"

// Group is a named collection of tasks usable as a single dependency
// endpoint. It has no executable body: depending on a group means "all
// tasks currently or eventually assigned to this group must complete".
// A group with no tasks satisfies any dependency that names it.
type Group struct {
	ID            int64     `json:"id"`
	JobID         int64     `json:"job_id"`
	ParentGroupID *int64    `json:"parent_group_id,omitempty"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewGroup creates a group belonging to the given job.
func NewGroup(id, jobID int64, name string) *Group {
	return &Group{
		ID:        id,
		JobID:     jobID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}

// InParent nests the group under a parent group and returns it.
func (g *Group) InParent(parentID int64) *Group {
	g.ParentGroupID = &parentID
	return g
}

// Endpoint returns the group as a dependency endpoint.
func (g *Group) Endpoint() Endpoint {
	return Endpoint{Type: EndpointGroup, ID: g.ID}
}
