package store

import (
	"errors"
	"time"

	"changequery/internal/label"
)

// ErrNotFound is returned by lookups whose entity no longer exists.
var ErrNotFound = errors.New("store: not found")

// Change is a unit of work proposed for integration into a branch.
type Change struct {
	ID              string
	Project         string
	Branch          string
	Status          string
	Owner           string
	Subject         string
	CurrentRevision int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

const (
	StatusNew       = "NEW"
	StatusMerged    = "MERGED"
	StatusAbandoned = "ABANDONED"
)

// Revision is one immutable version of a change's content.
type Revision struct {
	ChangeID   string
	Number     int
	CommitHash string
	Uploader   string
	CreatedAt  time.Time
}

// Approval is an actor's vote on a label, recorded against one revision.
type Approval struct {
	ChangeID  string
	Revision  int
	Label     string
	Value     int
	Actor     string
	GrantedAt time.Time
}

// Grant lets members holding Role vote within [Min, Max] on Permission.
type Grant struct {
	Permission string `json:"permission"`
	Role       string `json:"role"`
	Min        int    `json:"min"`
	Max        int    `json:"max"`
}

// Range returns the vote range the grant allows.
func (g Grant) Range() label.Range {
	return label.Range{Min: g.Min, Max: g.Max}
}

// ProjectPolicy is the set of labels and voting grants effective for a project.
type ProjectPolicy struct {
	Project string             `json:"project"`
	Labels  []label.Definition `json:"labels"`
	Grants  []Grant            `json:"grants"`
}

// Membership is an actor's role on a project.
type Membership struct {
	Actor   string
	Project string
	Role    string
	Active  bool
}
