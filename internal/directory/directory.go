package directory

import (
	"context"
	"errors"
)

// ErrUnknownIdentity is returned for ids the directory cannot resolve.
var ErrUnknownIdentity = errors.New("unknown identity")

// Member is the identity slice of a union member the engine is allowed to
// see. The engine persists only ids; identity data stays in the directory.
type Member struct {
	ID   int64
	Name string
}

// Employer is a signatory employer's identity slice.
type Employer struct {
	ID   int64
	Name string
}

// Directory is the hall's member/employer identity service. Implementations
// live in the surrounding system; the engine only reads through it to
// decorate reporting output.
type Directory interface {
	GetMember(ctx context.Context, id int64) (*Member, error)
	GetEmployer(ctx context.Context, id int64) (*Employer, error)
}

// Static resolves identities from fixed maps. It backs tests and small
// deployments where the roster is seeded at startup.
type Static struct {
	members   map[int64]Member
	employers map[int64]Employer
}

// NewStatic creates a map-backed directory.
func NewStatic(members []Member, employers []Employer) *Static {
	s := &Static{
		members:   make(map[int64]Member, len(members)),
		employers: make(map[int64]Employer, len(employers)),
	}
	for _, m := range members {
		s.members[m.ID] = m
	}
	for _, e := range employers {
		s.employers[e.ID] = e
	}
	return s
}

// GetMember resolves a member id.
func (s *Static) GetMember(_ context.Context, id int64) (*Member, error) {
	m, ok := s.members[id]
	if !ok {
		return nil, ErrUnknownIdentity
	}
	return &m, nil
}

// GetEmployer resolves an employer id.
func (s *Static) GetEmployer(_ context.Context, id int64) (*Employer, error) {
	e, ok := s.employers[id]
	if !ok {
		return nil, ErrUnknownIdentity
	}
	return &e, nil
}
