package directory

import (
	"fmt"
	"strings"
)

// Role identifies the kind of actor attached to a connection.
type Role string

const (
	RoleUser       Role = "user"
	RoleTechnician Role = "technician"
	RoleCompany    Role = "company"
)

// ParseRole accepts the wire spelling of a role.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser, nil
	case RoleTechnician:
		return RoleTechnician, nil
	case RoleCompany:
		return RoleCompany, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
}

// Location is a last-known position reported by a client.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Peer is the registered identity for one connection.
//
// IdentityKey is serialized as "socketId" because that is the name clients
// use for the stable addressing key (e.g. an email). It is unrelated to the
// transport's connection id.
type Peer struct {
	ID          ID        `json:"id,omitzero"`
	Role        Role      `json:"role"`
	IdentityKey string    `json:"socketId"`
	FirstName   string    `json:"firstName,omitempty"`
	LastName    string    `json:"lastName,omitempty"`
	Photo       string    `json:"photo,omitempty"`
	Location    *Location `json:"location,omitempty"`

	// User fields.
	Address     string `json:"address,omitempty"`
	ServiceID   ID     `json:"serviceId,omitzero"`
	ServiceName string `json:"serviceName,omitempty"`
	JobID       ID     `json:"jobId,omitzero"`

	// Technician fields. Available is always present for technicians so
	// clients can tell "offline for work" apart from "unknown".
	Available *bool    `json:"available,omitempty"`
	CompanyID ID       `json:"companyId,omitzero"`
	Company   string   `json:"company,omitempty"`
	Rating    *float64 `json:"rating,omitempty"`
	Reviews   *int     `json:"reviews,omitempty"`
	Services  []ID     `json:"services,omitempty"`
}

// IsAvailable reports the technician availability flag. Non-technicians are
// never available.
func (p Peer) IsAvailable() bool {
	return p.Role == RoleTechnician && p.Available != nil && *p.Available
}

// HasLocation reports whether a location has been reported.
func (p Peer) HasLocation() bool {
	return p.Location != nil
}

// Clone returns a deep copy so callers can hand the record to other
// goroutines without sharing mutable state with the directory.
func (p Peer) Clone() Peer {
	out := p
	if p.Location != nil {
		loc := *p.Location
		out.Location = &loc
	}
	if p.Available != nil {
		v := *p.Available
		out.Available = &v
	}
	if p.Rating != nil {
		v := *p.Rating
		out.Rating = &v
	}
	if p.Reviews != nil {
		v := *p.Reviews
		out.Reviews = &v
	}
	out.Services = cloneIDs(p.Services)
	return out
}

// normalize drops fields that do not belong to the peer's role and applies
// registration defaults.
func (p Peer) normalize() Peer {
	out := p.Clone()
	switch out.Role {
	case RoleUser:
		out.Available = nil
		out.CompanyID, out.Company = ID{}, ""
		out.Rating, out.Reviews, out.Services = nil, nil, nil
	case RoleTechnician:
		off := false
		out.Available = &off
		out.Address, out.ServiceID, out.ServiceName, out.JobID = "", ID{}, "", ID{}
	case RoleCompany:
		out.Available = nil
		out.Address, out.ServiceID, out.ServiceName, out.JobID = "", ID{}, "", ID{}
		out.CompanyID, out.Company = ID{}, ""
		out.Rating, out.Reviews, out.Services = nil, nil, nil
	}
	return out
}
