package directory

// Filter selects peers for a snapshot. Zero-valued fields match everything.
type Filter struct {
	Role      Role
	Available *bool
	CompanyID string
}

func (f Filter) Match(p Peer) bool {
	if f.Role != "" && p.Role != f.Role {
		return false
	}
	if f.Available != nil && p.IsAvailable() != *f.Available {
		return false
	}
	if f.CompanyID != "" && p.CompanyID.String() != f.CompanyID {
		return false
	}
	return true
}

// Technicians matches every registered technician regardless of availability.
func Technicians() Filter {
	return Filter{Role: RoleTechnician}
}

// AvailableCompanyTechnicians matches the technicians a company dashboard
// shows: affiliated with companyKey and currently available.
func AvailableCompanyTechnicians(companyKey string) Filter {
	available := true
	return Filter{Role: RoleTechnician, Available: &available, CompanyID: companyKey}
}

// ByRole matches every peer with role r.
func ByRole(r Role) Filter {
	return Filter{Role: r}
}
