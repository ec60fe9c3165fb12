// Package presence pushes role-filtered views of the peer directory to
// connected clients whenever technician state changes.
package presence

import (
	"log/slog"

	"github.com/TakTek-App/TakTek-App/internal/directory"
)

// EventPeerList is the outbound event carrying a technician list.
const EventPeerList = "peer-list"

// Sender delivers one outbound event to a connection. Sends to connections
// that are gone must be silent no-ops.
type Sender interface {
	Send(connID, event string, payload any)
}

// Broadcaster computes per-viewer technician lists and hands them to a Sender.
//
// Users see every online technician regardless of availability so the map can
// show busy technicians too. Companies see only their own available
// technicians.
type Broadcaster struct {
	dir *directory.Directory
	out Sender
	log *slog.Logger
}

func New(dir *directory.Directory, out Sender, log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{dir: dir, out: out, log: log}
}

// UserView is the list a user connection is shown.
func (b *Broadcaster) UserView() []directory.Peer {
	return b.dir.Snapshot(directory.Technicians())
}

// CompanyView is the list the company identified by companyKey is shown.
func (b *Broadcaster) CompanyView(companyKey string) []directory.Peer {
	return b.dir.Snapshot(directory.AvailableCompanyTechnicians(companyKey))
}

// SendUserView pushes the user view to a single connection.
func (b *Broadcaster) SendUserView(connID string) {
	b.out.Send(connID, EventPeerList, b.UserView())
}

// SendCompanyView pushes the company view to a single connection.
func (b *Broadcaster) SendCompanyView(connID, companyKey string) {
	b.out.Send(connID, EventPeerList, b.CompanyView(companyKey))
}

// RefreshUsers sends the current user view to every connected user.
func (b *Broadcaster) RefreshUsers() int {
	users := b.dir.Members(directory.ByRole(directory.RoleUser))
	if len(users) == 0 {
		return 0
	}
	view := b.UserView()
	for _, u := range users {
		b.out.Send(u.ConnID, EventPeerList, view)
	}
	b.log.Debug("presence refreshed", "audience", "users", "recipients", len(users), "technicians", len(view))
	return len(users)
}

// RefreshCompanies sends each connected company its own filtered view.
func (b *Broadcaster) RefreshCompanies() int {
	companies := b.dir.Members(directory.ByRole(directory.RoleCompany))
	for _, c := range companies {
		b.SendCompanyView(c.ConnID, c.Peer.IdentityKey)
	}
	if len(companies) > 0 {
		b.log.Debug("presence refreshed", "audience", "companies", "recipients", len(companies))
	}
	return len(companies)
}

// RefreshAll refreshes users and companies. It returns the number of
// peer-list frames handed to the Sender.
func (b *Broadcaster) RefreshAll() int {
	return b.RefreshUsers() + b.RefreshCompanies()
}
