package directory

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrUnknownRole        = errors.New("directory: unknown role")
	ErrMissingIdentityKey = errors.New("directory: missing identity key")
	ErrMissingConnection  = errors.New("directory: missing connection id")
)

// Directory is the process-wide registry of online peers.
//
// It is keyed by connection id and maintains a secondary identity-key index
// so cross-peer addressing does not scan every entry. All methods are safe for
// concurrent use; returned peers are copies.
type Directory struct {
	mu sync.RWMutex

	seq   uint64
	peers map[string]*entry
	byKey map[string]string
}

type entry struct {
	peer Peer
	seq  uint64
}

func New() *Directory {
	return &Directory{
		peers: make(map[string]*entry),
		byKey: make(map[string]string),
	}
}

// Register attaches p to connID, replacing any previous registration of the
// same connection. The identity-key index always points at the most recent
// registration; an older connection using the same key stays in the
// directory until it disconnects but is no longer addressable.
func (d *Directory) Register(connID string, p Peer) (Peer, error) {
	if connID == "" {
		return Peer{}, ErrMissingConnection
	}
	role, err := ParseRole(string(p.Role))
	if err != nil {
		return Peer{}, err
	}
	p.Role = role
	if p.IdentityKey == "" {
		return Peer{}, ErrMissingIdentityKey
	}
	p = p.normalize()

	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.peers[connID]; ok && prev.peer.IdentityKey != p.IdentityKey {
		if d.byKey[prev.peer.IdentityKey] == connID {
			delete(d.byKey, prev.peer.IdentityKey)
		}
	}

	d.seq++
	e := &entry{peer: p, seq: d.seq}
	if prev, ok := d.peers[connID]; ok {
		// Keep list position stable for re-registrations.
		e.seq = prev.seq
	}
	d.peers[connID] = e
	d.byKey[p.IdentityKey] = connID
	return p.Clone(), nil
}

func (d *Directory) Lookup(connID string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.peers[connID]
	if !ok {
		return Peer{}, false
	}
	return e.peer.Clone(), true
}

// FindByIdentityKey resolves a stable identity key to its live connection.
func (d *Directory) FindByIdentityKey(key string) (string, bool) {
	if key == "" {
		return "", false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	connID, ok := d.byKey[key]
	return connID, ok
}

// LookupByIdentityKey is FindByIdentityKey followed by Lookup under one lock.
func (d *Directory) LookupByIdentityKey(key string) (string, Peer, bool) {
	if key == "" {
		return "", Peer{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	connID, ok := d.byKey[key]
	if !ok {
		return "", Peer{}, false
	}
	e, ok := d.peers[connID]
	if !ok {
		return "", Peer{}, false
	}
	return connID, e.peer.Clone(), true
}

// Unregister removes the peer for connID. Technicians are marked unavailable
// before removal so any copy still held elsewhere reads as offline.
func (d *Directory) Unregister(connID string) (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.peers[connID]
	if !ok {
		return Peer{}, false
	}
	if e.peer.Role == RoleTechnician {
		off := false
		e.peer.Available = &off
	}
	delete(d.peers, connID)
	if d.byKey[e.peer.IdentityKey] == connID {
		delete(d.byKey, e.peer.IdentityKey)
	}
	return e.peer.Clone(), true
}

// SetAvailability updates a technician's availability. It returns false when
// connID is not a registered technician.
func (d *Directory) SetAvailability(connID string, available bool) (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.peers[connID]
	if !ok || e.peer.Role != RoleTechnician {
		return Peer{}, false
	}
	v := available
	e.peer.Available = &v
	return e.peer.Clone(), true
}

func (d *Directory) SetLocation(connID string, loc Location) (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.peers[connID]
	if !ok {
		return Peer{}, false
	}
	l := loc
	e.peer.Location = &l
	return e.peer.Clone(), true
}

// Member is a snapshot row: the peer plus the connection it is attached to.
type Member struct {
	ConnID string
	Peer   Peer
}

// Snapshot returns the peers matching f in registration order.
func (d *Directory) Snapshot(f Filter) []Peer {
	members := d.Members(f)
	out := make([]Peer, len(members))
	for i, m := range members {
		out[i] = m.Peer
	}
	return out
}

// Members is Snapshot with connection ids attached, used to address
// broadcasts.
func (d *Directory) Members(f Filter) []Member {
	d.mu.RLock()
	type row struct {
		Member
		seq uint64
	}
	rows := make([]row, 0, len(d.peers))
	for connID, e := range d.peers {
		if !f.Match(e.peer) {
			continue
		}
		rows = append(rows, row{Member: Member{ConnID: connID, Peer: e.peer.Clone()}, seq: e.seq})
	}
	d.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })
	out := make([]Member, len(rows))
	for i := range rows {
		out[i] = rows[i].Member
	}
	return out
}

// Stats summarizes the directory for introspection endpoints.
type Stats struct {
	Users                int `json:"users"`
	Technicians          int `json:"technicians"`
	AvailableTechnicians int `json:"availableTechnicians"`
	Companies            int `json:"companies"`
}

func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var s Stats
	for _, e := range d.peers {
		switch e.peer.Role {
		case RoleUser:
			s.Users++
		case RoleTechnician:
			s.Technicians++
			if e.peer.IsAvailable() {
				s.AvailableTechnicians++
			}
		case RoleCompany:
			s.Companies++
		}
	}
	return s
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.peers)
}
