package directory

import (
	"errors"
	"fmt"
	"sync"
	"testing"
)

func technician(key, company string) Peer {
	return Peer{Role: RoleTechnician, IdentityKey: key, CompanyID: StringID(company), FirstName: "Tech " + key}
}

func user(key string) Peer {
	return Peer{Role: RoleUser, IdentityKey: key, ServiceID: NumberID(7), ServiceName: "Plumbing"}
}

func TestRegister_TechnicianStartsUnavailable(t *testing.T) {
	d := New()

	avail := true
	p := technician("tech@example.com", "acme")
	p.Available = &avail

	got, err := d.Register("c1", p)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if got.IsAvailable() {
		t.Fatalf("available=true after register, want false")
	}
	if got.Available == nil {
		t.Fatalf("technician record must carry an explicit availability flag")
	}
}

func TestRegister_RejectsInvalidPeers(t *testing.T) {
	d := New()

	if _, err := d.Register("c1", Peer{Role: "admin", IdentityKey: "x"}); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("err=%v, want %v", err, ErrUnknownRole)
	}
	if _, err := d.Register("c1", Peer{Role: RoleUser}); !errors.Is(err, ErrMissingIdentityKey) {
		t.Fatalf("err=%v, want %v", err, ErrMissingIdentityKey)
	}
	if _, err := d.Register("", user("u")); !errors.Is(err, ErrMissingConnection) {
		t.Fatalf("err=%v, want %v", err, ErrMissingConnection)
	}
	if d.Len() != 0 {
		t.Fatalf("len=%d, want 0", d.Len())
	}
}

func TestRegister_StripsFieldsOfOtherRoles(t *testing.T) {
	d := New()
	p := user("u@example.com")
	p.CompanyID = StringID("acme")
	p.Services = []ID{NumberID(1)}

	got, err := d.Register("c1", p)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !got.CompanyID.IsZero() || got.Services != nil || got.Available != nil {
		t.Fatalf("user kept technician fields: %+v", got)
	}
	if got.ServiceID != NumberID(7) {
		t.Fatalf("serviceId=%v, want 7", got.ServiceID)
	}
}

func TestFindByIdentityKey_LastWriteWins(t *testing.T) {
	d := New()

	if _, err := d.Register("c1", user("same@example.com")); err != nil {
		t.Fatalf("register c1: %v", err)
	}
	if _, err := d.Register("c2", user("same@example.com")); err != nil {
		t.Fatalf("register c2: %v", err)
	}

	got, ok := d.FindByIdentityKey("same@example.com")
	if !ok || got != "c2" {
		t.Fatalf("FindByIdentityKey=%q,%v want c2,true", got, ok)
	}

	// The orphaned connection disconnecting must not break the live mapping.
	d.Unregister("c1")
	got, ok = d.FindByIdentityKey("same@example.com")
	if !ok || got != "c2" {
		t.Fatalf("after orphan disconnect FindByIdentityKey=%q,%v want c2,true", got, ok)
	}

	d.Unregister("c2")
	if _, ok := d.FindByIdentityKey("same@example.com"); ok {
		t.Fatalf("expected key to be gone after last connection disconnects")
	}
}

func TestRegister_ReRegisterWithNewKeyDropsOldIndexEntry(t *testing.T) {
	d := New()
	if _, err := d.Register("c1", user("old")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := d.Register("c1", user("new")); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if _, ok := d.FindByIdentityKey("old"); ok {
		t.Fatalf("old key still resolves")
	}
	if got, ok := d.FindByIdentityKey("new"); !ok || got != "c1" {
		t.Fatalf("new key=%q,%v want c1,true", got, ok)
	}
	if d.Len() != 1 {
		t.Fatalf("len=%d, want 1", d.Len())
	}
}

func TestUnregister_TechnicianLeavesSnapshotsUnavailable(t *testing.T) {
	d := New()
	if _, err := d.Register("c1", technician("t1", "acme")); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.SetAvailability("c1", true)

	removed, ok := d.Unregister("c1")
	if !ok {
		t.Fatalf("unregister: not found")
	}
	if removed.IsAvailable() {
		t.Fatalf("removed technician still available")
	}
	for _, p := range d.Snapshot(Technicians()) {
		if p.IdentityKey == "t1" {
			t.Fatalf("unregistered technician still in snapshot")
		}
	}
	if _, ok := d.Lookup("c1"); ok {
		t.Fatalf("lookup found unregistered connection")
	}
}

func TestSetAvailability_OnlyTechnicians(t *testing.T) {
	d := New()
	if _, err := d.Register("u1", user("u1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := d.SetAvailability("u1", true); ok {
		t.Fatalf("SetAvailability succeeded for a user")
	}
	if _, ok := d.SetAvailability("missing", true); ok {
		t.Fatalf("SetAvailability succeeded for unknown connection")
	}
}

func TestSnapshot_Filters(t *testing.T) {
	d := New()
	mustRegister := func(conn string, p Peer) {
		t.Helper()
		if _, err := d.Register(conn, p); err != nil {
			t.Fatalf("register %s: %v", conn, err)
		}
	}
	mustRegister("t1", technician("t1", "acme"))
	mustRegister("t2", technician("t2", "acme"))
	mustRegister("t3", technician("t3", "globex"))
	mustRegister("u1", user("u1"))
	mustRegister("co", Peer{Role: RoleCompany, IdentityKey: "acme"})

	d.SetAvailability("t2", true)
	d.SetAvailability("t3", true)

	all := d.Snapshot(Technicians())
	if len(all) != 3 {
		t.Fatalf("technicians=%d, want 3", len(all))
	}
	for i, want := range []string{"t1", "t2", "t3"} {
		if all[i].IdentityKey != want {
			t.Fatalf("snapshot[%d]=%q, want %q (registration order)", i, all[i].IdentityKey, want)
		}
	}

	acme := d.Snapshot(AvailableCompanyTechnicians("acme"))
	if len(acme) != 1 || acme[0].IdentityKey != "t2" {
		t.Fatalf("acme available=%v, want [t2]", acme)
	}

	if got := d.Snapshot(ByRole(RoleCompany)); len(got) != 1 {
		t.Fatalf("companies=%d, want 1", len(got))
	}

	stats := d.Stats()
	want := Stats{Users: 1, Technicians: 3, AvailableTechnicians: 2, Companies: 1}
	if stats != want {
		t.Fatalf("stats=%+v, want %+v", stats, want)
	}
}

func TestSetLocation_ReturnsCopies(t *testing.T) {
	d := New()
	if _, err := d.Register("t1", technician("t1", "")); err != nil {
		t.Fatalf("register: %v", err)
	}
	p, ok := d.SetLocation("t1", Location{Latitude: 4.6, Longitude: -74.1})
	if !ok {
		t.Fatalf("SetLocation: not found")
	}
	p.Location.Latitude = 0

	got, _ := d.Lookup("t1")
	if got.Location == nil || got.Location.Latitude != 4.6 {
		t.Fatalf("directory state mutated through returned copy: %+v", got.Location)
	}
}

func TestDirectory_ConcurrentAccess(t *testing.T) {
	d := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", i)
			key := fmt.Sprintf("k%d", i%4)
			if _, err := d.Register(conn, technician(key, "acme")); err != nil {
				t.Errorf("register: %v", err)
				return
			}
			d.SetAvailability(conn, i%2 == 0)
			_ = d.Snapshot(Technicians())
			_, _ = d.FindByIdentityKey(key)
			d.Unregister(conn)
		}(i)
	}
	wg.Wait()

	if d.Len() != 0 {
		t.Fatalf("len=%d, want 0", d.Len())
	}
	for i := 0; i < 4; i++ {
		if _, ok := d.FindByIdentityKey(fmt.Sprintf("k%d", i)); ok {
			t.Fatalf("index entry k%d leaked", i)
		}
	}
}
