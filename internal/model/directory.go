package model

import "reflect"

// Directory is an address-keyed contact set that remembers the order in
// which addresses were first merged. It is not safe for concurrent use; the
// owning session serializes access.
type Directory struct {
	index    map[string]int
	contacts []Contact
}

func NewDirectory() *Directory {
	return &Directory{index: make(map[string]int)}
}

// Upsert stores c under its address, replacing any previous entry in place.
// It reports whether the directory changed.
func (d *Directory) Upsert(c Contact) bool {
	if c.Address == "" {
		return false
	}
	if i, ok := d.index[c.Address]; ok {
		if reflect.DeepEqual(d.contacts[i], c) {
			return false
		}
		d.contacts[i] = c
		return true
	}
	d.index[c.Address] = len(d.contacts)
	d.contacts = append(d.contacts, c)
	return true
}

// Update merges u onto an existing entry. Updates for unknown addresses are
// dropped and reported as no change.
func (d *Directory) Update(u ContactUpdate) bool {
	i, ok := d.index[u.Address]
	if !ok {
		return false
	}
	merged := u.Apply(d.contacts[i])
	if reflect.DeepEqual(d.contacts[i], merged) {
		return false
	}
	d.contacts[i] = merged
	return true
}

// SetBusinessProfile attaches a fetched business profile to an existing entry.
func (d *Directory) SetBusinessProfile(address string, profile *BusinessProfile) bool {
	i, ok := d.index[address]
	if !ok {
		return false
	}
	d.contacts[i].BusinessProfile = profile
	return true
}

// AddIfMissing inserts c only when its address is not present yet.
func (d *Directory) AddIfMissing(c Contact) bool {
	if d.Has(c.Address) {
		return false
	}
	return d.Upsert(c)
}

func (d *Directory) Get(address string) (Contact, bool) {
	i, ok := d.index[address]
	if !ok {
		return Contact{}, false
	}
	return d.contacts[i], true
}

func (d *Directory) Has(address string) bool {
	_, ok := d.index[address]
	return ok
}

func (d *Directory) Len() int {
	return len(d.contacts)
}

// All returns a copy of every contact in merge order.
func (d *Directory) All() []Contact {
	out := make([]Contact, len(d.contacts))
	copy(out, d.contacts)
	return out
}
