package witness

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"sort"

	"github.com/obelisknetworks/mainstay/src/common"
)

// Set is an immutable set of Witnesses. The Witnesses slice is kept sorted by
// address so that two sets with the same members hash identically on every
// node.
type Set struct {
	Witnesses []*Witness          `json:"witnesses"`
	ByAddress map[string]*Witness `json:"-"`

	// cached values
	hash     []byte
	hex      string
	majority *int
}

// NewSet creates a new Set from a list of Witnesses.
func NewSet(witnesses []*Witness) *Set {
	s := &Set{
		ByAddress: make(map[string]*Witness),
	}

	for _, w := range witnesses {
		if _, ok := s.ByAddress[w.Address]; ok {
			continue
		}
		s.ByAddress[w.Address] = w
		s.Witnesses = append(s.Witnesses, w)
	}

	sort.Slice(s.Witnesses, func(i, j int) bool {
		return s.Witnesses[i].Address < s.Witnesses[j].Address
	})

	return s
}

// NewSetFromAddresses creates a Set from bare addresses. Public keys are left
// empty; they are only needed when verifying a witness's units, and those
// carry the keys themselves.
func NewSetFromAddresses(addresses []string) *Set {
	witnesses := make([]*Witness, 0, len(addresses))
	for _, a := range addresses {
		witnesses = append(witnesses, &Witness{Address: a})
	}
	return NewSet(witnesses)
}

// Addresses returns the sorted slice of member addresses.
func (s *Set) Addresses() []string {
	res := make([]string, 0, len(s.Witnesses))
	for _, w := range s.Witnesses {
		res = append(res, w.Address)
	}
	return res
}

// Contains reports whether an address belongs to the set.
func (s *Set) Contains(address string) bool {
	_, ok := s.ByAddress[address]
	return ok
}

// Len returns the number of Witnesses in the Set.
func (s *Set) Len() int {
	return len(s.Witnesses)
}

// Majority returns the number of witnesses that forms a simple majority of
// the Set. This is the quorum used both for witnessed levels and for
// committing governance votes.
func (s *Set) Majority() int {
	if s.majority == nil {
		val := s.Len()/2 + 1
		s.majority = &val
	}
	return *s.majority
}

// Hash uniquely identifies a Set. It is computed by chain-hashing (SHA256)
// the sorted member addresses.
func (s *Set) Hash() []byte {
	if len(s.hash) == 0 {
		hash := []byte{}
		for _, w := range s.Witnesses {
			h := sha256.New()
			h.Write(hash)
			h.Write([]byte(w.Address))
			hash = h.Sum(nil)
		}
		s.hash = hash
	}
	return s.hash
}

// Hex is the hexadecimal representation of Hash.
func (s *Set) Hex() string {
	if len(s.hex) == 0 {
		s.hex = common.EncodeToString(s.Hash())
	}
	return s.hex
}

// Marshal renders the member list as JSON.
func (s *Set) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(s.Witnesses); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
