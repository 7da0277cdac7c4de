package unitgraph

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"sort"

	"github.com/ugorji/go/codec"

	"github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/keys"
)

// SystemVoteApp is the message app carrying a governance vote.
const SystemVoteApp = "system_vote"

/*******************************************************************************
UnitBody
*******************************************************************************/

// Message is one payload entry of a unit. App identifies the payload type;
// governance votes use SystemVoteApp with Subject and Value set.
type Message struct {
	App     string
	Subject string `json:",omitempty"`
	Value   string `json:",omitempty"`
	Payload []byte `json:",omitempty"`
}

// Author identifies one signer of a unit. The signature itself lives outside
// the hashed body, in Unit.Signatures.
type Author struct {
	Address   string
	PubKeyHex string
}

// UnitBody is the content-addressed part of a unit. Everything in here is
// covered by the unit's hash; nothing in here may depend on local node state.
type UnitBody struct {
	Version  string
	Parents  []string //sorted, duplicate-free; empty only for genesis
	LastBall string   //unit this unit claims is stable
	Authors  []Author //sorted by address
	// Timestamp is seconds since epoch. It is an integer precisely because
	// the encoding feeds the content hash; a float here would make the hash
	// depend on the platform's float formatting.
	Timestamp int64
	Messages  []Message
}

// canonicalHandle returns the codec handle used for all hashed encodings.
// Canonical=true sorts map keys and fixes the output bit-for-bit, so two
// nodes always derive the same unit id from the same content.
func canonicalHandle() *codec.JsonHandle {
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	return jh
}

// Marshal returns the canonical JSON encoding of a UnitBody.
func (b *UnitBody) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := codec.NewEncoder(buf, canonicalHandle())
	if err := enc.Encode(b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a canonical JSON encoding of a UnitBody.
func (b *UnitBody) Unmarshal(data []byte) error {
	dec := codec.NewDecoder(bytes.NewBuffer(data), canonicalHandle())
	return dec.Decode(b)
}

// Hash returns the SHA256 hash of the canonical encoding.
func (b *UnitBody) Hash() ([]byte, error) {
	raw, err := b.Marshal()
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(raw)
	return h[:], nil
}

/*******************************************************************************
Unit
*******************************************************************************/

// Unit is an immutable record of the DAG. It contains a UnitBody and one
// signature of the body hash per author. The private fields are derived
// locally and assigned only by the node; they are not part of the unit's
// identity.
type Unit struct {
	Body       UnitBody
	Signatures map[string]string //author address => signature of body hash

	//graph fields, fixed at insertion (deterministic in the ancestors)
	level          *int
	witnessedLevel *int
	bestParent     string

	//insertion order, local only
	topologicalIndex int

	//cached values
	hash []byte
	hex  string
}

// NewUnit instantiates a unit with the given content. Parents are sorted
// here so that identical content always yields identical hashes.
func NewUnit(parents []string, lastBall string, authors []Author, timestamp int64, messages []Message) *Unit {
	sortedParents := append([]string{}, parents...)
	sort.Strings(sortedParents)

	sortedAuthors := append([]Author{}, authors...)
	sort.Slice(sortedAuthors, func(i, j int) bool {
		return sortedAuthors[i].Address < sortedAuthors[j].Address
	})

	return &Unit{
		Body: UnitBody{
			Version:   "1.0",
			Parents:   sortedParents,
			LastBall:  lastBall,
			Authors:   sortedAuthors,
			Timestamp: timestamp,
			Messages:  messages,
		},
		Signatures: map[string]string{},
	}
}

// Hash returns the unit's content hash.
func (u *Unit) Hash() ([]byte, error) {
	if len(u.hash) == 0 {
		hash, err := u.Body.Hash()
		if err != nil {
			return nil, err
		}
		u.hash = hash
	}
	return u.hash, nil
}

// Hex returns the unit id: the 0X-prefixed hex form of the content hash.
func (u *Unit) Hex() string {
	if u.hex == "" {
		hash, err := u.Hash()
		if err != nil {
			return ""
		}
		u.hex = common.EncodeToString(hash)
	}
	return u.hex
}

// Parents returns the unit's parent ids.
func (u *Unit) Parents() []string {
	return u.Body.Parents
}

// IsGenesis reports whether the unit declares no parents.
func (u *Unit) IsGenesis() bool {
	return len(u.Body.Parents) == 0
}

// LastBall returns the declared last-ball unit id.
func (u *Unit) LastBall() string {
	return u.Body.LastBall
}

// AuthorAddresses returns the sorted author addresses.
func (u *Unit) AuthorAddresses() []string {
	res := make([]string, 0, len(u.Body.Authors))
	for _, a := range u.Body.Authors {
		res = append(res, a.Address)
	}
	return res
}

// Votes extracts the governance votes embedded in the unit's messages.
func (u *Unit) Votes() []Message {
	res := []Message{}
	for _, m := range u.Body.Messages {
		if m.App == SystemVoteApp {
			res = append(res, m)
		}
	}
	return res
}

// Sign adds a signature of the body hash for the author matching the private
// key. The author entry must already be present in the body.
func (u *Unit) Sign(priv *ecdsa.PrivateKey) error {
	address := keys.Address(&priv.PublicKey)

	found := false
	for _, a := range u.Body.Authors {
		if a.Address == address {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("key's address %s is not an author of the unit", address)
	}

	signBytes, err := u.Hash()
	if err != nil {
		return err
	}

	r, s, err := keys.Sign(priv, signBytes)
	if err != nil {
		return err
	}

	if u.Signatures == nil {
		u.Signatures = map[string]string{}
	}
	u.Signatures[address] = keys.EncodeSignature(r, s)

	return nil
}

// Verify checks that every author has a valid signature of the body hash and
// that each author's address matches its public key.
func (u *Unit) Verify() (bool, error) {
	signBytes, err := u.Hash()
	if err != nil {
		return false, err
	}

	for _, a := range u.Body.Authors {
		pubBytes, err := common.DecodeFromString(a.PubKeyHex)
		if err != nil {
			return false, err
		}

		if keys.AddressFromPubKeyBytes(pubBytes) != a.Address {
			return false, fmt.Errorf("author address %s does not match public key", a.Address)
		}

		sig, ok := u.Signatures[a.Address]
		if !ok {
			return false, fmt.Errorf("missing signature from author %s", a.Address)
		}

		r, s, err := keys.DecodeSignature(sig)
		if err != nil {
			return false, err
		}

		pub := keys.ToPublicKey(pubBytes)
		if pub == nil {
			return false, fmt.Errorf("invalid public key for author %s", a.Address)
		}

		if !keys.Verify(pub, signBytes, r, s) {
			return false, nil
		}
	}

	return true, nil
}

/*******************************************************************************
Graph fields
*******************************************************************************/

// Level returns the unit's graph level: 0 for genesis, 1 + the max parent
// level otherwise.
func (u *Unit) Level() (int, bool) {
	if u.level == nil {
		return 0, false
	}
	return *u.level, true
}

// SetLevel assigns the level.
func (u *Unit) SetLevel(level int) {
	u.level = new(int)
	*u.level = level
}

// WitnessedLevel returns the level at which a walk down the unit's
// best-parent chain has collected a majority of witness authors.
func (u *Unit) WitnessedLevel() (int, bool) {
	if u.witnessedLevel == nil {
		return 0, false
	}
	return *u.witnessedLevel, true
}

// SetWitnessedLevel assigns the witnessed level.
func (u *Unit) SetWitnessedLevel(wl int) {
	u.witnessedLevel = new(int)
	*u.witnessedLevel = wl
}

// BestParent returns the id of the unit's best parent, or "" for genesis.
func (u *Unit) BestParent() string {
	return u.bestParent
}

// SetBestParent assigns the best parent.
func (u *Unit) SetBestParent(id string) {
	u.bestParent = id
}

// TopologicalIndex returns the local insertion counter.
func (u *Unit) TopologicalIndex() int {
	return u.topologicalIndex
}

// SetTopologicalIndex assigns the local insertion counter.
func (u *Unit) SetTopologicalIndex(i int) {
	u.topologicalIndex = i
}
