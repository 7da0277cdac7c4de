package unitgraph

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/dgraph-io/badger"
	"github.com/ugorji/go/codec"

	cm "github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/witness"
)

const (
	unitPrefix     = "unit"
	topoPrefix     = "topo"
	stablePrefix   = "stable"
	votePrefix     = "vote"
	sysVarPrefix   = "sysvar"
	witnessPrefix  = "witness"
	tallyMarkKey   = "tally_watermark"
	genesisMarkKey = "genesis"
)

// BadgerStore is a write-through Store: every mutation is applied to an
// underlying InmemStore and queued for the badger database, where it is
// flushed atomically when the Txn commits. A store reopened from disk needs
// a bootstrap pass that replays its units through the consensus engine.
type BadgerStore struct {
	*InmemStore
	db            *badger.DB
	path          string
	needBootstrap bool

	pending []kv
}

type kv struct {
	key []byte
	val []byte
}

// NewBadgerStore creates a brand new store with a new database.
func NewBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = false
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{
		InmemStore: NewInmemStore(cacheSize),
		db:         handle,
		path:       path,
	}, nil
}

// LoadBadgerStore creates a store from an existing database. The returned
// store is empty in memory; call NeedBootstrap and replay the units through
// the engine to rebuild the ledger state.
func LoadBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	opts.SyncWrites = false
	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	return &BadgerStore{
		InmemStore:    NewInmemStore(cacheSize),
		db:            handle,
		path:          path,
		needBootstrap: true,
	}, nil
}

// LoadOrCreateBadgerStore loads an existing database or creates a new one.
func LoadOrCreateBadgerStore(cacheSize int, path string) (*BadgerStore, error) {
	store, err := LoadBadgerStore(cacheSize, path)
	if err != nil {
		store, err = NewBadgerStore(cacheSize, path)
		if err != nil {
			return nil, err
		}
	}
	return store, nil
}

// NeedBootstrap reports whether the store was loaded from disk and awaits a
// replay of its units.
func (s *BadgerStore) NeedBootstrap() bool {
	return s.needBootstrap
}

// SetBootstrapped clears the bootstrap flag once the replay is done.
func (s *BadgerStore) SetBootstrapped() {
	s.needBootstrap = false
}

/*******************************************************************************
Keys
*******************************************************************************/

func unitKey(id string) []byte {
	return []byte(fmt.Sprintf("%s_%s", unitPrefix, id))
}

func topoKey(index int) []byte {
	return []byte(fmt.Sprintf("%s_%09d", topoPrefix, index))
}

func stableKey(mci int) []byte {
	return []byte(fmt.Sprintf("%s_%09d", stablePrefix, mci))
}

func voteDbKey(v Vote) []byte {
	return []byte(fmt.Sprintf("%s_%s", votePrefix, voteKey(v)))
}

func sysVarKey(subject string) []byte {
	return []byte(fmt.Sprintf("%s_%s", sysVarPrefix, subject))
}

func witnessKey(mci int) []byte {
	return []byte(fmt.Sprintf("%s_%09d", witnessPrefix, mci))
}

/*******************************************************************************
Serialization
*******************************************************************************/

// unitRecord is the durable form of a unit: the content plus the graph
// fields, which are deterministic in the ancestors and therefore safe to
// persist. Position state is not stored per unit; the stable chain has its
// own records and tentative state is recomputed on bootstrap.
type unitRecord struct {
	Body             UnitBody
	Signatures       map[string]string
	Level            int
	WitnessedLevel   int
	BestParent       string
	TopologicalIndex int
}

// stableRecord is the durable form of one stable main-chain slot.
type stableRecord struct {
	UnitID string
	LIMCI  int
}

func marshalRecord(v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := codec.NewEncoder(buf, canonicalHandle())
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalRecord(data []byte, v interface{}) error {
	dec := codec.NewDecoder(bytes.NewBuffer(data), canonicalHandle())
	return dec.Decode(v)
}

func recordFromUnit(u *Unit) *unitRecord {
	rec := &unitRecord{
		Body:             u.Body,
		Signatures:       u.Signatures,
		BestParent:       u.BestParent(),
		TopologicalIndex: u.TopologicalIndex(),
	}
	if level, ok := u.Level(); ok {
		rec.Level = level
	}
	if wl, ok := u.WitnessedLevel(); ok {
		rec.WitnessedLevel = wl
	}
	return rec
}

func unitFromRecord(rec *unitRecord) *Unit {
	u := &Unit{
		Body:       rec.Body,
		Signatures: rec.Signatures,
	}
	u.SetLevel(rec.Level)
	u.SetWitnessedLevel(rec.WitnessedLevel)
	u.SetBestParent(rec.BestParent)
	u.SetTopologicalIndex(rec.TopologicalIndex)
	return u
}

/*******************************************************************************
Overridden mutators
*******************************************************************************/

// Begin opens the transaction on the inner store and rebinds the token to
// this store, so Commit/Rollback flow through the badger layer.
func (s *BadgerStore) Begin() (*Txn, error) {
	txn, err := s.InmemStore.Begin()
	if err != nil {
		return nil, err
	}
	txn.store = s
	s.pending = nil
	return txn, nil
}

// Commit flushes the pending writes to badger, then commits the inner store.
// The badger write happens first: if it fails, the in-memory state is rolled
// back and the caller sees the failure, so cache and disk cannot diverge.
func (s *BadgerStore) Commit(txn *Txn) error {
	if len(s.pending) > 0 {
		err := s.db.Update(func(btx *badger.Txn) error {
			for _, w := range s.pending {
				if err := btx.Set(w.key, w.val); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			s.pending = nil
			if rbErr := s.InmemStore.Rollback(txn); rbErr != nil {
				return rbErr
			}
			return err
		}
	}
	s.pending = nil
	return s.InmemStore.Commit(txn)
}

// Rollback discards the pending writes and rolls the inner store back.
func (s *BadgerStore) Rollback(txn *Txn) error {
	s.pending = nil
	return s.InmemStore.Rollback(txn)
}

// PutUnit implements the Store interface.
func (s *BadgerStore) PutUnit(txn *Txn, unit *Unit) error {
	if err := s.InmemStore.PutUnit(txn, unit); err != nil {
		return err
	}

	raw, err := marshalRecord(recordFromUnit(unit))
	if err != nil {
		return err
	}

	id := unit.Hex()
	s.pending = append(s.pending,
		kv{unitKey(id), raw},
		kv{topoKey(unit.TopologicalIndex()), []byte(id)},
	)
	if unit.IsGenesis() {
		s.pending = append(s.pending, kv{[]byte(genesisMarkKey), []byte(id)})
	}

	return nil
}

// MarkStable implements the Store interface.
func (s *BadgerStore) MarkStable(txn *Txn, id string, mci int) error {
	if err := s.InmemStore.MarkStable(txn, id, mci); err != nil {
		return err
	}

	pos, err := s.InmemStore.GetPosition(id)
	if err != nil {
		return err
	}
	limci := 0
	if pos.LatestIncludedMCI != nil {
		limci = *pos.LatestIncludedMCI
	}

	raw, err := marshalRecord(&stableRecord{UnitID: id, LIMCI: limci})
	if err != nil {
		return err
	}
	s.pending = append(s.pending, kv{stableKey(mci), raw})

	return nil
}

// AddVote implements the Store interface.
func (s *BadgerStore) AddVote(txn *Txn, v Vote) error {
	if err := s.InmemStore.AddVote(txn, v); err != nil {
		return err
	}

	raw, err := marshalRecord(&v)
	if err != nil {
		return err
	}
	s.pending = append(s.pending, kv{voteDbKey(v), raw})

	return nil
}

// SetSystemVariable implements the Store interface.
func (s *BadgerStore) SetSystemVariable(txn *Txn, v SystemVariableValue) error {
	if err := s.InmemStore.SetSystemVariable(txn, v); err != nil {
		return err
	}

	raw, err := marshalRecord(&v)
	if err != nil {
		return err
	}
	s.pending = append(s.pending, kv{sysVarKey(v.Subject), raw})

	return nil
}

// SetTallyWatermark implements the Store interface.
func (s *BadgerStore) SetTallyWatermark(txn *Txn, mci int) error {
	if err := s.InmemStore.SetTallyWatermark(txn, mci); err != nil {
		return err
	}

	s.pending = append(s.pending, kv{[]byte(tallyMarkKey), []byte(strconv.Itoa(mci))})

	return nil
}

// SetWitnessSet implements the Store interface.
func (s *BadgerStore) SetWitnessSet(txn *Txn, mci int, ws *witness.Set) error {
	if err := s.InmemStore.SetWitnessSet(txn, mci, ws); err != nil {
		return err
	}

	raw, err := ws.Marshal()
	if err != nil {
		return err
	}
	s.pending = append(s.pending, kv{witnessKey(mci), raw})

	return nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// StorePath implements the Store interface.
func (s *BadgerStore) StorePath() string {
	return s.path
}

/*******************************************************************************
DB reads (bootstrap)
*******************************************************************************/

// DbTopologicalUnits retrieves all stored units in topological order. They
// come out ready to be replayed through the consensus engine.
func (s *BadgerStore) DbTopologicalUnits() ([]*Unit, error) {
	res := []*Unit{}

	err := s.db.View(func(btx *badger.Txn) error {
		it := btx.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(topoPrefix + "_")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			idBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			unit, err := s.dbGetUnit(btx, string(idBytes))
			if err != nil {
				return err
			}
			res = append(res, unit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

func (s *BadgerStore) dbGetUnit(btx *badger.Txn, id string) (*Unit, error) {
	item, err := btx.Get(unitKey(id))
	if err != nil {
		return nil, cm.NewErr("Unit", cm.KeyNotFound, id)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}

	rec := new(unitRecord)
	if err := unmarshalRecord(raw, rec); err != nil {
		return nil, err
	}

	return unitFromRecord(rec), nil
}

// DbGetWitnessSet reads a witness set straight from the database. It is used
// to recover the genesis witness set before the bootstrap replay.
func (s *BadgerStore) DbGetWitnessSet(mci int) (*witness.Set, error) {
	var raw []byte

	err := s.db.View(func(btx *badger.Txn) error {
		item, err := btx.Get(witnessKey(mci))
		if err != nil {
			return cm.NewErr("WitnessSet", cm.KeyNotFound, strconv.Itoa(mci))
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	var witnesses []*witness.Witness
	if err := unmarshalRecord(raw, &witnesses); err != nil {
		return nil, err
	}

	return witness.NewSet(witnesses), nil
}
