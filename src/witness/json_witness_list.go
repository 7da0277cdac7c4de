package witness

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"path/filepath"
	"strings"
	"sync"
)

const jsonWitnessListPath = "witnesses.json"

// JSONWitnessList provides witness-list persistence on disk in the form of a
// JSON file. It is used to seed the genesis witness set; after genesis the
// effective set is governed by op_list votes and lives in the store.
type JSONWitnessList struct {
	l    sync.Mutex
	path string
}

// NewJSONWitnessList creates a JSONWitnessList with reference to a base
// directory where the JSON file resides.
func NewJSONWitnessList(base string) *JSONWitnessList {
	return &JSONWitnessList{
		path: filepath.Join(base, jsonWitnessListPath),
	}
}

// Read parses the underlying JSON file and returns the corresponding Set.
func (j *JSONWitnessList) Read() (*Set, error) {
	j.l.Lock()
	defer j.l.Unlock()

	buf, err := ioutil.ReadFile(j.path)
	if err != nil {
		return nil, err
	}

	if len(buf) == 0 {
		return nil, nil
	}

	var witnesses []*Witness
	dec := json.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&witnesses); err != nil {
		return nil, err
	}

	cleanse(witnesses)

	return NewSet(witnesses), nil
}

// cleanse standardises key strings to the 0X-prefixed uppercase format that
// the engine derives from private keys, and recomputes addresses for entries
// that only provided a public key.
func cleanse(witnesses []*Witness) {
	for _, w := range witnesses {
		if w.PubKeyHex != "" {
			w.PubKeyHex = "0X" + strings.TrimPrefix(strings.ToUpper(w.PubKeyHex), "0X")
			if w.Address == "" {
				w.computeAddress()
			}
		}
	}
}

// Write persists a Set to the JSON file.
func (j *JSONWitnessList) Write(s *Set) error {
	j.l.Lock()
	defer j.l.Unlock()

	b, err := s.Marshal()
	if err != nil {
		return err
	}

	return ioutil.WriteFile(j.path, b, 0644)
}
