package node

import (
	"crypto/ecdsa"

	"github.com/obelisknetworks/mainstay/src/keys"
)

//Validator holds the signing identity of a node
type Validator struct {
	Key     *ecdsa.PrivateKey
	Moniker string

	address  string
	pubBytes []byte
	pubHex   string
}

//NewValidator is a factory method for a Validator
func NewValidator(key *ecdsa.PrivateKey, moniker string) *Validator {
	return &Validator{
		Key:     key,
		Moniker: moniker,
	}
}

//Address returns the validator's unit-author address
func (v *Validator) Address() string {
	if v.address == "" {
		v.address = keys.Address(&v.Key.PublicKey)
	}
	return v.address
}

//PublicKeyBytes returns the validator's public key as a byte array
func (v *Validator) PublicKeyBytes() []byte {
	if len(v.pubBytes) == 0 {
		v.pubBytes = keys.FromPublicKey(&v.Key.PublicKey)
	}
	return v.pubBytes
}

//PublicKeyHex returns the validator's public key as a hex string
func (v *Validator) PublicKeyHex() string {
	if len(v.pubHex) == 0 {
		v.pubHex = keys.PublicKeyHex(&v.Key.PublicKey)
	}
	return v.pubHex
}
