package witness

import (
	"github.com/obelisknetworks/mainstay/src/common"
	"github.com/obelisknetworks/mainstay/src/keys"
)

// Witness is a distinguished validator identified by its author address. The
// public key is carried along so that signatures on a witness's units can be
// verified without a separate registry.
type Witness struct {
	Address   string
	PubKeyHex string
	Moniker   string
}

// NewWitness derives a Witness from a public key hex string.
func NewWitness(pubKeyHex, moniker string) *Witness {
	w := &Witness{
		PubKeyHex: pubKeyHex,
		Moniker:   moniker,
	}
	w.computeAddress()
	return w
}

func (w *Witness) computeAddress() {
	pub, err := common.DecodeFromString(w.PubKeyHex)
	if err != nil {
		return
	}
	w.Address = keys.AddressFromPubKeyBytes(pub)
}
