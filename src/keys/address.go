package keys

import (
	"crypto/ecdsa"
	"crypto/sha256"

	"github.com/obelisknetworks/mainstay/src/common"
)

// AddressLength is the number of bytes in an author address.
const AddressLength = 20

// Address derives an author address from a public key: the first 20 bytes of
// the SHA256 hash of the uncompressed public key, rendered with the 0X-prefix
// hex convention used everywhere else.
func Address(pub *ecdsa.PublicKey) string {
	return AddressFromPubKeyBytes(FromPublicKey(pub))
}

// AddressFromPubKeyBytes derives an address from the uncompressed form of a
// public key.
func AddressFromPubKeyBytes(pub []byte) string {
	h := sha256.Sum256(pub)
	return common.EncodeToString(h[:AddressLength])
}
