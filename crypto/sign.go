package crypto

import (
	"errors"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a recoverable secp256k1 signature.
const SignatureLength = crypto.SignatureLength

var (
	errSignatureLength = errors.New("crypto: signature must be 65 bytes long")
	errSignatureValues = errors.New("crypto: non-canonical signature values")
)

// RequestDigest binds a signed API request to its method, path, timestamp and
// body.
func RequestDigest(method, path string, timestamp int64, body []byte) []byte {
	return crypto.Keccak256(
		[]byte(method),
		[]byte(path),
		[]byte(strconv.FormatInt(timestamp, 10)),
		body,
	)
}

// Sign produces a 65-byte recoverable signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	return crypto.Sign(digest, k.PrivateKey)
}

// RecoverAddress returns the address whose key produced sig over digest.
// Only the low-s form of a signature is accepted, so each signed payload has
// exactly one valid encoding.
func RecoverAddress(digest, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return Address{}, errSignatureLength
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return Address{}, errSignatureValues
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return Address{}, err
	}
	return (&PublicKey{pub}).Address(), nil
}
