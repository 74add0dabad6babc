package keys

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// PublicKey is a 33 byte compressed secp256k1 public key. It is the identity
// of a signer on the wire and in the database.
type PublicKey [33]byte

// PrivateKey wraps the signer's secp256k1 private key.
type PrivateKey struct {
	inner *btcec.PrivateKey
}

// ParsePublicKey validates and copies a compressed public key.
func ParsePublicKey(raw []byte) (PublicKey, error) {
	var pk PublicKey
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return pk, fmt.Errorf("invalid public key: %w", err)
	}
	copy(pk[:], raw)
	return pk, nil
}

// ParsePublicKeyHex parses a hex encoded compressed public key.
func ParsePublicKeyHex(s string) (PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("invalid public key hex: %w", err)
	}
	return ParsePublicKey(raw)
}

func (pk PublicKey) String() string {
	return hex.EncodeToString(pk[:])
}

// ToBtcec re-parses the key into its btcec form. The key was validated at
// construction so the error path only triggers on a zero value.
func (pk PublicKey) ToBtcec() (*btcec.PublicKey, error) {
	return btcec.ParsePubKey(pk[:])
}

// XOnly returns the 32 byte x-only encoding used in taproot outputs.
func (pk PublicKey) XOnly() [32]byte {
	var out [32]byte
	copy(out[:], pk[1:])
	return out
}

// Less orders public keys lexicographically over their compressed bytes. The
// ordering defines signer ordinal indices and the coordinator election.
func (pk PublicKey) Less(other PublicKey) bool {
	return bytes.Compare(pk[:], other[:]) < 0
}

// SortPublicKeys sorts keys in place into their canonical set order.
func SortPublicKeys(pks []PublicKey) {
	sort.Slice(pks, func(i, j int) bool { return pks[i].Less(pks[j]) })
}

// ParsePrivateKeyHex parses a hex encoded 32 byte private key.
func ParsePrivateKeyHex(s string) (PrivateKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return PrivateKey{}, fmt.Errorf("invalid private key hex: %w", err)
	}
	if len(raw) != 32 {
		return PrivateKey{}, fmt.Errorf("invalid private key length %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	if priv.Key.IsZero() {
		return PrivateKey{}, fmt.Errorf("private key is zero")
	}
	return PrivateKey{inner: priv}, nil
}

// GeneratePrivateKey returns a fresh random private key.
func GeneratePrivateKey() (PrivateKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return PrivateKey{}, fmt.Errorf("fail to generate private key: %w", err)
	}
	return PrivateKey{inner: priv}, nil
}

// PublicKey returns the compressed public key of the private key.
func (sk PrivateKey) PublicKey() PublicKey {
	var pk PublicKey
	copy(pk[:], sk.inner.PubKey().SerializeCompressed())
	return pk
}

// Scalar exposes the private key as a mod-n scalar for threshold arithmetic.
func (sk PrivateKey) Scalar() *secp256k1.ModNScalar {
	s := new(secp256k1.ModNScalar)
	*s = sk.inner.Key
	return s
}

// SignSchnorr produces a BIP340 signature over a 32 byte digest.
func (sk PrivateKey) SignSchnorr(digest []byte) ([]byte, error) {
	sig, err := schnorr.Sign(sk.inner, digest)
	if err != nil {
		return nil, fmt.Errorf("fail to sign: %w", err)
	}
	return sig.Serialize(), nil
}

// VerifySchnorr checks a 64 byte BIP340 signature over digest by the holder
// of pk.
func VerifySchnorr(sigBytes, digest []byte, pk PublicKey) bool {
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pub, err := pk.ToBtcec()
	if err != nil {
		return false
	}
	return sig.Verify(digest, pub)
}

// SharedSecret derives the symmetric key both ends of a signer pair arrive at
// for encrypting DKG shares: SHA-256 of the ECDH x coordinate.
func SharedSecret(sk PrivateKey, pk PublicKey) ([32]byte, error) {
	pub, err := pk.ToBtcec()
	if err != nil {
		return [32]byte{}, err
	}
	secret := secp256k1.GenerateSharedSecret(sk.inner, pub)
	return sha256.Sum256(secret), nil
}
