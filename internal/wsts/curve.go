// Package wsts implements the threshold cryptography the signer set runs:
// Feldman style distributed key generation and FROST two round Schnorr
// signing over secp256k1, producing BIP340 signatures under the group's
// aggregate key.
package wsts

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// scalarBaseMult returns k*G in affine coordinates.
func scalarBaseMult(k *secp256k1.ModNScalar) *secp256k1.JacobianPoint {
	var p secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k, &p)
	p.ToAffine()
	return &p
}

// scalarMult returns k*P in affine coordinates.
func scalarMult(k *secp256k1.ModNScalar, p *secp256k1.JacobianPoint) *secp256k1.JacobianPoint {
	var out secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(k, p, &out)
	out.ToAffine()
	return &out
}

// addPoints returns a+b in affine coordinates.
func addPoints(a, b *secp256k1.JacobianPoint) *secp256k1.JacobianPoint {
	var out secp256k1.JacobianPoint
	secp256k1.AddNonConst(a, b, &out)
	out.ToAffine()
	return &out
}

// negatePoint returns -p.
func negatePoint(p *secp256k1.JacobianPoint) *secp256k1.JacobianPoint {
	out := *p
	out.Y.Negate(1)
	out.Y.Normalize()
	return &out
}

func isInfinity(p *secp256k1.JacobianPoint) bool {
	return (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero()
}

// serializePoint encodes an affine point in 33 byte compressed form.
func serializePoint(p *secp256k1.JacobianPoint) ([33]byte, error) {
	var out [33]byte
	if isInfinity(p) {
		return out, fmt.Errorf("cannot serialize the point at infinity")
	}
	pub := secp256k1.NewPublicKey(&p.X, &p.Y)
	copy(out[:], pub.SerializeCompressed())
	return out, nil
}

// parsePoint decodes a 33 byte compressed point into jacobian form.
func parsePoint(raw []byte) (*secp256k1.JacobianPoint, error) {
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid curve point: %w", err)
	}
	var p secp256k1.JacobianPoint
	pub.AsJacobian(&p)
	p.ToAffine()
	return &p, nil
}

// hasOddY reports whether an affine point has an odd y coordinate.
func hasOddY(p *secp256k1.JacobianPoint) bool {
	y := p.Y
	return y.Normalize().IsOdd()
}

// hashToScalar maps tagged data onto a non-zero scalar.
func hashToScalar(tag string, chunks ...[]byte) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write([]byte(tag))
	for _, chunk := range chunks {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(chunk)))
		h.Write(n[:])
		h.Write(chunk)
	}
	digest := h.Sum(nil)

	s := new(secp256k1.ModNScalar)
	s.SetByteSlice(digest)
	if s.IsZero() {
		// Astronomically unlikely; domain separate and rehash.
		return hashToScalar(tag+"/retry", chunks...)
	}
	return s
}

// randomScalar samples a uniformly random non-zero scalar.
func randomScalar() (*secp256k1.ModNScalar, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("fail to sample scalar: %w", err)
	}
	s := new(secp256k1.ModNScalar)
	*s = priv.Key
	return s, nil
}

// scalarFromIndex lifts a 1-based signer index onto the scalar field.
func scalarFromIndex(index uint32) *secp256k1.ModNScalar {
	s := new(secp256k1.ModNScalar)
	s.SetInt(index)
	return s
}
