package wsts

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// polynomial is a secret polynomial over the scalar field. The constant term
// is the participant's contribution to the group secret; the degree is
// threshold-1 so any threshold evaluations reconstruct it.
type polynomial struct {
	coeffs []*secp256k1.ModNScalar
}

func newRandomPolynomial(threshold uint16) (*polynomial, error) {
	coeffs := make([]*secp256k1.ModNScalar, threshold)
	for i := range coeffs {
		scalar, err := randomScalar()
		if err != nil {
			return nil, err
		}
		coeffs[i] = scalar
	}
	return &polynomial{coeffs: coeffs}, nil
}

// evaluate computes f(index) by Horner's rule.
func (p *polynomial) evaluate(index uint32) *secp256k1.ModNScalar {
	x := scalarFromIndex(index)
	out := new(secp256k1.ModNScalar)
	for i := len(p.coeffs) - 1; i >= 0; i-- {
		out.Mul(x)
		out.Add(p.coeffs[i])
	}
	return out
}

// commitments returns the Feldman commitment to every coefficient.
func (p *polynomial) commitments() ([][33]byte, error) {
	out := make([][33]byte, len(p.coeffs))
	for i, coeff := range p.coeffs {
		point, err := serializePoint(scalarBaseMult(coeff))
		if err != nil {
			return nil, err
		}
		out[i] = point
	}
	return out, nil
}

// evaluateCommitments computes f(index)*G from a commitment vector without
// knowing the polynomial: sum_k index^k * A_k, again by Horner's rule.
func evaluateCommitments(commitments [][33]byte, index uint32) (*secp256k1.JacobianPoint, error) {
	if len(commitments) == 0 {
		return nil, fmt.Errorf("empty commitment vector")
	}
	x := scalarFromIndex(index)
	out, err := parsePoint(commitments[len(commitments)-1][:])
	if err != nil {
		return nil, err
	}
	for i := len(commitments) - 2; i >= 0; i-- {
		term, err := parsePoint(commitments[i][:])
		if err != nil {
			return nil, err
		}
		out = addPoints(scalarMult(x, out), term)
	}
	return out, nil
}

// lagrangeCoefficient computes the Lagrange coefficient at zero for index
// within the participant set.
func lagrangeCoefficient(index uint32, set []uint32) (*secp256k1.ModNScalar, error) {
	num := new(secp256k1.ModNScalar).SetInt(1)
	den := new(secp256k1.ModNScalar).SetInt(1)
	for _, j := range set {
		if j == index {
			continue
		}
		num.Mul(scalarFromIndex(j))

		// (j - index) mod n, keeping track of the sign.
		diff := new(secp256k1.ModNScalar)
		if j > index {
			diff.SetInt(j - index)
		} else {
			diff.SetInt(index - j)
			diff.Negate()
		}
		den.Mul(diff)
	}
	if den.IsZero() {
		return nil, fmt.Errorf("duplicate index %d in participant set", index)
	}
	den.InverseNonConst()
	return num.Mul(den), nil
}
