package wsts

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/stacks-network/sbtc-signer/internal/keys"
)

const bindingTag = "sbtc-signer/frost-binding/v1"

// Nonce is a participant's per round nonce pair. It must never be reused
// across rounds; the round owner discards it on any terminal state.
type Nonce struct {
	hiding  *secp256k1.ModNScalar
	binding *secp256k1.ModNScalar

	HidingCommitment  [33]byte
	BindingCommitment [33]byte
}

// NewNonce samples a fresh nonce pair.
func NewNonce() (*Nonce, error) {
	hiding, err := randomScalar()
	if err != nil {
		return nil, err
	}
	binding, err := randomScalar()
	if err != nil {
		return nil, err
	}
	nonce := &Nonce{hiding: hiding, binding: binding}
	if nonce.HidingCommitment, err = serializePoint(scalarBaseMult(hiding)); err != nil {
		return nil, err
	}
	if nonce.BindingCommitment, err = serializePoint(scalarBaseMult(binding)); err != nil {
		return nil, err
	}
	return nonce, nil
}

// Commitment pairs a signer index with its nonce commitments.
type Commitment struct {
	Index   uint32
	Hiding  [33]byte
	Binding [33]byte
}

// sortCommitments orders the commitment list canonically by index. Both the
// coordinator and every participant hash this exact ordering, so the binding
// values agree.
func sortCommitments(commitments []Commitment) []Commitment {
	out := append([]Commitment(nil), commitments...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func encodeCommitmentList(commitments []Commitment) []byte {
	out := make([]byte, 0, len(commitments)*(4+33+33))
	for _, c := range commitments {
		out = binary.BigEndian.AppendUint32(out, c.Index)
		out = append(out, c.Hiding[:]...)
		out = append(out, c.Binding[:]...)
	}
	return out
}

// bindingValue computes the per signer binding scalar tying the nonce to the
// message and the full commitment list.
func bindingValue(index uint32, digest [32]byte, commitments []Commitment) *secp256k1.ModNScalar {
	var indexBytes [4]byte
	binary.BigEndian.PutUint32(indexBytes[:], index)
	return hashToScalar(bindingTag, indexBytes[:], digest[:], encodeCommitmentList(commitments))
}

// GroupCommitment is the aggregated nonce point for a round, together with
// the parity adjustment every signer must apply.
type GroupCommitment struct {
	point        *secp256k1.JacobianPoint
	NegateNonces bool
	XOnly        [32]byte
	bindings     map[uint32]*secp256k1.ModNScalar
	commitments  []Commitment
}

// ComputeGroupCommitment folds the commitment list into R and the per signer
// binding values.
func ComputeGroupCommitment(commitments []Commitment, digest [32]byte) (*GroupCommitment, error) {
	if len(commitments) == 0 {
		return nil, fmt.Errorf("empty commitment list")
	}
	ordered := sortCommitments(commitments)

	bindings := make(map[uint32]*secp256k1.ModNScalar, len(ordered))
	var group *secp256k1.JacobianPoint
	for _, c := range ordered {
		if _, dup := bindings[c.Index]; dup {
			return nil, fmt.Errorf("duplicate commitment from signer %d", c.Index)
		}
		hiding, err := parsePoint(c.Hiding[:])
		if err != nil {
			return nil, fmt.Errorf("hiding commitment from signer %d: %w", c.Index, err)
		}
		binding, err := parsePoint(c.Binding[:])
		if err != nil {
			return nil, fmt.Errorf("binding commitment from signer %d: %w", c.Index, err)
		}
		rho := bindingValue(c.Index, digest, ordered)
		bindings[c.Index] = rho

		term := addPoints(hiding, scalarMult(rho, binding))
		if group == nil {
			group = term
		} else {
			group = addPoints(group, term)
		}
	}
	if isInfinity(group) {
		return nil, fmt.Errorf("group commitment is the point at infinity")
	}

	gc := &GroupCommitment{
		point:        group,
		NegateNonces: hasOddY(group),
		bindings:     bindings,
		commitments:  ordered,
	}
	xBytes := group.X.Bytes()
	copy(gc.XOnly[:], xBytes[:])
	return gc, nil
}

// Challenge computes the BIP340 challenge scalar for the round.
func (gc *GroupCommitment) Challenge(aggregateKey keys.PublicKey, digest [32]byte) [32]byte {
	keyXOnly := aggregateKey.XOnly()
	hash := chainhash.TaggedHash(chainhash.TagBIP0340Challenge,
		gc.XOnly[:], keyXOnly[:], digest[:])
	var out [32]byte
	copy(out[:], hash[:])
	return out
}

// aggregateKeyHasOddY reports whether the full aggregate point needs the
// secret side negated to sign for its x-only form.
func aggregateKeyHasOddY(aggregateKey keys.PublicKey) bool {
	return aggregateKey[0] == 0x03
}

// Participants lists the signer indices in the commitment list, ascending.
func (gc *GroupCommitment) Participants() []uint32 {
	out := make([]uint32, len(gc.commitments))
	for i, c := range gc.commitments {
		out[i] = c.Index
	}
	return out
}

// SignShare produces this signer's FROST signature share:
//
//	z_i = d_i + rho_i*e_i + lambda_i*x_i*c
//
// with d, e negated when the group commitment has odd y, and x negated when
// the aggregate key has odd y, per BIP340.
func SignShare(share *SignerShare, nonce *Nonce, gc *GroupCommitment, challenge [32]byte) ([32]byte, error) {
	rho, ok := gc.bindings[share.Index]
	if !ok {
		return [32]byte{}, fmt.Errorf("signer %d not in the commitment list", share.Index)
	}
	lambda, err := lagrangeCoefficient(share.Index, gc.Participants())
	if err != nil {
		return [32]byte{}, err
	}

	c := new(secp256k1.ModNScalar)
	c.SetByteSlice(challenge[:])

	hiding := new(secp256k1.ModNScalar)
	*hiding = *nonce.hiding
	binding := new(secp256k1.ModNScalar)
	*binding = *nonce.binding
	if gc.NegateNonces {
		hiding.Negate()
		binding.Negate()
	}

	secret := new(secp256k1.ModNScalar)
	*secret = *share.SecretShare
	if aggregateKeyHasOddY(share.AggregateKey) {
		secret.Negate()
	}

	z := new(secp256k1.ModNScalar)
	z.Add(hiding)
	z.Add(binding.Mul(rho))
	z.Add(secret.Mul(lambda).Mul(c))
	return z.Bytes(), nil
}

// VerifyShare checks one signer's share against its nonce commitments and
// public share: z_i*G == R_i' + c*lambda_i*Y_i'.
func VerifyShare(share [32]byte, index uint32, publicShare [33]byte, gc *GroupCommitment, aggregateKey keys.PublicKey, challenge [32]byte) error {
	z := new(secp256k1.ModNScalar)
	var zBytes [32]byte
	copy(zBytes[:], share[:])
	if overflow := z.SetBytes(&zBytes); overflow != 0 {
		return fmt.Errorf("signature share overflows the scalar field")
	}

	var commitment *Commitment
	for i := range gc.commitments {
		if gc.commitments[i].Index == index {
			commitment = &gc.commitments[i]
			break
		}
	}
	if commitment == nil {
		return fmt.Errorf("signer %d not in the commitment list", index)
	}

	hiding, err := parsePoint(commitment.Hiding[:])
	if err != nil {
		return err
	}
	binding, err := parsePoint(commitment.Binding[:])
	if err != nil {
		return err
	}
	noncePoint := addPoints(hiding, scalarMult(gc.bindings[index], binding))
	if gc.NegateNonces {
		noncePoint = negatePoint(noncePoint)
	}

	public, err := parsePoint(publicShare[:])
	if err != nil {
		return err
	}
	if aggregateKeyHasOddY(aggregateKey) {
		public = negatePoint(public)
	}

	lambda, err := lagrangeCoefficient(index, gc.Participants())
	if err != nil {
		return err
	}
	c := new(secp256k1.ModNScalar)
	c.SetByteSlice(challenge[:])

	expected := addPoints(noncePoint, scalarMult(new(secp256k1.ModNScalar).Mul2(lambda, c), public))
	actual := scalarBaseMult(z)

	expectedBytes, err := serializePoint(expected)
	if err != nil {
		return err
	}
	actualBytes, err := serializePoint(actual)
	if err != nil {
		return err
	}
	if expectedBytes != actualBytes {
		return fmt.Errorf("signature share from signer %d does not verify", index)
	}
	return nil
}

// AggregateShares sums the shares into a final 64 byte BIP340 signature and
// verifies it against the aggregate key before returning it.
func AggregateShares(shares map[uint32][32]byte, gc *GroupCommitment, aggregateKey keys.PublicKey, digest [32]byte) ([64]byte, error) {
	var out [64]byte
	z := new(secp256k1.ModNScalar)
	for index, share := range shares {
		term := new(secp256k1.ModNScalar)
		var raw [32]byte
		copy(raw[:], share[:])
		if overflow := term.SetBytes(&raw); overflow != 0 {
			return out, fmt.Errorf("share from signer %d overflows the scalar field", index)
		}
		z.Add(term)
	}

	copy(out[:32], gc.XOnly[:])
	zBytes := z.Bytes()
	copy(out[32:], zBytes[:])

	if !VerifySignature(out, aggregateKey, digest) {
		return out, fmt.Errorf("aggregated signature does not verify against the aggregate key")
	}
	return out, nil
}

// VerifySignature checks a 64 byte BIP340 signature under the x-only form of
// the aggregate key.
func VerifySignature(sig [64]byte, aggregateKey keys.PublicKey, digest [32]byte) bool {
	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	xonly := aggregateKey.XOnly()
	pub, err := schnorr.ParsePubKey(xonly[:])
	if err != nil {
		return false
	}
	return parsed.Verify(digest[:], pub)
}
