package wsts

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/stacks-network/sbtc-signer/internal/keys"
)

// DkgParticipant holds one signer's cryptographic state while a DKG epoch is
// in flight. The networking around it lives in the dkg package; this type is
// pure math and fully deterministic given its inputs.
type DkgParticipant struct {
	Index     uint32
	Threshold uint16
	SetSize   int

	poly        *polynomial
	commitments map[uint32][][33]byte
	shares      map[uint32]*secp256k1.ModNScalar
}

// NewDkgParticipant samples a fresh secret polynomial for a signer with a
// 1-based index in a set of setSize signers.
func NewDkgParticipant(index uint32, setSize int, threshold uint16) (*DkgParticipant, error) {
	if index == 0 || int(index) > setSize {
		return nil, fmt.Errorf("signer index %d outside set of %d", index, setSize)
	}
	if threshold == 0 || int(threshold) > setSize {
		return nil, fmt.Errorf("threshold %d outside set of %d", threshold, setSize)
	}
	poly, err := newRandomPolynomial(threshold)
	if err != nil {
		return nil, err
	}
	participant := &DkgParticipant{
		Index:       index,
		Threshold:   threshold,
		SetSize:     setSize,
		poly:        poly,
		commitments: make(map[uint32][][33]byte),
		shares:      make(map[uint32]*secp256k1.ModNScalar),
	}
	// Our own broadcast is handled like everyone else's.
	commitments, err := poly.commitments()
	if err != nil {
		return nil, err
	}
	participant.commitments[index] = commitments
	participant.shares[index] = poly.evaluate(index)
	return participant, nil
}

// Commitments returns this participant's broadcast commitment vector.
func (d *DkgParticipant) Commitments() [][33]byte {
	return d.commitments[d.Index]
}

// ShareFor evaluates the secret polynomial at another participant's index.
// The result is encrypted to that participant before it leaves the process.
func (d *DkgParticipant) ShareFor(index uint32) [32]byte {
	return d.poly.evaluate(index).Bytes()
}

// AddCommitments stores a peer's commitment vector.
func (d *DkgParticipant) AddCommitments(from uint32, commitments [][]byte) error {
	if from == 0 || int(from) > d.SetSize {
		return fmt.Errorf("commitments from unknown index %d", from)
	}
	if len(commitments) != int(d.Threshold) {
		return fmt.Errorf("expected %d commitments, got %d", d.Threshold, len(commitments))
	}
	if _, seen := d.commitments[from]; seen {
		return nil
	}
	stored := make([][33]byte, len(commitments))
	for i, c := range commitments {
		if _, err := parsePoint(c); err != nil {
			return fmt.Errorf("commitment %d from signer %d: %w", i, from, err)
		}
		copy(stored[i][:], c)
	}
	d.commitments[from] = stored
	return nil
}

// AddShare verifies a decrypted share against the sender's commitments and
// stores it. A share that does not match the commitments is rejected, which
// is what makes the distribution verifiable.
func (d *DkgParticipant) AddShare(from uint32, share [32]byte) error {
	commitments, ok := d.commitments[from]
	if !ok {
		return fmt.Errorf("no commitments from signer %d yet", from)
	}

	s := new(secp256k1.ModNScalar)
	if overflow := s.SetBytes(&share); overflow != 0 {
		return fmt.Errorf("share from signer %d overflows the scalar field", from)
	}

	expected, err := evaluateCommitments(commitments, d.Index)
	if err != nil {
		return err
	}
	actual := scalarBaseMult(s)
	expectedBytes, err := serializePoint(expected)
	if err != nil {
		return err
	}
	actualBytes, err := serializePoint(actual)
	if err != nil {
		return err
	}
	if expectedBytes != actualBytes {
		return fmt.Errorf("share from signer %d does not match its commitments", from)
	}
	d.shares[from] = s
	return nil
}

// HaveAllShares reports whether every participant's commitments and share
// have arrived.
func (d *DkgParticipant) HaveAllShares() bool {
	return len(d.commitments) == d.SetSize && len(d.shares) == d.SetSize
}

// CommitmentDigest hashes the full commitment set in index order. Success
// acks are keyed by this digest so only signers with an identical view of
// the epoch count toward the threshold.
func (d *DkgParticipant) CommitmentDigest() ([32]byte, error) {
	if len(d.commitments) != d.SetSize {
		return [32]byte{}, fmt.Errorf("commitment set incomplete: %d of %d", len(d.commitments), d.SetSize)
	}
	indices := make([]uint32, 0, d.SetSize)
	for index := range d.commitments {
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	h := sha256.New()
	for _, index := range indices {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], index)
		h.Write(n[:])
		for _, commitment := range d.commitments[index] {
			h.Write(commitment[:])
		}
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// GroupKey computes the aggregate key from the commitment constant terms.
func (d *DkgParticipant) GroupKey() (keys.PublicKey, error) {
	if len(d.commitments) != d.SetSize {
		return keys.PublicKey{}, fmt.Errorf("commitment set incomplete")
	}
	var group *secp256k1.JacobianPoint
	for index := uint32(1); index <= uint32(d.SetSize); index++ {
		commitments, ok := d.commitments[index]
		if !ok {
			return keys.PublicKey{}, fmt.Errorf("missing commitments from signer %d", index)
		}
		term, err := parsePoint(commitments[0][:])
		if err != nil {
			return keys.PublicKey{}, err
		}
		if group == nil {
			group = term
		} else {
			group = addPoints(group, term)
		}
	}
	raw, err := serializePoint(group)
	if err != nil {
		return keys.PublicKey{}, err
	}
	return keys.ParsePublicKey(raw[:])
}

// Finalize produces the signer's durable share once every commitment and
// share has been verified.
func (d *DkgParticipant) Finalize() (*SignerShare, error) {
	if !d.HaveAllShares() {
		return nil, fmt.Errorf("dkg incomplete: %d commitments, %d shares of %d",
			len(d.commitments), len(d.shares), d.SetSize)
	}

	secret := new(secp256k1.ModNScalar)
	for _, share := range d.shares {
		secret.Add(share)
	}

	groupKey, err := d.GroupKey()
	if err != nil {
		return nil, err
	}

	// Everyone's public share is derivable from the commitments, and the
	// aggregator needs them to verify signature shares.
	publicShares := make(map[uint32][33]byte, d.SetSize)
	for index := uint32(1); index <= uint32(d.SetSize); index++ {
		var sum *secp256k1.JacobianPoint
		for from := uint32(1); from <= uint32(d.SetSize); from++ {
			point, err := evaluateCommitments(d.commitments[from], index)
			if err != nil {
				return nil, err
			}
			if sum == nil {
				sum = point
			} else {
				sum = addPoints(sum, point)
			}
		}
		raw, err := serializePoint(sum)
		if err != nil {
			return nil, err
		}
		publicShares[index] = raw
	}

	return &SignerShare{
		Index:        d.Index,
		Threshold:    d.Threshold,
		SetSize:      d.SetSize,
		SecretShare:  secret,
		AggregateKey: groupKey,
		PublicShares: publicShares,
	}, nil
}

// SignerShare is the durable private output of a DKG epoch.
type SignerShare struct {
	Index        uint32
	Threshold    uint16
	SetSize      int
	SecretShare  *secp256k1.ModNScalar
	AggregateKey keys.PublicKey
	PublicShares map[uint32][33]byte
}

// Marshal serializes the share for encryption at rest.
func (s *SignerShare) Marshal() []byte {
	var buf bytes.Buffer
	buf.Write(binary.BigEndian.AppendUint32(nil, s.Index))
	buf.Write(binary.BigEndian.AppendUint16(nil, s.Threshold))
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(s.SetSize)))
	secret := s.SecretShare.Bytes()
	buf.Write(secret[:])
	buf.Write(s.AggregateKey[:])
	for index := uint32(1); index <= uint32(s.SetSize); index++ {
		share := s.PublicShares[index]
		buf.Write(share[:])
	}
	return buf.Bytes()
}

// UnmarshalSignerShare parses a serialized share.
func UnmarshalSignerShare(raw []byte) (*SignerShare, error) {
	const header = 4 + 2 + 4 + 32 + 33
	if len(raw) < header {
		return nil, fmt.Errorf("signer share too short: %d bytes", len(raw))
	}
	share := &SignerShare{
		Index:     binary.BigEndian.Uint32(raw[0:4]),
		Threshold: binary.BigEndian.Uint16(raw[4:6]),
		SetSize:   int(binary.BigEndian.Uint32(raw[6:10])),
	}
	var secret [32]byte
	copy(secret[:], raw[10:42])
	share.SecretShare = new(secp256k1.ModNScalar)
	if overflow := share.SecretShare.SetBytes(&secret); overflow != 0 {
		return nil, fmt.Errorf("secret share overflows the scalar field")
	}
	var err error
	if share.AggregateKey, err = keys.ParsePublicKey(raw[42:75]); err != nil {
		return nil, err
	}
	rest := raw[75:]
	if len(rest) != share.SetSize*33 {
		return nil, fmt.Errorf("unexpected public share section length %d", len(rest))
	}
	share.PublicShares = make(map[uint32][33]byte, share.SetSize)
	for i := 0; i < share.SetSize; i++ {
		var point [33]byte
		copy(point[:], rest[i*33:(i+1)*33])
		if _, err := parsePoint(point[:]); err != nil {
			return nil, err
		}
		share.PublicShares[uint32(i+1)] = point
	}
	return share, nil
}
