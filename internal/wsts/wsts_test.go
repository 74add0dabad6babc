package wsts

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runDkg wires a full epoch between in process participants and returns
// everyone's finalized share.
func runDkg(t *testing.T, setSize int, threshold uint16) []*SignerShare {
	t.Helper()

	participants := make([]*DkgParticipant, setSize)
	for i := range participants {
		p, err := NewDkgParticipant(uint32(i+1), setSize, threshold)
		require.NoError(t, err)
		participants[i] = p
	}

	for _, from := range participants {
		commitments := from.Commitments()
		raw := make([][]byte, len(commitments))
		for i := range commitments {
			raw[i] = commitments[i][:]
		}
		for _, to := range participants {
			if to.Index == from.Index {
				continue
			}
			require.NoError(t, to.AddCommitments(from.Index, raw))
			require.NoError(t, to.AddShare(from.Index, from.ShareFor(to.Index)))
		}
	}

	shares := make([]*SignerShare, setSize)
	for i, p := range participants {
		require.True(t, p.HaveAllShares())
		share, err := p.Finalize()
		require.NoError(t, err)
		shares[i] = share
	}
	return shares
}

// signWith runs a two round FROST signing between the given shares.
func signWith(t *testing.T, shares []*SignerShare, digest [32]byte) [64]byte {
	t.Helper()

	nonces := make(map[uint32]*Nonce, len(shares))
	commitments := make([]Commitment, 0, len(shares))
	for _, share := range shares {
		nonce, err := NewNonce()
		require.NoError(t, err)
		nonces[share.Index] = nonce
		commitments = append(commitments, Commitment{
			Index:   share.Index,
			Hiding:  nonce.HidingCommitment,
			Binding: nonce.BindingCommitment,
		})
	}

	group, err := ComputeGroupCommitment(commitments, digest)
	require.NoError(t, err)
	challenge := group.Challenge(shares[0].AggregateKey, digest)

	collected := make(map[uint32][32]byte, len(shares))
	for _, share := range shares {
		z, err := SignShare(share, nonces[share.Index], group, challenge)
		require.NoError(t, err)
		require.NoError(t, VerifyShare(z, share.Index, share.PublicShares[share.Index],
			group, share.AggregateKey, challenge))
		collected[share.Index] = z
	}

	sig, err := AggregateShares(collected, group, shares[0].AggregateKey, digest)
	require.NoError(t, err)
	return sig
}

func TestDkgProducesOneAggregateKey(t *testing.T) {
	shares := runDkg(t, 3, 2)
	assert.Equal(t, shares[0].AggregateKey, shares[1].AggregateKey)
	assert.Equal(t, shares[1].AggregateKey, shares[2].AggregateKey)

	// Everyone derives the same public share for each participant.
	for index := uint32(1); index <= 3; index++ {
		assert.Equal(t, shares[0].PublicShares[index], shares[1].PublicShares[index])
		assert.Equal(t, shares[1].PublicShares[index], shares[2].PublicShares[index])
	}
}

func TestThresholdSigningVerifiesAsBip340(t *testing.T) {
	shares := runDkg(t, 3, 2)
	digest := sha256.Sum256([]byte("a bitcoin sighash stands here"))

	// Any two of three can sign.
	sig := signWith(t, shares[:2], digest)
	assert.True(t, VerifySignature(sig, shares[0].AggregateKey, digest))

	sig = signWith(t, []*SignerShare{shares[1], shares[2]}, digest)
	assert.True(t, VerifySignature(sig, shares[0].AggregateKey, digest))

	// All three together work too.
	sig = signWith(t, shares, digest)
	assert.True(t, VerifySignature(sig, shares[0].AggregateKey, digest))
}

func TestSignatureDoesNotVerifyForOtherDigest(t *testing.T) {
	shares := runDkg(t, 3, 2)
	digest := sha256.Sum256([]byte("the signed payload"))
	other := sha256.Sum256([]byte("a different payload"))

	sig := signWith(t, shares[:2], digest)
	assert.True(t, VerifySignature(sig, shares[0].AggregateKey, digest))
	assert.False(t, VerifySignature(sig, shares[0].AggregateKey, other))
}

func TestShareVerificationRejectsTamperedShare(t *testing.T) {
	shares := runDkg(t, 3, 2)
	digest := sha256.Sum256([]byte("payload"))

	nonceA, err := NewNonce()
	require.NoError(t, err)
	nonceB, err := NewNonce()
	require.NoError(t, err)
	commitments := []Commitment{
		{Index: 1, Hiding: nonceA.HidingCommitment, Binding: nonceA.BindingCommitment},
		{Index: 2, Hiding: nonceB.HidingCommitment, Binding: nonceB.BindingCommitment},
	}
	group, err := ComputeGroupCommitment(commitments, digest)
	require.NoError(t, err)
	challenge := group.Challenge(shares[0].AggregateKey, digest)

	z, err := SignShare(shares[0], nonceA, group, challenge)
	require.NoError(t, err)
	z[31] ^= 0x01
	err = VerifyShare(z, 1, shares[0].PublicShares[1], group, shares[0].AggregateKey, challenge)
	assert.Error(t, err)
}

func TestDkgRejectsShareNotMatchingCommitments(t *testing.T) {
	a, err := NewDkgParticipant(1, 2, 2)
	require.NoError(t, err)
	b, err := NewDkgParticipant(2, 2, 2)
	require.NoError(t, err)

	commitments := b.Commitments()
	raw := make([][]byte, len(commitments))
	for i := range commitments {
		raw[i] = commitments[i][:]
	}
	require.NoError(t, a.AddCommitments(2, raw))

	// A share for the wrong index does not match the commitments.
	wrong := b.ShareFor(2)
	err = a.AddShare(2, wrong)
	assert.ErrorContains(t, err, "does not match")

	require.NoError(t, a.AddShare(2, b.ShareFor(1)))
}

func TestSignerShareSerializationRoundTrip(t *testing.T) {
	shares := runDkg(t, 3, 2)

	raw := shares[1].Marshal()
	parsed, err := UnmarshalSignerShare(raw)
	require.NoError(t, err)

	assert.Equal(t, shares[1].Index, parsed.Index)
	assert.Equal(t, shares[1].Threshold, parsed.Threshold)
	assert.Equal(t, shares[1].SetSize, parsed.SetSize)
	assert.Equal(t, shares[1].AggregateKey, parsed.AggregateKey)
	assert.Equal(t, shares[1].PublicShares, parsed.PublicShares)
	assert.True(t, shares[1].SecretShare.Equals(parsed.SecretShare))

	// The reconstructed share still signs.
	digest := sha256.Sum256([]byte("after a restart"))
	sig := signWith(t, []*SignerShare{shares[0], parsed}, digest)
	assert.True(t, VerifySignature(sig, shares[0].AggregateKey, digest))
}

func TestLagrangeInterpolationAtZero(t *testing.T) {
	// With indices {1,2}: lambda_1 = 2, lambda_2 = -1.
	l1, err := lagrangeCoefficient(1, []uint32{1, 2})
	require.NoError(t, err)
	l2, err := lagrangeCoefficient(2, []uint32{1, 2})
	require.NoError(t, err)

	two := scalarFromIndex(2)
	assert.True(t, l1.Equals(two))

	minusOne := scalarFromIndex(1)
	minusOne.Negate()
	assert.True(t, l2.Equals(minusOne))
}
