package wire

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacks-network/sbtc-signer/internal/keys"
)

func testKey(t *testing.T) keys.PrivateKey {
	t.Helper()
	sk, err := keys.GeneratePrivateKey()
	require.NoError(t, err)
	return sk
}

func hashFromByte(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	sk := testKey(t)
	peer := testKey(t).PublicKey()

	payloads := []Payload{
		&SignerDepositDecision{Txid: hashFromByte(1), OutputIndex: 3, CanAccept: true, CanSign: false},
		&SignerWithdrawalDecision{RequestID: 7, StacksBlockID: [32]byte{9}, StacksTxid: [32]byte{8}, Accepted: true},
		&StacksTransactionSignature{TxHash: [32]byte{4}, Signature: [64]byte{5}},
		&BitcoinPreSignRequest{
			AnchorBlockHash: hashFromByte(2),
			AggregateKey:    peer,
			TxBytes:         []byte{0xde, 0xad},
			Deposits:        []DepositRef{{Txid: hashFromByte(3), OutputIndex: 1}},
			Withdrawals:     []uint64{11, 12},
			Fee:             321,
		},
		&BitcoinPreSignAck{RequestDigest: [32]byte{6}},
		&StacksTransactionSignRequest{
			AnchorBlockHash: hashFromByte(4),
			AggregateKey:    peer,
			ContractCall:    []byte{1, 2, 3},
			TxHash:          [32]byte{7},
			Nonce:           2,
			Fee:             10,
		},
		&DkgBegin{Epoch: 1, Threshold: 2, Participants: []keys.PublicKey{peer}},
		&DkgCommitments{Epoch: 1, SignerIndex: 2, Commitments: [][]byte{peer[:]}},
		&DkgShare{Epoch: 1, FromIndex: 1, ToIndex: 2, Ciphertext: []byte{9, 9}},
		&DkgAck{Epoch: 1, CommitmentDigest: [32]byte{3}, AggregateKey: peer},
		&NonceRequest{RoundID: [32]byte{1}, Digest: [32]byte{2}, AggregateKey: peer, AnchorBlockHash: hashFromByte(5), SignerBitmap: 0b111},
		&NonceCommitment{RoundID: [32]byte{1}, SignerIndex: 2, HidingNonce: [33]byte{2}, BindingNonce: [33]byte{3}},
		&SignatureRequest{
			RoundID:     [32]byte{1},
			Digest:      [32]byte{2},
			Commitments: []CommitmentRef{{SignerIndex: 1, HidingNonce: [33]byte{2}, BindingNonce: [33]byte{3}}},
			Challenge:   [32]byte{4},
		},
		&SignatureShare{RoundID: [32]byte{1}, SignerIndex: 3, Share: [32]byte{5}},
	}

	for _, payload := range payloads {
		msg, err := NewSignedMessage(payload, sk)
		require.NoError(t, err)
		require.True(t, msg.Verify())

		decoded, err := Decode(msg.Encode())
		require.NoError(t, err, "kind %#02x", byte(payload.Kind()))
		assert.True(t, decoded.Verify())
		assert.Equal(t, msg.Sender, decoded.Sender)
		assert.Equal(t, payload, decoded.Payload, "kind %#02x", byte(payload.Kind()))
		assert.Equal(t, msg.ID(), decoded.ID())
	}
}

func TestEncodingIsDeterministic(t *testing.T) {
	sk := testKey(t)
	decision := &SignerDepositDecision{Txid: hashFromByte(1), OutputIndex: 2, CanAccept: true, CanSign: true}

	first, err := NewSignedMessage(decision, sk)
	require.NoError(t, err)
	second, err := NewSignedMessage(decision, sk)
	require.NoError(t, err)

	// Schnorr signatures over the same digest may differ, but the
	// message id excludes the signature: retries dedupe.
	assert.Equal(t, EncodePayload(first.Payload), EncodePayload(second.Payload))
	assert.Equal(t, first.ID(), second.ID())
}

func TestTamperedPayloadFailsVerification(t *testing.T) {
	sk := testKey(t)
	msg, err := NewSignedMessage(&BitcoinPreSignAck{RequestDigest: [32]byte{1}}, sk)
	require.NoError(t, err)

	raw := msg.Encode()
	// Flip a payload byte inside the frame.
	raw[len(raw)-65] ^= 0xff
	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.False(t, decoded.Verify())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0, 0})
	assert.Error(t, err)

	_, err = Decode([]byte{0, 0, 0, 2, 0xff, 0xff})
	assert.Error(t, err)

	sk := testKey(t)
	msg, err := NewSignedMessage(&BitcoinPreSignAck{RequestDigest: [32]byte{1}}, sk)
	require.NoError(t, err)
	raw := msg.Encode()

	// Truncated frames are rejected, not mis-parsed.
	_, err = Decode(raw[:len(raw)-3])
	assert.Error(t, err)

	// An unknown kind byte is rejected.
	raw[4] = 0x7f
	_, err = Decode(raw)
	assert.ErrorContains(t, err, "unknown message kind")
}
