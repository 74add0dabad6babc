// Package wire defines the inter-signer message envelope and its binary
// encoding. Every message is (sender public key, payload, signature) where the
// signature is secp256k1-Schnorr over SHA-256(topic tag || payload bytes).
// Encoding is deterministic: the same payload always serializes to the same
// bytes, so retried decisions are byte identical on the wire.
package wire

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/stacks-network/sbtc-signer/internal/keys"
)

// Kind tags a payload type on the wire.
type Kind byte

const (
	KindSignerDepositDecision        Kind = 0x01
	KindSignerWithdrawalDecision     Kind = 0x02
	KindStacksTransactionSignature   Kind = 0x03
	KindBitcoinPreSignRequest        Kind = 0x04
	KindBitcoinPreSignAck            Kind = 0x05
	KindStacksTransactionSignRequest Kind = 0x06

	KindDkgBegin       Kind = 0x10
	KindDkgCommitments Kind = 0x11
	KindDkgShare       Kind = 0x12
	KindDkgAck         Kind = 0x13

	KindNonceRequest     Kind = 0x20
	KindNonceCommitment  Kind = 0x21
	KindSignatureRequest Kind = 0x22
	KindSignatureShare   Kind = 0x23
)

// topicTag returns the domain separation string mixed into the signed digest
// for a payload kind.
func topicTag(kind Kind) []byte {
	return []byte(fmt.Sprintf("sbtc-signer/v1/%#02x", byte(kind)))
}

// Payload is one typed inter-signer message body.
type Payload interface {
	Kind() Kind
	encode(w *writer)
	decode(r *reader) error
}

// Message is a signed payload as sent over the gossip bus.
type Message struct {
	Sender    keys.PublicKey
	Payload   Payload
	Signature [64]byte
}

// SignedDigest is the digest the envelope signature commits to.
func SignedDigest(p Payload) [32]byte {
	h := sha256.New()
	h.Write(topicTag(p.Kind()))
	h.Write(EncodePayload(p))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewSignedMessage signs a payload with the sender's key.
func NewSignedMessage(p Payload, sk keys.PrivateKey) (*Message, error) {
	digest := SignedDigest(p)
	sig, err := sk.SignSchnorr(digest[:])
	if err != nil {
		return nil, fmt.Errorf("fail to sign message: %w", err)
	}
	msg := &Message{Sender: sk.PublicKey(), Payload: p}
	copy(msg.Signature[:], sig)
	return msg, nil
}

// Verify checks the envelope signature against the sender key.
func (m *Message) Verify() bool {
	digest := SignedDigest(m.Payload)
	return keys.VerifySchnorr(m.Signature[:], digest[:], m.Sender)
}

// ID identifies a message for duplicate suppression: SHA-256 of the canonical
// encoding minus the signature, so a re-signed identical decision still
// dedupes.
func (m *Message) ID() [32]byte {
	h := sha256.New()
	h.Write(m.Sender[:])
	h.Write([]byte{byte(m.Payload.Kind())})
	h.Write(EncodePayload(m.Payload))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// EncodePayload serializes a payload body deterministically.
func EncodePayload(p Payload) []byte {
	w := &writer{}
	p.encode(w)
	return w.buf.Bytes()
}

// Encode frames a message: u32 total length, kind, sender, u32 payload
// length, payload, signature.
func (m *Message) Encode() []byte {
	payload := EncodePayload(m.Payload)
	body := make([]byte, 0, 1+33+4+len(payload)+64)
	body = append(body, byte(m.Payload.Kind()))
	body = append(body, m.Sender[:]...)
	body = binary.BigEndian.AppendUint32(body, uint32(len(payload)))
	body = append(body, payload...)
	body = append(body, m.Signature[:]...)

	out := binary.BigEndian.AppendUint32(nil, uint32(len(body)))
	return append(out, body...)
}

// Decode parses a framed message and validates its structure. It does not
// verify the signature; consumers do that before acting on the payload.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("short frame: %d bytes", len(raw))
	}
	n := binary.BigEndian.Uint32(raw)
	body := raw[4:]
	if uint32(len(body)) != n {
		return nil, fmt.Errorf("frame length mismatch: header %d, body %d", n, len(body))
	}
	if len(body) < 1+33+4+64 {
		return nil, fmt.Errorf("truncated message: %d bytes", len(body))
	}

	kind := Kind(body[0])
	payload, err := newPayload(kind)
	if err != nil {
		return nil, err
	}

	msg := &Message{Payload: payload}
	sender, err := keys.ParsePublicKey(body[1:34])
	if err != nil {
		return nil, fmt.Errorf("invalid sender key: %w", err)
	}
	msg.Sender = sender

	payloadLen := binary.BigEndian.Uint32(body[34:38])
	rest := body[38:]
	if uint32(len(rest)) != payloadLen+64 {
		return nil, fmt.Errorf("payload length mismatch")
	}
	r := &reader{buf: bytes.NewReader(rest[:payloadLen])}
	if err := payload.decode(r); err != nil {
		return nil, fmt.Errorf("fail to decode %#02x payload: %w", byte(kind), err)
	}
	if r.buf.Len() != 0 {
		return nil, fmt.Errorf("trailing bytes in %#02x payload", byte(kind))
	}
	copy(msg.Signature[:], rest[payloadLen:])
	return msg, nil
}

func newPayload(kind Kind) (Payload, error) {
	switch kind {
	case KindSignerDepositDecision:
		return &SignerDepositDecision{}, nil
	case KindSignerWithdrawalDecision:
		return &SignerWithdrawalDecision{}, nil
	case KindStacksTransactionSignature:
		return &StacksTransactionSignature{}, nil
	case KindBitcoinPreSignRequest:
		return &BitcoinPreSignRequest{}, nil
	case KindBitcoinPreSignAck:
		return &BitcoinPreSignAck{}, nil
	case KindStacksTransactionSignRequest:
		return &StacksTransactionSignRequest{}, nil
	case KindDkgBegin:
		return &DkgBegin{}, nil
	case KindDkgCommitments:
		return &DkgCommitments{}, nil
	case KindDkgShare:
		return &DkgShare{}, nil
	case KindDkgAck:
		return &DkgAck{}, nil
	case KindNonceRequest:
		return &NonceRequest{}, nil
	case KindNonceCommitment:
		return &NonceCommitment{}, nil
	case KindSignatureRequest:
		return &SignatureRequest{}, nil
	case KindSignatureShare:
		return &SignatureShare{}, nil
	default:
		return nil, fmt.Errorf("unknown message kind %#02x", byte(kind))
	}
}

// writer accumulates the deterministic encoding of a payload. All integers
// are big endian; variable length fields carry a u32 length prefix.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v byte)     { w.buf.WriteByte(v) }
func (w *writer) u16(v uint16)  { w.buf.Write(binary.BigEndian.AppendUint16(nil, v)) }
func (w *writer) u32(v uint32)  { w.buf.Write(binary.BigEndian.AppendUint32(nil, v)) }
func (w *writer) u64(v uint64)  { w.buf.Write(binary.BigEndian.AppendUint64(nil, v)) }
func (w *writer) raw(b []byte)  { w.buf.Write(b) }
func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.raw(b)
}

type reader struct {
	buf *bytes.Reader
}

func (r *reader) u8() (byte, error) { return r.buf.ReadByte() }
func (r *reader) u16() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r.buf, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}
func (r *reader) u32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.buf, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}
func (r *reader) u64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.buf, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
func (r *reader) raw(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r.buf, b); err != nil {
		return nil, err
	}
	return b, nil
}
func (r *reader) bool() (bool, error) {
	b, err := r.buf.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid bool byte %#02x", b)
	}
}
func (r *reader) bytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if int(n) > r.buf.Len() {
		return nil, fmt.Errorf("length prefix %d exceeds remaining %d", n, r.buf.Len())
	}
	return r.raw(int(n))
}
