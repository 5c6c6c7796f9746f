package xmr

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

// KeySize is the length of every compressed point and scalar.
const KeySize = 32

// Key is a 32-byte compressed point or scalar as it appears on the wire.
type Key [KeySize]byte

// ParseKey decodes a hex encoded 32-byte key.
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, err
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Point decodes the key as a curve point.
func (k Key) Point() (*edwards25519.Point, error) {
	p, err := new(edwards25519.Point).SetBytes(k[:])
	if err != nil {
		return nil, errors.New("invalid curve point")
	}
	return p, nil
}

func keyOf(p *edwards25519.Point) Key {
	var k Key
	copy(k[:], p.Bytes())
	return k
}

// Pedersen commitment generator H, fixed by the Monero protocol.
var commitmentH = mustPoint("8b655970153799af2aeadc9ff1add0ea6c7251d54154cfa92c173a0dd39c1f94")

func mustPoint(s string) *edwards25519.Point {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	p, err := k.Point()
	if err != nil {
		panic(err)
	}
	return p
}

// Keccak256 is the legacy (pre-NIST) Keccak used throughout Monero.
func Keccak256(parts ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// HashToScalar is Monero's Hs: keccak256 interpreted little-endian and
// reduced mod l.
func HashToScalar(parts ...[]byte) *edwards25519.Scalar {
	sum := Keccak256(parts...)
	var wide [64]byte
	copy(wide[:], sum[:])
	s, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		panic(err)
	}
	return s
}

// Varint is the LEB128 encoding used for output indices.
func Varint(v uint64) []byte {
	return binary.AppendUvarint(nil, v)
}

// AmountScalar encodes an amount as a little-endian scalar.
func AmountScalar(amount uint64) *edwards25519.Scalar {
	var b [32]byte
	binary.LittleEndian.PutUint64(b[:], amount)
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	if err != nil {
		panic(err)
	}
	return s
}

// Commit computes mask·G + amount·H.
func Commit(mask *edwards25519.Scalar, amount uint64) *edwards25519.Point {
	return new(edwards25519.Point).VarTimeDoubleScalarBaseMult(AmountScalar(amount), commitmentH, mask)
}

// Derivation computes the shared secret 8·a·R.
func Derivation(a *edwards25519.Scalar, r *edwards25519.Point) *edwards25519.Point {
	d := new(edwards25519.Point).ScalarMult(a, r)
	return d.MultByCofactor(d)
}

// DerivationScalar is Hs(D || varint(i)).
func DerivationScalar(derivation *edwards25519.Point, index uint64) *edwards25519.Scalar {
	return HashToScalar(derivation.Bytes(), Varint(index))
}

// ViewTag returns the one-byte output hint from keccak("view_tag" || D || varint(i)).
func ViewTag(derivation *edwards25519.Point, index uint64) byte {
	sum := Keccak256([]byte("view_tag"), derivation.Bytes(), Varint(index))
	return sum[0]
}

// EncryptAmount XORs an amount with its keystream; it is its own inverse.
func EncryptAmount(amount uint64, s *edwards25519.Scalar) [8]byte {
	pad := Keccak256([]byte("amount"), s.Bytes())
	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], amount)
	for i := range out {
		out[i] ^= pad[i]
	}
	return out
}

// CommitmentMask is Hs("commitment_mask" || s).
func CommitmentMask(s *edwards25519.Scalar) *edwards25519.Scalar {
	return HashToScalar([]byte("commitment_mask"), s.Bytes())
}
