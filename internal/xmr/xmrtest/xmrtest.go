// Package xmrtest builds wallets and transactions from the sender's side so
// tests can exercise output matching with real keys.
package xmrtest

import (
	"crypto/rand"
	"encoding/hex"

	"filippo.io/edwards25519"
	"xmrgate/internal/xmr"
)

// Wallet is a throwaway key set.
type Wallet struct {
	Network     xmr.Network
	SpendSecret *edwards25519.Scalar
	ViewSecret  *edwards25519.Scalar
	Address     string
	ViewKey     string
}

// RandomScalar returns a uniformly random scalar.
func RandomScalar() *edwards25519.Scalar {
	var buf [64]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(buf[:])
	if err != nil {
		panic(err)
	}
	return s
}

// RandomHash returns 32 random bytes in hex, for tx and block hashes.
func RandomHash() string {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf[:])
}

func keyOf(p *edwards25519.Point) xmr.Key {
	var k xmr.Key
	copy(k[:], p.Bytes())
	return k
}

// NewWallet generates a wallet on net.
func NewWallet(net xmr.Network) *Wallet {
	b, a := RandomScalar(), RandomScalar()
	B := new(edwards25519.Point).ScalarBaseMult(b)
	A := new(edwards25519.Point).ScalarBaseMult(a)
	return &Wallet{
		Network:     net,
		SpendSecret: b,
		ViewSecret:  a,
		Address:     xmr.EncodeAddress(net, xmr.KindPrimary, keyOf(B), keyOf(A), nil),
		ViewKey:     hex.EncodeToString(a.Bytes()),
	}
}

// ViewPair parses the wallet's own view pair.
func (w *Wallet) ViewPair() *xmr.ViewPair {
	vp, err := xmr.ParseViewPair(w.ViewKey, w.Address)
	if err != nil {
		panic(err)
	}
	return vp
}

// Payment is one output. A zero To pays a random unrelated key.
type Payment struct {
	To     xmr.Subaddress
	Amount uint64
	// Corrupt encrypts a different amount than the one committed to.
	Corrupt bool
}

// Tx describes a transaction to build.
type Tx struct {
	Hash       string
	Height     uint64
	UnlockTime uint64
	// Legacy uses the 32-byte ECDH tuples of early RingCT.
	Legacy     bool
	NoViewTags bool
	Payments   []Payment
}

func isZero(s xmr.Subaddress) bool {
	return s.SpendKey == (xmr.Key{})
}

func mustPoint(k xmr.Key) *edwards25519.Point {
	p, err := k.Point()
	if err != nil {
		panic(err)
	}
	return p
}

// Build produces the transaction as a daemon would return it. A single
// subaddress destination uses R = r·D; anything else uses per-output
// additional keys.
func (t Tx) Build() *xmr.Transaction {
	tx := &xmr.Transaction{
		Hash:       t.Hash,
		Height:     t.Height,
		UnlockTime: t.UnlockTime,
		RCTType:    xmr.RCTTypeCLSAG,
	}
	if tx.Hash == "" {
		tx.Hash = RandomHash()
	}
	if t.Legacy {
		tx.RCTType = 2
	}

	r := RandomScalar()
	single := len(t.Payments) == 1 && !isZero(t.Payments[0].To) && !t.Payments[0].To.Index.IsPrimary()
	if single {
		D := mustPoint(t.Payments[0].To.SpendKey)
		tx.PubKeys = []xmr.Key{keyOf(new(edwards25519.Point).ScalarMult(r, D))}
	} else {
		tx.PubKeys = []xmr.Key{keyOf(new(edwards25519.Point).ScalarBaseMult(r))}
	}

	for i, p := range t.Payments {
		to := p.To
		if isZero(to) {
			other := NewWallet(xmr.Mainnet).ViewPair()
			to = other.Subaddress(xmr.SubIndex{Major: 0, Minor: 1})
		}
		D, C := mustPoint(to.SpendKey), mustPoint(to.ViewKey)

		txKey := r
		if !single {
			txKey = RandomScalar()
			var R *edwards25519.Point
			if to.Index.IsPrimary() {
				R = new(edwards25519.Point).ScalarBaseMult(txKey)
			} else {
				R = new(edwards25519.Point).ScalarMult(txKey, D)
			}
			tx.AdditionalKeys = append(tx.AdditionalKeys, keyOf(R))
		}

		derivation := xmr.Derivation(txKey, C)
		s := xmr.DerivationScalar(derivation, uint64(i))
		P := new(edwards25519.Point).Add(new(edwards25519.Point).ScalarBaseMult(s), D)

		out := xmr.Output{Key: keyOf(P)}
		if !t.NoViewTags {
			out.HasViewTag = true
			out.ViewTag = xmr.ViewTag(derivation, uint64(i))
		}

		encrypted := p.Amount
		if p.Corrupt {
			encrypted++
		}
		if t.Legacy {
			mask := RandomScalar()
			first := xmr.HashToScalar(s.Bytes())
			second := xmr.HashToScalar(first.Bytes())
			out.Commitment = keyOf(xmr.Commit(mask, p.Amount))
			out.EncryptedMask = edwards25519.NewScalar().Add(mask, first).Bytes()
			out.EncryptedAmount = edwards25519.NewScalar().Add(xmr.AmountScalar(encrypted), second).Bytes()
		} else {
			out.Commitment = keyOf(xmr.Commit(xmr.CommitmentMask(s), p.Amount))
			enc := xmr.EncryptAmount(encrypted, s)
			out.EncryptedAmount = enc[:]
		}
		tx.Outputs = append(tx.Outputs, out)
	}
	return tx
}
