package xmr

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// SubIndex addresses one subaddress: Major is the account, Minor the address
// within it. (0, 0) is the primary address.
type SubIndex struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

func (i SubIndex) String() string {
	return fmt.Sprintf("%d/%d", i.Major, i.Minor)
}

// IsPrimary reports whether i is the wallet's primary address.
func (i SubIndex) IsPrimary() bool {
	return i.Major == 0 && i.Minor == 0
}

var subaddrTag = []byte("SubAddr\x00")

// ViewPair holds the private view key and public spend key of a wallet. It
// can detect incoming funds but never spend them.
type ViewPair struct {
	network  Network
	view     *edwards25519.Scalar
	spend    *edwards25519.Point
	viewPub  Key
	spendPub Key
}

// hiddenKey stands in for secret input in errors.
const hiddenKey = "(hidden)"

// ParseViewPair validates a hex private view key against a primary address.
func ParseViewPair(viewKeyHex, primaryAddress string) (*ViewPair, error) {
	raw, err := hex.DecodeString(viewKeyHex)
	if err != nil || len(raw) != KeySize {
		return nil, &ParseError{Datatype: "private view key", Input: hiddenKey, Err: errors.New("expected 64 hex characters")}
	}
	a, err := edwards25519.NewScalar().SetCanonicalBytes(raw)
	if err != nil {
		return nil, &ParseError{Datatype: "private view key", Input: hiddenKey, Err: err}
	}

	addr, err := ParseAddress(primaryAddress)
	if err != nil {
		return nil, err
	}
	if addr.Kind == KindSubaddress {
		return nil, &ParseError{Datatype: "address", Input: primaryAddress, Err: errors.New("expected a primary address, got a subaddress")}
	}

	spend, err := addr.SpendKey.Point()
	if err != nil {
		return nil, &ParseError{Datatype: "address", Input: primaryAddress, Err: fmt.Errorf("public spend key: %w", err)}
	}
	if keyOf(new(edwards25519.Point).ScalarBaseMult(a)) != addr.ViewKey {
		return nil, &ParseError{Datatype: "private view key", Input: hiddenKey, Err: errors.New("does not match the address's public view key")}
	}

	return &ViewPair{
		network:  addr.Network,
		view:     a,
		spend:    spend,
		viewPub:  addr.ViewKey,
		spendPub: addr.SpendKey,
	}, nil
}

// Network returns the network of the primary address.
func (vp *ViewPair) Network() Network {
	return vp.network
}

// PrimaryAddress returns the standard address the pair was built from.
func (vp *ViewPair) PrimaryAddress() string {
	return EncodeAddress(vp.network, KindPrimary, vp.spendPub, vp.viewPub, nil)
}

func (vp *ViewPair) subaddressSecret(idx SubIndex) *edwards25519.Scalar {
	var le [8]byte
	binary.LittleEndian.PutUint32(le[:4], idx.Major)
	binary.LittleEndian.PutUint32(le[4:], idx.Minor)
	return HashToScalar(subaddrTag, vp.view.Bytes(), le[:])
}

func (vp *ViewPair) subaddressSpend(idx SubIndex) *edwards25519.Point {
	if idx.IsPrimary() {
		return vp.spend
	}
	mG := new(edwards25519.Point).ScalarBaseMult(vp.subaddressSecret(idx))
	return new(edwards25519.Point).Add(vp.spend, mG)
}

// Subaddress is the public part of one derived subaddress.
type Subaddress struct {
	Index    SubIndex
	Network  Network
	SpendKey Key
	ViewKey  Key
}

// Subaddress derives the keys for idx. It is deterministic.
func (vp *ViewPair) Subaddress(idx SubIndex) Subaddress {
	if idx.IsPrimary() {
		return Subaddress{Index: idx, Network: vp.network, SpendKey: vp.spendPub, ViewKey: vp.viewPub}
	}
	d := vp.subaddressSpend(idx)
	c := new(edwards25519.Point).ScalarMult(vp.view, d)
	return Subaddress{Index: idx, Network: vp.network, SpendKey: keyOf(d), ViewKey: keyOf(c)}
}

// String encodes the subaddress in base58.
func (s Subaddress) String() string {
	kind := KindSubaddress
	if s.Index.IsPrimary() {
		kind = KindPrimary
	}
	return EncodeAddress(s.Network, kind, s.SpendKey, s.ViewKey, nil)
}

// Candidates maps each subaddress spend key to its index for output matching.
func (vp *ViewPair) Candidates(indices []SubIndex) map[Key]SubIndex {
	out := make(map[Key]SubIndex, len(indices))
	for _, idx := range indices {
		out[keyOf(vp.subaddressSpend(idx))] = idx
	}
	return out
}
