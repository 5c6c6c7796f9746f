package xmr

import (
	"bytes"
	"errors"
	"fmt"
)

// Network selects the address prefixes.
type Network uint8

const (
	Mainnet Network = iota
	Testnet
	Stagenet
)

func (n Network) String() string {
	switch n {
	case Mainnet:
		return "mainnet"
	case Testnet:
		return "testnet"
	case Stagenet:
		return "stagenet"
	default:
		return fmt.Sprintf("network(%d)", uint8(n))
	}
}

// ParseNetwork accepts the lower-case names returned by String.
func ParseNetwork(s string) (Network, error) {
	switch s {
	case "mainnet", "":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "stagenet":
		return Stagenet, nil
	}
	return 0, &ParseError{Datatype: "network", Input: s, Err: errors.New("unknown network")}
}

// AddressKind distinguishes standard, integrated and subaddresses.
type AddressKind uint8

const (
	KindPrimary AddressKind = iota
	KindIntegrated
	KindSubaddress
)

type prefixes struct {
	primary, integrated, subaddress byte
}

var networkPrefixes = map[Network]prefixes{
	Mainnet:  {18, 19, 42},
	Testnet:  {53, 54, 63},
	Stagenet: {24, 25, 36},
}

func (p prefixes) tag(kind AddressKind) byte {
	switch kind {
	case KindIntegrated:
		return p.integrated
	case KindSubaddress:
		return p.subaddress
	default:
		return p.primary
	}
}

const (
	checksumSize         = 4
	paymentIDSize        = 8
	standardAddressSize  = 1 + 2*KeySize + checksumSize
	integratedAddressLen = standardAddressSize + paymentIDSize
)

var errChecksum = errors.New("checksum mismatch")

// Address is a decoded Monero address.
type Address struct {
	Network   Network
	Kind      AddressKind
	SpendKey  Key
	ViewKey   Key
	PaymentID []byte
}

// ParseAddress decodes a base58 address and validates its checksum and tag.
func ParseAddress(s string) (*Address, error) {
	raw, err := Base58Decode(s)
	if err != nil {
		return nil, &ParseError{Datatype: "address", Input: s, Err: err}
	}
	if len(raw) != standardAddressSize && len(raw) != integratedAddressLen {
		return nil, &ParseError{Datatype: "address", Input: s, Err: fmt.Errorf("unexpected length %d", len(raw))}
	}

	body, sum := raw[:len(raw)-checksumSize], raw[len(raw)-checksumSize:]
	want := Keccak256(body)
	if !bytes.Equal(want[:checksumSize], sum) {
		return nil, &ParseError{Datatype: "address", Input: s, Err: errChecksum}
	}

	addr := &Address{}
	found := false
	for net, p := range networkPrefixes {
		for _, kind := range []AddressKind{KindPrimary, KindIntegrated, KindSubaddress} {
			if p.tag(kind) == body[0] {
				addr.Network, addr.Kind, found = net, kind, true
			}
		}
	}
	if !found {
		return nil, &ParseError{Datatype: "address", Input: s, Err: fmt.Errorf("unknown network tag %d", body[0])}
	}
	if (addr.Kind == KindIntegrated) != (len(raw) == integratedAddressLen) {
		return nil, &ParseError{Datatype: "address", Input: s, Err: errors.New("length does not match address kind")}
	}

	copy(addr.SpendKey[:], body[1:1+KeySize])
	copy(addr.ViewKey[:], body[1+KeySize:1+2*KeySize])
	if addr.Kind == KindIntegrated {
		addr.PaymentID = append([]byte(nil), body[1+2*KeySize:]...)
	}
	return addr, nil
}

// String encodes the address back to base58.
func (a *Address) String() string {
	return EncodeAddress(a.Network, a.Kind, a.SpendKey, a.ViewKey, a.PaymentID)
}

// EncodeAddress builds the base58 form of an address.
func EncodeAddress(net Network, kind AddressKind, spend, view Key, paymentID []byte) string {
	body := make([]byte, 0, integratedAddressLen)
	body = append(body, networkPrefixes[net].tag(kind))
	body = append(body, spend[:]...)
	body = append(body, view[:]...)
	if kind == KindIntegrated {
		body = append(body, paymentID...)
	}
	sum := Keccak256(body)
	body = append(body, sum[:checksumSize]...)
	return Base58Encode(body)
}
