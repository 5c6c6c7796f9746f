package xmr

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	extraTagPadding        = 0x00
	extraTagPubKey         = 0x01
	extraTagNonce          = 0x02
	extraTagMergeMining    = 0x03
	extraTagAdditionalKeys = 0x04
	extraTagMinergate      = 0xde
)

// Extra holds the fields of tx_extra needed to scan outputs.
type Extra struct {
	PubKeys        []Key
	AdditionalKeys []Key
}

// ParseExtra walks tx_extra. An unknown tag after a tx public key ends the
// walk without an error.
func ParseExtra(b []byte) (*Extra, error) {
	ex := &Extra{}
	i := 0
	readLen := func() (int, error) {
		v, n := binary.Uvarint(b[i:])
		if n <= 0 {
			return 0, errors.New("bad varint")
		}
		i += n
		if v > uint64(len(b)-i) {
			return 0, errors.New("field overruns extra")
		}
		return int(v), nil
	}

	for i < len(b) {
		tag := b[i]
		i++
		switch tag {
		case extraTagPadding:
			for i < len(b) && b[i] == 0 {
				i++
			}
			if i < len(b) {
				return ex, errors.New("non-zero byte in padding")
			}
		case extraTagPubKey:
			if len(b)-i < KeySize {
				return ex, errors.New("truncated tx public key")
			}
			var k Key
			copy(k[:], b[i:i+KeySize])
			ex.PubKeys = append(ex.PubKeys, k)
			i += KeySize
		case extraTagNonce, extraTagMergeMining, extraTagMinergate:
			n, err := readLen()
			if err != nil {
				return ex, fmt.Errorf("tag 0x%02x: %w", tag, err)
			}
			i += n
		case extraTagAdditionalKeys:
			count, n := binary.Uvarint(b[i:])
			if n <= 0 {
				return ex, errors.New("additional keys: bad varint")
			}
			i += n
			if count > uint64((len(b)-i)/KeySize) {
				return ex, errors.New("additional keys: truncated")
			}
			for j := uint64(0); j < count; j++ {
				var k Key
				copy(k[:], b[i:i+KeySize])
				ex.AdditionalKeys = append(ex.AdditionalKeys, k)
				i += KeySize
			}
		default:
			if len(ex.PubKeys) > 0 {
				return ex, nil
			}
			return ex, fmt.Errorf("unknown extra tag 0x%02x", tag)
		}
	}
	return ex, nil
}

// BuildExtra serializes a tx public key and optional additional keys.
func BuildExtra(pub Key, additional []Key) []byte {
	out := []byte{extraTagPubKey}
	out = append(out, pub[:]...)
	if len(additional) > 0 {
		out = append(out, extraTagAdditionalKeys)
		out = binary.AppendUvarint(out, uint64(len(additional)))
		for _, k := range additional {
			out = append(out, k[:]...)
		}
	}
	return out
}
