package xmr

import (
	"encoding/binary"
	"errors"
	"math/bits"
)

// Monero base58 encodes 8-byte blocks independently into 11 characters; a
// short final block uses the width from encodedBlockSizes.

const (
	alphabet        = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	fullBlockSize   = 8
	fullEncodedSize = 11
)

var encodedBlockSizes = [fullBlockSize + 1]int{0, 2, 3, 5, 6, 7, 9, 10, 11}

var alphabetIndex = func() [256]int8 {
	var idx [256]int8
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		idx[alphabet[i]] = int8(i)
	}
	return idx
}()

var (
	errBase58Char   = errors.New("invalid base58 character")
	errBase58Length = errors.New("invalid base58 length")
	errBase58Block  = errors.New("base58 block overflow")
)

func encodeBlock(dst []byte, block []byte) {
	var buf [8]byte
	copy(buf[8-len(block):], block)
	num := binary.BigEndian.Uint64(buf[:])
	for i := len(dst) - 1; i >= 0; i-- {
		dst[i] = alphabet[num%58]
		num /= 58
	}
}

// Base58Encode encodes data using the Monero block scheme.
func Base58Encode(data []byte) string {
	full := len(data) / fullBlockSize
	rem := len(data) % fullBlockSize
	out := make([]byte, full*fullEncodedSize+encodedBlockSizes[rem])
	for i := 0; i < full; i++ {
		encodeBlock(out[i*fullEncodedSize:(i+1)*fullEncodedSize], data[i*fullBlockSize:(i+1)*fullBlockSize])
	}
	if rem > 0 {
		encodeBlock(out[full*fullEncodedSize:], data[full*fullBlockSize:])
	}
	return string(out)
}

func decodeBlock(enc string) ([]byte, error) {
	size := -1
	for i, n := range encodedBlockSizes {
		if n == len(enc) {
			size = i
			break
		}
	}
	if size <= 0 {
		return nil, errBase58Length
	}

	var num uint64
	for i := 0; i < len(enc); i++ {
		d := alphabetIndex[enc[i]]
		if d < 0 {
			return nil, errBase58Char
		}
		hi, lo := bits.Mul64(num, 58)
		if hi != 0 {
			return nil, errBase58Block
		}
		var carry uint64
		num, carry = bits.Add64(lo, uint64(d), 0)
		if carry != 0 {
			return nil, errBase58Block
		}
	}
	if size < fullBlockSize && num>>(8*uint(size)) != 0 {
		return nil, errBase58Block
	}

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], num)
	return buf[8-size:], nil
}

// Base58Decode reverses Base58Encode.
func Base58Decode(s string) ([]byte, error) {
	full := len(s) / fullEncodedSize
	rem := len(s) % fullEncodedSize
	out := make([]byte, 0, full*fullBlockSize+fullBlockSize)
	for i := 0; i < full; i++ {
		block, err := decodeBlock(s[i*fullEncodedSize : (i+1)*fullEncodedSize])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	if rem > 0 {
		block, err := decodeBlock(s[full*fullEncodedSize:])
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}
