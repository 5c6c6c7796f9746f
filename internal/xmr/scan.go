package xmr

import (
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// RingCT signature types that change how amounts are encrypted.
const (
	RCTTypeNull          = 0
	RCTTypeBulletproof2  = 4
	RCTTypeCLSAG         = 5
	RCTTypeBulletproofPP = 6
)

var (
	ErrCommitmentMismatch = errors.New("amount does not open the output commitment")
	errMalformedAmount    = errors.New("malformed encrypted amount")
)

// Output is one transaction output as the matcher needs it.
type Output struct {
	Key        Key
	HasViewTag bool
	ViewTag    byte
	// Amount is the clear amount for pre-RingCT and coinbase outputs.
	Amount          uint64
	Commitment      Key
	EncryptedAmount []byte
	EncryptedMask   []byte
	// Invalid marks an output the daemon returned in a form that could not be
	// decoded. It is never matched.
	Invalid bool
}

// Transaction is a decoded transaction with its inclusion height.
type Transaction struct {
	Hash           string
	Height         uint64
	UnlockTime     uint64
	PubKeys        []Key
	AdditionalKeys []Key
	RCTType        uint8
	Outputs        []Output
}

// OwnedOutput is an output that pays one of the candidate subaddresses.
type OwnedOutput struct {
	TxHash      string
	OutputIndex int
	Index       SubIndex
	Amount      uint64
	Key         Key
}

// ScanTransaction finds the outputs of tx that pay a candidate subaddress and
// unblinds their amounts. Time-locked transactions never match. Errors are
// per output; the remaining outputs are still scanned.
func (vp *ViewPair) ScanTransaction(tx *Transaction, candidates map[Key]SubIndex) ([]OwnedOutput, []error) {
	if tx.UnlockTime != 0 || len(candidates) == 0 || len(tx.Outputs) == 0 {
		return nil, nil
	}

	var errs []error
	var shared []*edwards25519.Point
	for _, k := range tx.PubKeys {
		R, err := k.Point()
		if err != nil {
			errs = append(errs, fmt.Errorf("tx %s: public key %s: %w", tx.Hash, k, err))
			continue
		}
		shared = append(shared, Derivation(vp.view, R))
	}

	var owned []OwnedOutput
	for i := range tx.Outputs {
		out := &tx.Outputs[i]
		if out.Invalid {
			continue
		}
		derivations := shared
		if i < len(tx.AdditionalKeys) {
			if R, err := tx.AdditionalKeys[i].Point(); err == nil {
				derivations = append(derivations[:len(derivations):len(derivations)], Derivation(vp.view, R))
			}
		}
		if len(derivations) == 0 {
			continue
		}

		P, err := out.Key.Point()
		if err != nil {
			errs = append(errs, fmt.Errorf("tx %s: output %d key: %w", tx.Hash, i, err))
			continue
		}

		for _, D := range derivations {
			if out.HasViewTag && ViewTag(D, uint64(i)) != out.ViewTag {
				continue
			}
			s := DerivationScalar(D, uint64(i))
			sG := new(edwards25519.Point).ScalarBaseMult(s)
			idx, ok := candidates[keyOf(new(edwards25519.Point).Subtract(P, sG))]
			if !ok {
				continue
			}

			amount, err := unblind(tx.RCTType, out, s)
			if err != nil {
				errs = append(errs, &UnblindError{Index: idx, TxHash: tx.Hash, OutputIndex: i, Err: err})
				break
			}
			owned = append(owned, OwnedOutput{
				TxHash:      tx.Hash,
				OutputIndex: i,
				Index:       idx,
				Amount:      amount,
				Key:         out.Key,
			})
			break
		}
	}
	return owned, errs
}

func unblind(rctType uint8, out *Output, s *edwards25519.Scalar) (uint64, error) {
	if rctType == RCTTypeNull {
		return out.Amount, nil
	}

	var amount uint64
	var mask *edwards25519.Scalar
	if rctType >= RCTTypeBulletproof2 {
		if len(out.EncryptedAmount) < 8 {
			return 0, errMalformedAmount
		}
		enc := binary.LittleEndian.Uint64(out.EncryptedAmount[:8])
		pad := EncryptAmount(0, s)
		amount = enc ^ binary.LittleEndian.Uint64(pad[:])
		mask = CommitmentMask(s)
	} else {
		var err error
		amount, mask, err = unblindLegacy(out, s)
		if err != nil {
			return 0, err
		}
	}

	C, err := out.Commitment.Point()
	if err != nil {
		return 0, fmt.Errorf("commitment: %w", err)
	}
	if Commit(mask, amount).Equal(C) != 1 {
		return 0, ErrCommitmentMismatch
	}
	return amount, nil
}

// unblindLegacy handles the 32-byte ECDH tuples of RingCT types 1 to 3.
func unblindLegacy(out *Output, s *edwards25519.Scalar) (uint64, *edwards25519.Scalar, error) {
	if len(out.EncryptedAmount) != KeySize || len(out.EncryptedMask) != KeySize {
		return 0, nil, errMalformedAmount
	}
	encMask, err := edwards25519.NewScalar().SetCanonicalBytes(out.EncryptedMask)
	if err != nil {
		return 0, nil, errMalformedAmount
	}
	encAmount, err := edwards25519.NewScalar().SetCanonicalBytes(out.EncryptedAmount)
	if err != nil {
		return 0, nil, errMalformedAmount
	}

	first := HashToScalar(s.Bytes())
	second := HashToScalar(first.Bytes())
	mask := edwards25519.NewScalar().Subtract(encMask, first)
	amt := edwards25519.NewScalar().Subtract(encAmount, second).Bytes()
	for _, b := range amt[8:] {
		if b != 0 {
			return 0, nil, errors.New("decoded amount exceeds 64 bits")
		}
	}
	return binary.LittleEndian.Uint64(amt[:8]), mask, nil
}
