package rpc

import (
	"encoding/hex"
	"errors"
	"encoding/json"
	"fmt"

	"xmrgate/internal/xmr"
)

type txJSON struct {
	Version    int    `json:"version"`
	UnlockTime uint64 `json:"unlock_time"`
	Vout       []struct {
		Amount uint64 `json:"amount"`
		Target struct {
			Key       string `json:"key"`
			TaggedKey *struct {
				Key     string `json:"key"`
				ViewTag string `json:"view_tag"`
			} `json:"tagged_key"`
		} `json:"target"`
	} `json:"vout"`
	RawExtra      []int `json:"extra"`
	RctSignatures struct {
		Type     uint8 `json:"type"`
		EcdhInfo []struct {
			Mask   string `json:"mask"`
			Amount string `json:"amount"`
		} `json:"ecdhInfo"`
		OutPk []string `json:"outPk"`
	} `json:"rct_signatures"`
}

// DecodeTransaction converts monerod's decode_as_json form into the matcher's
// transaction model. It always returns a transaction. A body or tx_extra that
// cannot be read leaves it without outputs, and an output that cannot be read
// is marked Invalid so the others keep their indices. The errors say what was
// dropped.
func DecodeTransaction(hash string, asJSON []byte) (*xmr.Transaction, []error) {
	tx := &xmr.Transaction{Hash: hash}

	var raw txJSON
	if err := json.Unmarshal(asJSON, &raw); err != nil {
		return tx, []error{fmt.Errorf("tx %s: %w", hash, err)}
	}
	tx.UnlockTime = raw.UnlockTime

	extra := make([]byte, len(raw.RawExtra))
	for i, b := range raw.RawExtra {
		if b < 0 || b > 255 {
			return tx, []error{fmt.Errorf("tx %s: extra byte %d out of range", hash, b)}
		}
		extra[i] = byte(b)
	}
	ex, err := xmr.ParseExtra(extra)
	if err != nil && len(ex.PubKeys) == 0 {
		return tx, []error{fmt.Errorf("tx %s: extra: %w", hash, err)}
	}

	tx.PubKeys = ex.PubKeys
	tx.AdditionalKeys = ex.AdditionalKeys
	tx.RCTType = raw.RctSignatures.Type
	if raw.Version < 2 {
		tx.RCTType = xmr.RCTTypeNull
	}
	tx.Outputs = make([]xmr.Output, len(raw.Vout))

	var errs []error
	for i := range raw.Vout {
		if err := decodeOutput(&tx.Outputs[i], tx.RCTType, &raw, i); err != nil {
			tx.Outputs[i] = xmr.Output{Invalid: true}
			errs = append(errs, fmt.Errorf("tx %s: output %d: %w", hash, i, err))
		}
	}
	return tx, errs
}

func decodeOutput(out *xmr.Output, rctType uint8, raw *txJSON, i int) error {
	vout := raw.Vout[i]
	out.Amount = vout.Amount

	keyHex := vout.Target.Key
	if tk := vout.Target.TaggedKey; tk != nil {
		keyHex = tk.Key
		tag, err := hex.DecodeString(tk.ViewTag)
		if err != nil || len(tag) != 1 {
			return fmt.Errorf("bad view tag %q", tk.ViewTag)
		}
		out.HasViewTag = true
		out.ViewTag = tag[0]
	}
	var err error
	if out.Key, err = xmr.ParseKey(keyHex); err != nil {
		return fmt.Errorf("key: %w", err)
	}

	if rctType == xmr.RCTTypeNull {
		return nil
	}
	if i >= len(raw.RctSignatures.EcdhInfo) || i >= len(raw.RctSignatures.OutPk) {
		return errors.New("no ringct data")
	}
	ecdh := raw.RctSignatures.EcdhInfo[i]
	if out.EncryptedAmount, err = hex.DecodeString(ecdh.Amount); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	if ecdh.Mask != "" {
		if out.EncryptedMask, err = hex.DecodeString(ecdh.Mask); err != nil {
			return fmt.Errorf("mask: %w", err)
		}
	}
	if out.Commitment, err = xmr.ParseKey(raw.RctSignatures.OutPk[i]); err != nil {
		return fmt.Errorf("commitment: %w", err)
	}
	return nil
}

// EncodeTransaction renders tx in monerod's decode_as_json form. It is the
// inverse of DecodeTransaction and is used by test daemons.
func EncodeTransaction(tx *xmr.Transaction) ([]byte, error) {
	type taggedKey struct {
		Key     string `json:"key"`
		ViewTag string `json:"view_tag"`
	}
	type target struct {
		Key       string     `json:"key,omitempty"`
		TaggedKey *taggedKey `json:"tagged_key,omitempty"`
	}
	type vout struct {
		Amount uint64 `json:"amount"`
		Target target `json:"target"`
	}
	type ecdh struct {
		Mask   string `json:"mask,omitempty"`
		Amount string `json:"amount"`
	}
	type rct struct {
		Type     uint8    `json:"type"`
		EcdhInfo []ecdh   `json:"ecdhInfo,omitempty"`
		OutPk    []string `json:"outPk,omitempty"`
	}

	var extra []byte
	for i, k := range tx.PubKeys {
		var additional []xmr.Key
		if i == 0 {
			additional = tx.AdditionalKeys
		}
		extra = append(extra, xmr.BuildExtra(k, additional)...)
	}
	rawExtra := make([]int, len(extra))
	for i, b := range extra {
		rawExtra[i] = int(b)
	}

	r := rct{Type: tx.RCTType}
	vouts := make([]vout, len(tx.Outputs))
	for i, out := range tx.Outputs {
		vouts[i].Amount = out.Amount
		if out.HasViewTag {
			vouts[i].Target.TaggedKey = &taggedKey{Key: out.Key.String(), ViewTag: hex.EncodeToString([]byte{out.ViewTag})}
		} else {
			vouts[i].Target.Key = out.Key.String()
		}
		if tx.RCTType != xmr.RCTTypeNull {
			r.EcdhInfo = append(r.EcdhInfo, ecdh{Mask: hex.EncodeToString(out.EncryptedMask), Amount: hex.EncodeToString(out.EncryptedAmount)})
			r.OutPk = append(r.OutPk, out.Commitment.String())
		}
	}

	return json.Marshal(map[string]any{
		"version":        2,
		"unlock_time":    tx.UnlockTime,
		"vout":           vouts,
		"extra":          rawExtra,
		"rct_signatures": r,
	})
}
