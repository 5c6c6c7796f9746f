package xmr

import "fmt"

// ParseError reports input that could not be decoded into a key or address.
type ParseError struct {
	Datatype string
	Input    string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s %q: %v", e.Datatype, e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// UnblindError is returned for an owned output whose amount does not open
// its commitment.
type UnblindError struct {
	Index       SubIndex
	TxHash      string
	OutputIndex int
	Err         error
}

func (e *UnblindError) Error() string {
	return fmt.Sprintf("failed to unblind output %d of tx %s for subaddress %s: %v",
		e.OutputIndex, e.TxHash, e.Index, e.Err)
}

func (e *UnblindError) Unwrap() error { return e.Err }
