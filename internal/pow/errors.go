package pow

import "errors"

var (
	errEmptyVarInt     = errors.New("pow: empty varint")
	errTruncatedVarInt = errors.New("pow: truncated varint")
)
