package job

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/b-vibesonly/btc-solo-pool/internal/pow"
)

// Job is a unit of work handed to miners via mining.notify. It is retained
// for a bounded window so late submissions against older jobs can still be
// validated.
type Job struct {
	ID string

	// PrevHash is the wire-format (Stratum "swabbed") previous block
	// hash, as sent verbatim in mining.notify.
	PrevHash string
	// PrevHashInternal is the same 32 bytes in internal byte order, used
	// to reconstruct the 80-byte header for hashing.
	PrevHashInternal [32]byte

	Coinbase1    string
	Coinbase2    string
	MerkleBranch []string

	Version uint32
	Bits    string
	NTime   uint32
	Height  int64

	NetworkTarget *big.Int
	CleanJobs     bool

	// Transactions is the template's non-coinbase transaction list,
	// retained so a validated block can be reassembled as
	// header‖varint(txcount)‖coinbase‖tx1‖tx2‖….
	Transactions []Transaction

	// CoinbaseTxIDZero is double_sha256 of the coinbase serialized with
	// the extranonce region zeroed. It anchors the merkle branch shape;
	// the real per-share coinbase txid is recomputed by the validator.
	CoinbaseTxIDZero [32]byte
}

// Builder holds the pool-wide parameters needed to turn a block template
// into a Job: the coinbase tag, the payout script, and the negotiated
// extranonce widths.
type Builder struct {
	Message          []byte
	DestScript       []byte
	Extranonce1Size  int
	Extranonce2Size  int
}

// Build constructs a Job and its CoinbaseTemplate from tmpl. previousHash is
// the previousblockhash of the last job built (empty string if none yet);
// CleanJobs is set when it differs from tmpl.PreviousBlockHash.
func (b *Builder) Build(tmpl *Template, previousHash string) (*Job, error) {
	cb, err := BuildCoinbase(tmpl, b.Message, b.DestScript, b.Extranonce1Size, b.Extranonce2Size)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	branch, err := BuildMerkleBranch(cb.zeroExtranonceTxID, tmpl.Transactions)
	if err != nil {
		return nil, fmt.Errorf("build merkle branch: %w", err)
	}

	prevHashBytes, err := pow.HexToBytes(tmpl.PreviousBlockHash)
	if err != nil {
		return nil, fmt.Errorf("decode previousblockhash: %w", err)
	}
	if len(prevHashBytes) != 32 {
		return nil, fmt.Errorf("previousblockhash is %d bytes, want 32", len(prevHashBytes))
	}
	var prevInternal [32]byte
	copy(prevInternal[:], pow.Reversed(prevHashBytes))

	bits, err := parseBitsHex(tmpl.Bits)
	if err != nil {
		return nil, fmt.Errorf("parse bits: %w", err)
	}

	return &Job{
		PrevHash:         pow.BytesToHex(pow.SwabWords(prevHashBytes)),
		PrevHashInternal: prevInternal,
		Coinbase1:        cb.Coinbase1,
		Coinbase2:        cb.Coinbase2,
		MerkleBranch:     branch,
		Version:          tmpl.Version,
		Bits:             tmpl.Bits,
		NTime:            tmpl.CurTime,
		Height:           tmpl.Height,
		NetworkTarget:    pow.BitsToTarget(bits),
		CleanJobs:        previousHash != tmpl.PreviousBlockHash,
		Transactions:     tmpl.Transactions,
		CoinbaseTxIDZero: cb.zeroExtranonceTxID,
	}, nil
}

func parseBitsHex(bitsHex string) (uint32, error) {
	b, err := pow.HexToBytes(bitsHex)
	if err != nil {
		return 0, err
	}
	if len(b) != 4 {
		return 0, fmt.Errorf("bits field is %d bytes, want 4", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}
