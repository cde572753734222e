package job

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/b-vibesonly/btc-solo-pool/internal/pow"
)

const (
	// MaxCoinbaseMessageLen is the clip applied to the pool's coinbase
	// message push.
	MaxCoinbaseMessageLen = 100

	coinbaseVersion  = 1
	coinbaseSequence = 0xFFFFFFFF
	coinbaseLocktime = 0
)

// CoinbaseTemplate is a coinbase transaction serialized with a deterministic
// split point: between Coinbase1 and Coinbase2 lies exactly
// extranonce1Size+extranonce2Size bytes, contributed per-client and
// per-submission respectively.
type CoinbaseTemplate struct {
	Coinbase1 string
	Coinbase2 string

	// zeroExtranonceTxID is double_sha256 of the coinbase with the
	// extranonce region filled with zero bytes. It has the right shape
	// to derive the merkle branch but is not the real per-share txid.
	zeroExtranonceTxID [32]byte
}

// bip34HeightPush minimally encodes height as little-endian bytes and
// returns it as a push (length byte followed by the bytes), per BIP34. An
// extra zero byte is appended when the high bit of the last byte is set, so
// the value cannot be misread as negative.
func bip34HeightPush(height int64) ([]byte, error) {
	if height <= 0 {
		return nil, fmt.Errorf("bip34 height push: height must be positive, got %d", height)
	}
	var b []byte
	h := height
	for h > 0 {
		b = append(b, byte(h&0xff))
		h >>= 8
	}
	if b[len(b)-1]&0x80 != 0 {
		b = append(b, 0x00)
	}
	if len(b) > 75 {
		return nil, errors.New("bip34 height push: unexpectedly large height")
	}
	return append([]byte{byte(len(b))}, b...), nil
}

// messagePush returns a length-prefixed push of message, clipped to
// MaxCoinbaseMessageLen bytes.
func messagePush(message []byte) []byte {
	if len(message) > MaxCoinbaseMessageLen {
		message = message[:MaxCoinbaseMessageLen]
	}
	out := make([]byte, 0, len(message)+1)
	out = append(out, byte(len(message)))
	out = append(out, message...)
	return out
}

// witnessCommitmentOutput builds the zero-value OP_RETURN output carrying
// the node-provided witness commitment scriptPubKey verbatim.
func witnessCommitmentOutput(commitmentScriptHex string) ([]byte, error) {
	script, err := pow.HexToBytes(commitmentScriptHex)
	if err != nil {
		return nil, fmt.Errorf("decode default_witness_commitment: %w", err)
	}
	out := make([]byte, 0, 8+1+len(script))
	out = append(out, le64(0)...)
	out = append(out, pow.WriteVarInt(uint64(len(script)))...)
	out = append(out, script...)
	return out, nil
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func le64(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// BuildCoinbase assembles the coinbase transaction for tmpl, splitting it at
// the extranonce insertion point. message is the pool's arbitrary coinbase
// tag; destScript is the precomputed payout scriptPubKey.
func BuildCoinbase(tmpl *Template, message []byte, destScript []byte, extranonce1Size, extranonce2Size int) (*CoinbaseTemplate, error) {
	heightPush, err := bip34HeightPush(tmpl.Height)
	if err != nil {
		return nil, err
	}
	msgPush := messagePush(message)
	placeholderSize := extranonce1Size + extranonce2Size

	scriptSig := make([]byte, 0, len(heightPush)+len(msgPush)+placeholderSize)
	scriptSig = append(scriptSig, heightPush...)
	scriptSig = append(scriptSig, msgPush...)
	extranonceOffsetInScript := len(scriptSig)
	scriptSig = append(scriptSig, make([]byte, placeholderSize)...)

	var outputs []byte
	outputCount := uint64(1)
	mainOutput := make([]byte, 0, 8+1+len(destScript))
	mainOutput = append(mainOutput, le64(tmpl.CoinbaseValue)...)
	mainOutput = append(mainOutput, pow.WriteVarInt(uint64(len(destScript)))...)
	mainOutput = append(mainOutput, destScript...)
	outputs = append(outputs, mainOutput...)

	if tmpl.DefaultWitnessCommitment != "" {
		wc, err := witnessCommitmentOutput(tmpl.DefaultWitnessCommitment)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, wc...)
		outputCount = 2
	}

	var buf []byte
	buf = append(buf, le32(coinbaseVersion)...)
	buf = append(buf, 0x01) // input count
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, le32(0xFFFFFFFF)...) // prev-out index
	buf = append(buf, pow.WriteVarInt(uint64(len(scriptSig)))...)

	scriptSigOffsetInTx := len(buf)
	buf = append(buf, scriptSig...)
	buf = append(buf, le32(coinbaseSequence)...)
	buf = append(buf, pow.WriteVarInt(outputCount)...)
	buf = append(buf, outputs...)
	buf = append(buf, le32(coinbaseLocktime)...)

	splitOffset := scriptSigOffsetInTx + extranonceOffsetInScript

	zeroTxID := pow.DoubleSHA256(buf)

	return &CoinbaseTemplate{
		Coinbase1:          pow.BytesToHex(buf[:splitOffset]),
		Coinbase2:          pow.BytesToHex(buf[splitOffset+placeholderSize:]),
		zeroExtranonceTxID: zeroTxID,
	}, nil
}
