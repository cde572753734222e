package job

import (
	"fmt"

	"github.com/b-vibesonly/btc-solo-pool/internal/pow"
)

// BuildMerkleBranch returns the ordered list of sibling hashes (hex,
// internal byte order) needed to recompute the merkle root from the
// coinbase transaction. coinbaseTxID is already in internal byte order.
// Transaction list order is [coinbase, tx1, tx2, ...]; odd-length levels
// duplicate the last element before pairing.
func BuildMerkleBranch(coinbaseTxID [32]byte, txs []Transaction) ([]string, error) {
	level := make([][32]byte, 0, len(txs)+1)
	level = append(level, coinbaseTxID)
	for _, tx := range txs {
		b, err := pow.HexToBytes(tx.TxID)
		if err != nil {
			return nil, fmt.Errorf("decode txid %q: %w", tx.TxID, err)
		}
		if len(b) != 32 {
			return nil, fmt.Errorf("txid %q is not 32 bytes", tx.TxID)
		}
		var h [32]byte
		copy(h[:], pow.Reversed(b))
		level = append(level, h)
	}

	var branch []string
	idx := 0
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		branch = append(branch, pow.BytesToHex(level[idx^1][:]))

		next := make([][32]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			concat := make([]byte, 0, 64)
			concat = append(concat, level[i][:]...)
			concat = append(concat, level[i+1][:]...)
			next = append(next, pow.DoubleSHA256(concat))
		}
		level = next
		idx /= 2
	}
	return branch, nil
}

// ComputeMerkleRoot folds a coinbase txid (internal order) up through an
// ordered sibling branch (hex, internal order) to recover the merkle root,
// also in internal order.
func ComputeMerkleRoot(coinbaseTxID [32]byte, branch []string) ([32]byte, error) {
	h := coinbaseTxID
	for _, siblingHex := range branch {
		sibling, err := pow.HexToBytes(siblingHex)
		if err != nil {
			return [32]byte{}, fmt.Errorf("decode merkle sibling %q: %w", siblingHex, err)
		}
		if len(sibling) != 32 {
			return [32]byte{}, fmt.Errorf("merkle sibling %q is not 32 bytes", siblingHex)
		}
		concat := make([]byte, 0, 64)
		concat = append(concat, h[:]...)
		concat = append(concat, sibling...)
		h = pow.DoubleSHA256(concat)
	}
	return h, nil
}
