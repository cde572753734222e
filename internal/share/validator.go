// Package share implements strict validation of mining.submit parameters
// against a retained job: header reconstruction, double-SHA-256, and
// comparison against the submitting client's share target and the
// network target.
package share

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/b-vibesonly/btc-solo-pool/internal/job"
	"github.com/b-vibesonly/btc-solo-pool/internal/pow"
)

// Classification is the outcome of validating one submission.
type Classification int

const (
	Valid Classification = iota
	ValidAndBlock
	Stale
	InvalidTarget
	InvalidJob
	InvalidDuplicate
	InvalidParams
)

// Result carries the classification and, for a block-worthy share, the
// assembled block hex ready for submitblock.
type Result struct {
	Classification Classification
	BlockHex       string
	Hash           *big.Int
}

// JobSource looks up a retained job by id. Implementations must be safe for
// concurrent use; the stratum server's job map backs this in production.
type JobSource interface {
	Job(id string) (*job.Job, bool)
	// Evicted reports whether id once named a job that has since left the
	// retention window, as opposed to one that never existed.
	Evicted(id string) bool
}

// Submission is the decoded mining.submit payload.
type Submission struct {
	JobID           string
	Extranonce2Hex  string
	NTimeHex        string
	NonceHex        string
	Extranonce1Hex  string
	Extranonce2Size int
	Difficulty      float64
}

var (
	ErrBadParamLength = errors.New("share: malformed submission parameter length")
	ErrNTimeOutOfRange = errors.New("share: ntime out of range")
)

// jobDuplicates tracks, per job id, the set of (extranonce1, extranonce2,
// ntime, nonce) tuples already seen, so a given submission is accepted at
// most once.
type jobDuplicates struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func newJobDuplicates() *jobDuplicates {
	return &jobDuplicates{seen: make(map[string]map[string]struct{})}
}

func (d *jobDuplicates) checkAndInsert(jobID, key string) (isDuplicate bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.seen[jobID]
	if !ok {
		set = make(map[string]struct{})
		d.seen[jobID] = set
	}
	if _, exists := set[key]; exists {
		return true
	}
	set[key] = struct{}{}
	return false
}

func (d *jobDuplicates) evict(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, jobID)
}

// Validator validates submissions against a JobSource. It owns the
// per-job duplicate-submission sets; callers must call Evict when a job
// leaves the retention window. It does not itself call submitblock: a
// ValidAndBlock result carries the assembled block hex for the caller to
// forward, keeping the RPC round-trip off the hashing path.
type Validator struct {
	jobs       JobSource
	duplicates *jobDuplicates
}

// NewValidator constructs a Validator reading jobs from jobs.
func NewValidator(jobs JobSource) *Validator {
	return &Validator{
		jobs:       jobs,
		duplicates: newJobDuplicates(),
	}
}

// Evict drops the duplicate-submission set for a job that has left the
// retention window.
func (v *Validator) Evict(jobID string) {
	v.duplicates.evict(jobID)
}

// Validate performs the full share-validation algorithm: job lookup,
// parameter-shape checks, duplicate rejection, header reconstruction,
// hashing, and target comparison. txData is the template's transaction
// data list, needed only to assemble a full block hex when the share also
// satisfies the network target.
func (v *Validator) Validate(s Submission, txData []string, now time.Time) (*Result, *job.Job) {
	j, ok := v.jobs.Job(s.JobID)
	if !ok {
		if v.jobs.Evicted(s.JobID) {
			return &Result{Classification: Stale}, nil
		}
		return &Result{Classification: InvalidJob}, nil
	}

	if len(s.Extranonce2Hex) != 2*s.Extranonce2Size ||
		len(s.NTimeHex) != 8 || len(s.NonceHex) != 8 {
		return &Result{Classification: InvalidParams}, j
	}

	extranonce2, err := hex.DecodeString(s.Extranonce2Hex)
	if err != nil {
		return &Result{Classification: InvalidParams}, j
	}
	ntimeBytes, err := hex.DecodeString(s.NTimeHex)
	if err != nil {
		return &Result{Classification: InvalidParams}, j
	}
	nonceBytes, err := hex.DecodeString(s.NonceHex)
	if err != nil {
		return &Result{Classification: InvalidParams}, j
	}
	extranonce1, err := hex.DecodeString(s.Extranonce1Hex)
	if err != nil {
		return &Result{Classification: InvalidParams}, j
	}

	dupKey := s.Extranonce1Hex + ":" + s.Extranonce2Hex + ":" + s.NTimeHex + ":" + s.NonceHex
	if v.duplicates.checkAndInsert(s.JobID, dupKey) {
		return &Result{Classification: InvalidDuplicate}, j
	}

	ntime := binary.BigEndian.Uint32(ntimeBytes)
	lower := int64(j.NTime) - 600
	upper := now.Unix() + 7200
	if int64(ntime) < lower || int64(ntime) > upper {
		return &Result{Classification: InvalidParams}, j
	}

	coinbase := make([]byte, 0, len(j.Coinbase1)/2+len(extranonce1)+len(extranonce2)+len(j.Coinbase2)/2)
	c1, err := hex.DecodeString(j.Coinbase1)
	if err != nil {
		return &Result{Classification: InvalidParams}, j
	}
	c2, err := hex.DecodeString(j.Coinbase2)
	if err != nil {
		return &Result{Classification: InvalidParams}, j
	}
	coinbase = append(coinbase, c1...)
	coinbase = append(coinbase, extranonce1...)
	coinbase = append(coinbase, extranonce2...)
	coinbase = append(coinbase, c2...)

	coinbaseTxID := pow.DoubleSHA256(coinbase)

	merkleRoot, err := job.ComputeMerkleRoot(coinbaseTxID, j.MerkleBranch)
	if err != nil {
		return &Result{Classification: InvalidParams}, j
	}

	bitsBytes, err := hex.DecodeString(j.Bits)
	if err != nil {
		return &Result{Classification: InvalidParams}, j
	}

	header := buildHeader(j.Version, j.PrevHashInternal, merkleRoot, ntime, bitsBytes, nonceBytes)
	blockHash := pow.DoubleSHA256(header)
	hashInt := pow.TargetFromHash(blockHash[:])

	shareTarget := pow.DifficultyToTarget(s.Difficulty)
	if hashInt.Cmp(shareTarget) > 0 {
		return &Result{Classification: InvalidTarget, Hash: hashInt}, j
	}

	result := &Result{Classification: Valid, Hash: hashInt}
	if hashInt.Cmp(j.NetworkTarget) <= 0 {
		result.Classification = ValidAndBlock
		var block []byte
		block = append(block, header...)
		block = append(block, pow.WriteVarInt(uint64(len(txData)+1))...)
		block = append(block, coinbase...)
		for _, data := range txData {
			raw, err := hex.DecodeString(data)
			if err != nil {
				return &Result{Classification: InvalidParams}, j
			}
			block = append(block, raw...)
		}
		result.BlockHex = pow.BytesToHex(block)
	}
	return result, j
}

// buildHeader serializes the 80-byte block header in the wire order
// version(LE) || prev_hash(internal) || merkle_root(internal) ||
// ntime(LE) || nbits(LE) || nonce(LE).
func buildHeader(version uint32, prevHash, merkleRoot [32]byte, ntime uint32, bits, nonce []byte) []byte {
	header := make([]byte, 0, 80)
	header = append(header, le32(version)...)
	header = append(header, prevHash[:]...)
	header = append(header, merkleRoot[:]...)
	header = append(header, le32(ntime)...)
	header = append(header, reverseCopy(bits)...)
	header = append(header, reverseCopy(nonce)...)
	return header
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func reverseCopy(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

