package job

import (
	"encoding/hex"
	"testing"
)

func sampleTemplate(prevHash string) *Template {
	return &Template{
		Version:           536870912,
		PreviousBlockHash: prevHash,
		Bits:              "1d00ffff",
		CurTime:           1700000000,
		Height:            800000,
		CoinbaseValue:     625000000,
		Transactions:      nil,
	}
}

func TestBuilderBuildFirstJobIsClean(t *testing.T) {
	destScript, _ := hex.DecodeString("76a914000000000000000000000000000000000000000088ac")
	b := &Builder{Message: []byte("stratumd"), DestScript: destScript, Extranonce1Size: 4, Extranonce2Size: 4}

	tmpl := sampleTemplate("0000000000000000000111111111111111111111111111111111111111111111")
	j, err := b.Build(tmpl, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !j.CleanJobs {
		t.Fatalf("first job should always be clean_jobs=true")
	}
	if len(j.PrevHash) != 64 {
		t.Fatalf("PrevHash length = %d, want 64", len(j.PrevHash))
	}
	if len(j.MerkleBranch) != 0 {
		t.Fatalf("expected empty merkle branch with no non-coinbase transactions")
	}
	if j.NetworkTarget.Sign() <= 0 {
		t.Fatalf("network target must be positive")
	}
}

func TestBuilderBuildCleanJobsOnPrevHashChange(t *testing.T) {
	destScript, _ := hex.DecodeString("76a914000000000000000000000000000000000000000088ac")
	b := &Builder{Message: []byte("stratumd"), DestScript: destScript, Extranonce1Size: 4, Extranonce2Size: 4}

	hashA := "0000000000000000000111111111111111111111111111111111111111111111"
	hashB := "0000000000000000000222222222222222222222222222222222222222222222"

	first, err := b.Build(sampleTemplate(hashA), "")
	if err != nil {
		t.Fatalf("Build first: %v", err)
	}

	same, err := b.Build(sampleTemplate(hashA), hashA)
	if err != nil {
		t.Fatalf("Build same: %v", err)
	}
	if same.CleanJobs {
		t.Fatalf("clean_jobs should be false when previousblockhash is unchanged")
	}

	changed, err := b.Build(sampleTemplate(hashB), hashA)
	if err != nil {
		t.Fatalf("Build changed: %v", err)
	}
	if !changed.CleanJobs {
		t.Fatalf("clean_jobs should be true when previousblockhash changes")
	}
	_ = first
}

func TestBuilderBuildSwabsPrevHashPerWord(t *testing.T) {
	destScript, _ := hex.DecodeString("76a914000000000000000000000000000000000000000088ac")
	b := &Builder{Message: []byte("x"), DestScript: destScript, Extranonce1Size: 4, Extranonce2Size: 4}

	prevHash := "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"
	j, err := b.Build(sampleTemplate(prevHash), "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	wantFirstWord := "04030201"
	if j.PrevHash[:8] != wantFirstWord {
		t.Fatalf("swabbed prev_hash first word = %s, want %s", j.PrevHash[:8], wantFirstWord)
	}
}
