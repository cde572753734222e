package stratum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/b-vibesonly/btc-solo-pool/internal/config"
	"github.com/b-vibesonly/btc-solo-pool/internal/job"
	"github.com/b-vibesonly/btc-solo-pool/internal/metrics"
	"github.com/b-vibesonly/btc-solo-pool/internal/stats"
)

type fakeSource struct {
	mu        sync.Mutex
	templates []*job.Template
	next      int
	err       error
}

func (f *fakeSource) Next(ctx context.Context) (*job.Template, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.next >= len(f.templates) {
		return f.templates[len(f.templates)-1], nil
	}
	t := f.templates[f.next]
	f.next++
	return t, nil
}

func testBuilder(t *testing.T) *job.Builder {
	t.Helper()
	destScript, err := hex.DecodeString("76a914000000000000000000000000000000000000000088ac")
	if err != nil {
		t.Fatalf("decode dest script: %v", err)
	}
	return &job.Builder{Message: []byte("stratumd"), DestScript: destScript, Extranonce1Size: 4, Extranonce2Size: 4}
}

func templateAt(hash string) *job.Template {
	return &job.Template{
		Version:           536870912,
		PreviousBlockHash: hash,
		Bits:              "1d00ffff",
		CurTime:           1700000000,
		Height:            800000,
		CoinbaseValue:     625000000,
	}
}

func testConfig() config.Config {
	return config.Config{
		StratumListen:          "127.0.0.1:0",
		Extranonce1Size:        4,
		Extranonce2Size:        4,
		JobRetentionCount:      3,
		TemplatePollInterval:   20 * time.Millisecond,
		TemplateForceInterval:  time.Hour,
		DefaultDifficulty:      1,
		VardiffTargetShareTime: 10 * time.Second,
		VardiffRetargetMinShares:   4,
		VardiffRetargetMinInterval: 60 * time.Second,
		VardiffMinDifficulty:       0.001,
		VardiffMaxDifficulty:       1e9,
		VardiffMaxStepUp:           4,
		VardiffMaxStepDown:         0.25,
	}
}

func newTestServer(t *testing.T, src *fakeSource) *Server {
	t.Helper()
	submit := func(ctx context.Context, blockHex string) error { return nil }
	return NewServer(testConfig(), testBuilder(t), src, submit, metrics.NoopRecorder{}, stats.NewStore(time.Now()), nil)
}

func waitForJob(t *testing.T, s *Server) *job.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if j := s.currentJob(); j != nil {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a job to be built")
	return nil
}

func TestRefreshTemplateBuildsInitialJob(t *testing.T) {
	src := &fakeSource{templates: []*job.Template{templateAt("0000000000000000000000000000000000000000000000000000000000000011")}}
	s := newTestServer(t, src)

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	j := waitForJob(t, s)
	if j.Height != 800000 {
		t.Fatalf("job height = %d, want 800000", j.Height)
	}
	if !j.CleanJobs {
		t.Fatalf("expected CleanJobs on the first job")
	}
}

func TestRefreshTemplateSetsCleanJobsOnPrevHashChange(t *testing.T) {
	src := &fakeSource{templates: []*job.Template{
		templateAt("0000000000000000000000000000000000000000000000000000000000000011"),
		templateAt("0000000000000000000000000000000000000000000000000000000000000022"),
	}}
	s := newTestServer(t, src)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	first := waitForJob(t, s)
	if first.PrevHash == "" {
		t.Fatalf("expected a prev hash on the first job")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cur := s.currentJob(); cur.ID != first.ID {
			if !cur.CleanJobs {
				t.Fatalf("expected CleanJobs=true on prevhash change")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for the second job")
}

func TestStoreJobEvictsBeyondRetention(t *testing.T) {
	s := newTestServer(t, &fakeSource{})
	b := testBuilder(t)

	for i := 0; i < 5; i++ {
		tmpl := templateAt(fmt.Sprintf("%063d", 0) + string(rune('1'+i)))
		j, err := b.Build(tmpl, "")
		if err != nil {
			t.Fatalf("Build: %v", err)
		}
		j.ID = s.nextJobID()
		s.storeJob(j, tmpl.PreviousBlockHash)
	}

	s.jobsMu.Lock()
	kept := len(s.jobOrder)
	s.jobsMu.Unlock()
	if kept != s.retentionCount {
		t.Fatalf("retained %d jobs, want %d", kept, s.retentionCount)
	}
}

func TestRefreshTemplateSourceErrorRetainsCurrentJob(t *testing.T) {
	src := &fakeSource{templates: []*job.Template{templateAt("0000000000000000000000000000000000000000000000000000000000000011")}}
	s := newTestServer(t, src)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	first := waitForJob(t, s)

	src.mu.Lock()
	src.err = errors.New("node unreachable")
	src.mu.Unlock()

	time.Sleep(60 * time.Millisecond)

	if cur := s.currentJob(); cur.ID != first.ID {
		t.Fatalf("job changed after a source error: got %s, want %s", cur.ID, first.ID)
	}
}

func TestConnectedCountTracksSessions(t *testing.T) {
	s := newTestServer(t, &fakeSource{templates: []*job.Template{templateAt("0000000000000000000000000000000000000000000000000000000000000011")}})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if n := s.ConnectedCount(); n != 0 {
		t.Fatalf("ConnectedCount = %d, want 0 before any client connects", n)
	}
}
