package stratum

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/b-vibesonly/btc-solo-pool/internal/job"
	"github.com/b-vibesonly/btc-solo-pool/internal/metrics"
	"github.com/b-vibesonly/btc-solo-pool/internal/share"
	"github.com/b-vibesonly/btc-solo-pool/internal/stats"
	"github.com/b-vibesonly/btc-solo-pool/internal/vardiff"
)

func buildTestJob(t *testing.T) *job.Job {
	t.Helper()
	destScript, _ := hex.DecodeString("76a914000000000000000000000000000000000000000088ac")
	b := &job.Builder{Message: []byte("stratumd"), DestScript: destScript, Extranonce1Size: 4, Extranonce2Size: 4}
	tmpl := &job.Template{
		Version:           536870912,
		PreviousBlockHash: "0000000000000000000000000000000000000000000000000000000000000011",
		Bits:              "1d00ffff",
		CurTime:           1700000000,
		Height:            800000,
		CoinbaseValue:     625000000,
	}
	j, err := b.Build(tmpl, "")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	j.ID = "00000001"
	return j
}

func testVardiffParams() vardiff.Params {
	return vardiff.Params{
		TargetShareTime:     10 * time.Second,
		RetargetMinShares:   4,
		RetargetMinInterval: 60 * time.Second,
		MinDifficulty:       0.001,
		MaxDifficulty:       1e9,
		MaxStepUp:           4,
		MaxStepDown:         0.25,
	}
}

type testSessionHarness struct {
	client *bufio.ReadWriter
	sess   *Session
	done   chan struct{}
}

func newTestSession(t *testing.T, j *job.Job, defaultDifficulty float64) *testSessionHarness {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	jobs := map[string]*job.Job{j.ID: j}
	validator := share.NewValidator(fakeJobSource{jobs: jobs})

	sess := newSession(serverConn, "aabbccdd", 4, sessionDeps{
		metrics:           metrics.NoopRecorder{},
		stats:             stats.NewStore(time.Now()),
		validator:         validator,
		vardiffParams:     testVardiffParams(),
		defaultDifficulty: defaultDifficulty,
		submitBlock: func(ctx context.Context, blockHex string) error {
			return nil
		},
		currentJob: func() *job.Job { return j },
		lookupJob:  func(id string) (*job.Job, bool) { jj, ok := jobs[id]; return jj, ok },
		unregister: func(*Session) {},
	})

	done := make(chan struct{})
	go func() {
		sess.Serve()
		close(done)
	}()

	return &testSessionHarness{
		client: bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn)),
		sess:   sess,
		done:   done,
	}
}

type fakeJobSource struct {
	jobs map[string]*job.Job
}

func (f fakeJobSource) Job(id string) (*job.Job, bool) {
	j, ok := f.jobs[id]
	return j, ok
}

func (f fakeJobSource) Evicted(id string) bool {
	return false
}

func (h *testSessionHarness) send(t *testing.T, line string) {
	t.Helper()
	if _, err := h.client.WriteString(line + "\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := h.client.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func (h *testSessionHarness) readMessage(t *testing.T) map[string]any {
	t.Helper()
	line, err := h.client.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("unmarshal %q: %v", line, err)
	}
	return m
}

func TestSubscribeRespondsThenPushesDifficultyAndNotify(t *testing.T) {
	j := buildTestJob(t)
	h := newTestSession(t, j, 1)

	h.send(t, `{"id":1,"method":"mining.subscribe","params":["ua/1.0"]}`)

	resp := h.readMessage(t)
	result, ok := resp["result"].([]any)
	if !ok || len(result) != 3 {
		t.Fatalf("unexpected subscribe response: %#v", resp)
	}
	extranonce1, _ := result[1].(string)
	if len(extranonce1) != 8 {
		t.Fatalf("extranonce1 = %q, want 8 hex chars", extranonce1)
	}
	if size, _ := result[2].(float64); size != 4 {
		t.Fatalf("extranonce2_size = %v, want 4", result[2])
	}

	setDiff := h.readMessage(t)
	if setDiff["method"] != "mining.set_difficulty" {
		t.Fatalf("expected mining.set_difficulty push, got %#v", setDiff)
	}

	notify := h.readMessage(t)
	if notify["method"] != "mining.notify" {
		t.Fatalf("expected mining.notify push, got %#v", notify)
	}
}

func TestAuthorizeAlwaysTrue(t *testing.T) {
	j := buildTestJob(t)
	h := newTestSession(t, j, 1)
	h.send(t, `{"id":1,"method":"mining.subscribe","params":["ua/1.0"]}`)
	h.readMessage(t)
	h.readMessage(t)
	h.readMessage(t)

	h.send(t, `{"id":2,"method":"mining.authorize","params":["worker.1","x"]}`)
	resp := h.readMessage(t)
	if resp["result"] != true {
		t.Fatalf("authorize result = %v, want true", resp["result"])
	}
	if resp["error"] != nil {
		t.Fatalf("authorize error = %v, want nil", resp["error"])
	}
}

func TestSubmitBeforeAuthorizeReturnsUnauthorized(t *testing.T) {
	j := buildTestJob(t)
	h := newTestSession(t, j, 1)
	h.send(t, `{"id":1,"method":"mining.subscribe","params":["ua/1.0"]}`)
	h.readMessage(t)
	h.readMessage(t)
	h.readMessage(t)

	h.send(t, `{"id":2,"method":"mining.submit","params":["worker.1","00000001","00000001","6553f100","00000000"]}`)
	resp := h.readMessage(t)
	errTuple, ok := resp["error"].([]any)
	if !ok || int(errTuple[0].(float64)) != ErrUnauthorized {
		t.Fatalf("expected unauthorized error, got %#v", resp)
	}
}

func TestSubmitUnknownJobReturnsJobNotFound(t *testing.T) {
	j := buildTestJob(t)
	h := newTestSession(t, j, 1)
	h.send(t, `{"id":1,"method":"mining.subscribe","params":["ua/1.0"]}`)
	h.readMessage(t)
	h.readMessage(t)
	h.readMessage(t)
	h.send(t, `{"id":2,"method":"mining.authorize","params":["worker.1","x"]}`)
	h.readMessage(t)

	h.send(t, `{"id":3,"method":"mining.submit","params":["worker.1","ffffffff","00000001","6553f100","00000000"]}`)
	resp := h.readMessage(t)
	errTuple, ok := resp["error"].([]any)
	if !ok || int(errTuple[0].(float64)) != ErrJobNotFound {
		t.Fatalf("expected job-not-found error, got %#v", resp)
	}
}

func TestSubmitLowDifficultyShareRejected(t *testing.T) {
	j := buildTestJob(t)
	// An extremely high difficulty makes the share target astronomically
	// small, so any real hash will exceed it.
	h := newTestSession(t, j, 1e18)
	h.send(t, `{"id":1,"method":"mining.subscribe","params":["ua/1.0"]}`)
	h.readMessage(t)
	h.readMessage(t)
	h.readMessage(t)
	h.send(t, `{"id":2,"method":"mining.authorize","params":["worker.1","x"]}`)
	h.readMessage(t)

	h.send(t, `{"id":3,"method":"mining.submit","params":["worker.1","00000001","00000001","6553f100","00000000"]}`)
	resp := h.readMessage(t)
	errTuple, ok := resp["error"].([]any)
	if !ok || int(errTuple[0].(float64)) != ErrLowDifficulty {
		t.Fatalf("expected low-difficulty error, got %#v", resp)
	}
}

func TestConfigureAcknowledgesWithEmptyObject(t *testing.T) {
	j := buildTestJob(t)
	h := newTestSession(t, j, 1)
	h.send(t, `{"id":1,"method":"mining.subscribe","params":["ua/1.0"]}`)
	h.readMessage(t)
	h.readMessage(t)
	h.readMessage(t)

	h.send(t, `{"id":2,"method":"mining.configure","params":[[],{}]}`)
	resp := h.readMessage(t)
	result, ok := resp["result"].(map[string]any)
	if !ok || len(result) != 0 {
		t.Fatalf("configure result = %#v, want empty object", resp["result"])
	}
}
