package stratum

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/b-vibesonly/btc-solo-pool/internal/job"
	"github.com/b-vibesonly/btc-solo-pool/internal/journal"
	"github.com/b-vibesonly/btc-solo-pool/internal/metrics"
	"github.com/b-vibesonly/btc-solo-pool/internal/pow"
	"github.com/b-vibesonly/btc-solo-pool/internal/share"
	"github.com/b-vibesonly/btc-solo-pool/internal/stats"
	"github.com/b-vibesonly/btc-solo-pool/internal/vardiff"
)

const (
	maxLineBytes      = 8 * 1024
	maxMalformedInRow = 16
	sendQueueDepth    = 64
)

// Session handles one stratum TCP connection end to end: framing,
// subscribe/authorize handshake, submission parsing, and the
// Connected->Subscribed->Authorized state machine. The connection never
// returns to an earlier state; closing is the only recovery.
type Session struct {
	conn   net.Conn
	writer *bufio.Writer

	extranonce1     string
	extranonce2Size int

	metrics    metrics.Recorder
	statsStore *stats.Store
	validator  *share.Validator
	vardiff    *vardiff.Client
	journal    *journal.Store

	submitBlock func(ctx context.Context, blockHex string) error
	currentJob  func() *job.Job
	lookupJob   func(id string) (*job.Job, bool)
	unregister  func(*Session)

	sendCh    chan []byte
	stopCh    chan struct{}
	closeOnce sync.Once

	mu             sync.Mutex
	subscribed     bool
	authorized     bool
	workerName     string
	malformedCount int
}

// sessionDeps bundles the shared, server-owned collaborators a Session
// needs: the job registry accessors, the single validator/metrics/stats
// instances, and the per-client vardiff parameters.
type sessionDeps struct {
	metrics           metrics.Recorder
	stats             *stats.Store
	validator         *share.Validator
	journal           *journal.Store
	vardiffParams     vardiff.Params
	defaultDifficulty float64
	submitBlock       func(ctx context.Context, blockHex string) error
	currentJob        func() *job.Job
	lookupJob         func(id string) (*job.Job, bool)
	unregister        func(*Session)
}

func newSession(conn net.Conn, extranonce1 string, extranonce2Size int, deps sessionDeps) *Session {
	return &Session{
		conn:            conn,
		writer:          bufio.NewWriter(conn),
		extranonce1:     extranonce1,
		extranonce2Size: extranonce2Size,
		metrics:         deps.metrics,
		statsStore:      deps.stats,
		validator:       deps.validator,
		vardiff:         vardiff.NewClient(deps.vardiffParams, deps.defaultDifficulty, time.Now()),
		journal:         deps.journal,
		submitBlock:     deps.submitBlock,
		currentJob:      deps.currentJob,
		lookupJob:       deps.lookupJob,
		unregister:      deps.unregister,
		sendCh:          make(chan []byte, sendQueueDepth),
		stopCh:          make(chan struct{}),
	}
}

// randomExtranonce1 returns size random bytes hex-encoded, for the server
// to allocate a fresh per-client extranonce1 at accept time.
func randomExtranonce1(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Serve runs the per-connection read loop until the connection closes. It
// blocks the calling goroutine.
func (s *Session) Serve() {
	s.metrics.ConnOpened()
	defer func() {
		s.metrics.ConnClosed()
		s.metrics.ClientDisconnected(s.extranonce1)
		if s.unregister != nil {
			s.unregister(s)
		}
		if name := s.currentWorkerName(); name != "" {
			s.statsStore.UnregisterWorker(name)
		}
	}()

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go s.writeLoop(&writerWG)
	defer func() {
		s.stop()
		writerWG.Wait()
	}()

	scanner := bufio.NewScanner(s.conn)
	buf := make([]byte, 0, maxLineBytes)
	scanner.Buffer(buf, maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !s.handleLine(line) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("stratum: conn %s read error: %v", s.conn.RemoteAddr(), err)
	}
}

// handleLine parses and dispatches one request. It returns false when the
// connection should close: the malformed-message limit has been reached.
func (s *Session) handleLine(line []byte) bool {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.mu.Lock()
		s.malformedCount++
		count := s.malformedCount
		s.mu.Unlock()
		s.writeError(nil, ErrOther)
		return count < maxMalformedInRow
	}
	s.mu.Lock()
	s.malformedCount = 0
	s.mu.Unlock()

	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(req)
	case "mining.authorize":
		s.handleAuthorize(req)
	case "mining.configure":
		s.writeResult(req.ID, map[string]any{})
	case "mining.suggest_difficulty":
		s.handleSuggestDifficulty(req)
	case "mining.suggest_target":
		s.handleSuggestTarget(req)
	case "mining.extranonce.subscribe":
		s.writeResult(req.ID, true)
	case "mining.multi_version":
		s.writeResult(req.ID, true)
	case "mining.get_transactions":
		s.handleGetTransactions(req)
	case "mining.submit":
		s.handleSubmit(req)
	default:
		s.writeError(req.ID, ErrOther)
	}
	return true
}

func (s *Session) handleSubscribe(req request) {
	sid := s.extranonce1
	result := []any{
		[]any{
			[]any{"mining.set_difficulty", sid},
			[]any{"mining.notify", sid},
		},
		s.extranonce1,
		s.extranonce2Size,
	}
	s.mu.Lock()
	s.subscribed = true
	s.mu.Unlock()
	s.writeResult(req.ID, result)

	s.pushSetDifficulty(s.vardiff.Difficulty())
	if j := s.currentJob(); j != nil {
		s.pushNotify(j)
	}
}

func (s *Session) handleAuthorize(req request) {
	var params []any
	_ = json.Unmarshal(req.Params, &params)
	workerName := "anonymous"
	if len(params) > 0 {
		if name, ok := params[0].(string); ok && name != "" {
			workerName = name
		}
	}
	s.mu.Lock()
	s.authorized = true
	s.workerName = workerName
	s.mu.Unlock()

	s.statsStore.RegisterWorker(workerName, time.Now())
	s.writeResult(req.ID, true)
}

func (s *Session) handleSuggestDifficulty(req request) {
	var params []any
	if err := json.Unmarshal(req.Params, &params); err == nil && len(params) > 0 {
		if d, ok := asFloat(params[0]); ok {
			s.vardiff.Suggest(d)
		}
	}
	s.writeResult(req.ID, true)
}

func (s *Session) handleSuggestTarget(req request) {
	// A suggested target implies a suggested difficulty (pdiff1/target),
	// handled the same way as mining.suggest_difficulty: still clamped
	// at the next retarget opportunity.
	var params []any
	if err := json.Unmarshal(req.Params, &params); err == nil && len(params) > 0 {
		if targetHex, ok := params[0].(string); ok && targetHex != "" {
			if d, err := difficultyFromTargetHex(targetHex); err == nil {
				s.vardiff.Suggest(d)
			}
		}
	}
	s.writeResult(req.ID, true)
}

func difficultyFromTargetHex(targetHex string) (float64, error) {
	raw, err := hex.DecodeString(targetHex)
	if err != nil {
		return 0, err
	}
	target := new(big.Int).SetBytes(raw)
	if target.Sign() <= 0 {
		return 0, fmt.Errorf("stratum: non-positive suggested target")
	}
	num := new(big.Float).SetInt(pow.Pdiff1Target())
	quot := new(big.Float).Quo(num, new(big.Float).SetInt(target))
	d, _ := quot.Float64()
	return d, nil
}

func (s *Session) handleGetTransactions(req request) {
	var params []any
	_ = json.Unmarshal(req.Params, &params)
	var j *job.Job
	if len(params) > 0 {
		if id, ok := params[0].(string); ok {
			j, _ = s.lookupJob(id)
		}
	}
	if j == nil {
		s.writeResult(req.ID, []string{})
		return
	}
	txs := make([]string, len(j.Transactions))
	for i, tx := range j.Transactions {
		txs[i] = tx.Data
	}
	s.writeResult(req.ID, txs)
}

func (s *Session) handleSubmit(req request) {
	s.mu.Lock()
	subscribed, authorized, workerName := s.subscribed, s.authorized, s.workerName
	s.mu.Unlock()

	if !subscribed {
		s.writeError(req.ID, ErrNotSubscribed)
		return
	}
	if !authorized {
		s.writeError(req.ID, ErrUnauthorized)
		return
	}

	var params []any
	if err := json.Unmarshal(req.Params, &params); err != nil || len(params) < 5 {
		s.writeError(req.ID, ErrOther)
		return
	}
	jobID, ok1 := params[1].(string)
	extranonce2Hex, ok2 := params[2].(string)
	ntimeHex, ok3 := params[3].(string)
	nonceHex, ok4 := params[4].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		s.writeError(req.ID, ErrOther)
		return
	}

	submission := share.Submission{
		JobID:           jobID,
		Extranonce2Hex:  extranonce2Hex,
		NTimeHex:        ntimeHex,
		NonceHex:        nonceHex,
		Extranonce1Hex:  s.extranonce1,
		Extranonce2Size: s.extranonce2Size,
		Difficulty:      s.vardiff.Difficulty(),
	}

	var txData []string
	if j, ok := s.lookupJob(jobID); ok {
		txData = make([]string, len(j.Transactions))
		for i, tx := range j.Transactions {
			txData[i] = tx.Data
		}
	}

	result, j := s.validator.Validate(submission, txData, time.Now())
	switch result.Classification {
	case share.Valid, share.ValidAndBlock:
		s.writeResult(req.ID, true)
		s.metrics.ShareAccepted()
		s.statsStore.RecordValidShare(workerName, submission.Difficulty, time.Now())
		if s.journal != nil {
			s.journal.RecordShare(context.Background(), workerName, jobID, submission.Difficulty)
		}
		if newDiff, retargeted := s.vardiff.RecordShare(time.Now()); retargeted {
			s.metrics.ClientDifficulty(s.extranonce1, newDiff)
			s.pushSetDifficulty(newDiff)
		}
		if result.Classification == share.ValidAndBlock {
			s.submitFoundBlock(j, result)
		}
	case share.InvalidJob, share.Stale:
		s.writeError(req.ID, ErrJobNotFound)
		s.metrics.ShareStale()
		s.statsStore.RecordStaleShare(workerName, time.Now())
	case share.InvalidDuplicate:
		s.writeError(req.ID, ErrDuplicateShare)
		s.metrics.ShareInvalid()
		s.statsStore.RecordInvalidShare(workerName, time.Now())
	case share.InvalidTarget:
		s.writeError(req.ID, ErrLowDifficulty)
		s.metrics.ShareInvalid()
		s.statsStore.RecordInvalidShare(workerName, time.Now())
	default:
		s.writeError(req.ID, ErrOther)
		s.metrics.ShareInvalid()
		s.statsStore.RecordInvalidShare(workerName, time.Now())
	}
}

func (s *Session) submitFoundBlock(j *job.Job, result *share.Result) {
	height := int64(0)
	if j != nil {
		height = j.Height
	}
	s.metrics.BlockFound(height, "")
	s.statsStore.RecordBlockFound()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.submitBlock(ctx, result.BlockHex)
	success := err == nil
	s.metrics.BlockSubmitted(success)
	reason := ""
	if err != nil {
		reason = err.Error()
		log.Printf("stratum: block submission failed (height=%d): %v", height, err)
	} else {
		log.Printf("stratum: block submitted height=%d", height)
	}
	if s.journal != nil {
		blockHash := ""
		if result.Hash != nil {
			blockHash = result.Hash.Text(16)
		}
		s.journal.RecordBlock(context.Background(), height, "", blockHash, success, reason)
	}
}

// PushJob sends a mining.notify for j if this connection has subscribed.
func (s *Session) PushJob(j *job.Job) {
	s.mu.Lock()
	subscribed := s.subscribed
	s.mu.Unlock()
	if !subscribed {
		return
	}
	s.pushNotify(j)
}

func (s *Session) pushNotify(j *job.Job) {
	params := []any{
		j.ID,
		j.PrevHash,
		j.Coinbase1,
		j.Coinbase2,
		j.MerkleBranch,
		fmt.Sprintf("%08x", j.Version),
		j.Bits,
		fmt.Sprintf("%08x", j.NTime),
		j.CleanJobs,
	}
	s.enqueue(notification("mining.notify", params))
}

func (s *Session) pushSetDifficulty(difficulty float64) {
	s.enqueue(notification("mining.set_difficulty", []any{difficulty}))
}

func (s *Session) writeResult(id any, result any) {
	s.enqueue(okResponse(id, result))
}

func (s *Session) writeError(id any, code int) {
	s.enqueue(errResponse(id, code))
}

func (s *Session) enqueue(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("stratum: marshal failed: %v", err)
		return
	}
	b = append(b, '\n')
	select {
	case <-s.stopCh:
	case s.sendCh <- b:
	default:
		// Backpressure: the send queue is full and the client isn't
		// keeping up. Close rather than block or grow unbounded.
		s.stop()
		_ = s.conn.Close()
	}
}

func (s *Session) stop() {
	s.closeOnce.Do(func() { close(s.stopCh) })
}

func (s *Session) writeLoop(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case b := <-s.sendCh:
			if _, err := s.writer.Write(b); err != nil {
				_ = s.conn.Close()
				continue
			}
			if err := s.writer.Flush(); err != nil {
				_ = s.conn.Close()
			}
		}
	}
}

func (s *Session) currentWorkerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workerName
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
