package stratum

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/b-vibesonly/btc-solo-pool/internal/config"
	"github.com/b-vibesonly/btc-solo-pool/internal/job"
	"github.com/b-vibesonly/btc-solo-pool/internal/journal"
	"github.com/b-vibesonly/btc-solo-pool/internal/metrics"
	"github.com/b-vibesonly/btc-solo-pool/internal/share"
	"github.com/b-vibesonly/btc-solo-pool/internal/stats"
	"github.com/b-vibesonly/btc-solo-pool/internal/vardiff"
)

// Server accepts stratum TCP connections, runs the template-refresh loop,
// and broadcasts new jobs to every subscribed session.
type Server struct {
	cfg     config.Config
	builder *job.Builder
	source  job.Source
	submit  func(ctx context.Context, blockHex string) error

	metrics metrics.Recorder
	stats   *stats.Store
	journal *journal.Store

	vardiffParams vardiff.Params

	listener  net.Listener
	waitGroup sync.WaitGroup
	stopCh    chan struct{}

	mu       sync.Mutex
	shutting bool

	jobsMu           sync.Mutex
	jobs             map[string]*job.Job
	jobOrder         []string
	current          *job.Job
	lastBroadcast    time.Time
	previousHash     string
	jobCounter       uint64
	retentionCount   int
	evicted          map[string]struct{}
	evictedOrder     []string

	validator *share.Validator

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}
}

// NewServer wires a Server from cfg and its collaborators. source/submit
// are typically the same *job.RPCClient (it implements both job.Source and
// job.Submitter), kept as separate fields so tests can substitute fakes.
func NewServer(cfg config.Config, builder *job.Builder, source job.Source, submit func(ctx context.Context, blockHex string) error, rec metrics.Recorder, statsStore *stats.Store, journalStore *journal.Store) *Server {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	s := &Server{
		cfg:            cfg,
		builder:        builder,
		source:         source,
		submit:         submit,
		metrics:        rec,
		stats:          statsStore,
		journal:        journalStore,
		jobs:           make(map[string]*job.Job),
		evicted:        make(map[string]struct{}),
		sessions:       make(map[*Session]struct{}),
		retentionCount: cfg.JobRetentionCount,
		vardiffParams: vardiff.Params{
			TargetShareTime:     cfg.VardiffTargetShareTime,
			RetargetMinShares:   cfg.VardiffRetargetMinShares,
			RetargetMinInterval: cfg.VardiffRetargetMinInterval,
			MinDifficulty:       cfg.VardiffMinDifficulty,
			MaxDifficulty:       cfg.VardiffMaxDifficulty,
			MaxStepUp:           cfg.VardiffMaxStepUp,
			MaxStepDown:         cfg.VardiffMaxStepDown,
		},
	}
	s.validator = share.NewValidator(s)
	return s
}

// Job implements share.JobSource.
func (s *Server) Job(id string) (*job.Job, bool) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

// evictedMemory bounds how many job ids past the retention window we still
// recognize as "once valid" for the sake of classifying late submissions as
// stale rather than an outright unknown job.
const evictedMemory = 64

// Evicted implements share.JobSource: reports whether id named a job that
// has since left the retention window, rather than one that never existed.
func (s *Server) Evicted(id string) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, ok := s.evicted[id]
	return ok
}

func (s *Server) currentJob() *job.Job {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	return s.current
}

// Start begins listening for stratum connections and, if a template
// source is configured, starts the background refresh loop.
func (s *Server) Start() error {
	var ln net.Listener
	var err error

	if s.cfg.TLSCertPath != "" && s.cfg.TLSKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("load tls keys: %w", err)
		}
		ln, err = tls.Listen("tcp", s.cfg.StratumListen, &tls.Config{Certificates: []tls.Certificate{cert}})
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Printf("stratum: listening on %s (TLS)", s.cfg.StratumListen)
	} else {
		ln, err = net.Listen("tcp", s.cfg.StratumListen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		log.Printf("stratum: listening on %s", s.cfg.StratumListen)
	}

	s.mu.Lock()
	s.listener = ln
	s.shutting = false
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.waitGroup.Add(1)
	go s.acceptLoop()

	if s.source != nil {
		s.waitGroup.Add(1)
		go s.templateLoop()
	}

	if s.stats != nil {
		s.waitGroup.Add(1)
		go s.statsLoop()
	}
	return nil
}

// Stop closes the listener and waits for every connection handler and the
// refresh loop to exit.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.shutting = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.stopCh != nil {
		close(s.stopCh)
	}
	s.mu.Unlock()

	s.sessionsMu.Lock()
	for sess := range s.sessions {
		sess.stop()
		_ = sess.conn.Close()
	}
	s.sessionsMu.Unlock()

	s.waitGroup.Wait()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.waitGroup.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isShutting() {
				return
			}
			log.Printf("stratum: accept error: %v", err)
			continue
		}
		s.waitGroup.Add(1)
		go func(c net.Conn) {
			defer s.waitGroup.Done()
			s.handleConn(c)
		}(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	extranonce1, err := randomExtranonce1(s.cfg.Extranonce1Size)
	if err != nil {
		log.Printf("stratum: extranonce1 generation failed: %v", err)
		return
	}

	sess := newSession(conn, extranonce1, s.cfg.Extranonce2Size, sessionDeps{
		metrics:           s.metrics,
		stats:             s.stats,
		validator:         s.validator,
		journal:           s.journal,
		vardiffParams:     s.vardiffParams,
		defaultDifficulty: s.cfg.DefaultDifficulty,
		submitBlock:       s.submit,
		currentJob:        s.currentJob,
		lookupJob:         s.Job,
		unregister:        s.unregisterSession,
	})
	s.registerSession(sess)
	sess.Serve()
}

func (s *Server) registerSession(sess *Session) {
	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()
}

func (s *Server) unregisterSession(sess *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess)
	s.sessionsMu.Unlock()
}

// templateLoop polls the node every T_poll, forcing a rebuild every T_force
// even if the previous-block-hash has not changed, per the refresh policy.
func (s *Server) templateLoop() {
	defer s.waitGroup.Done()
	poll := s.cfg.TemplatePollInterval
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	s.refreshTemplate()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.refreshTemplate()
		}
	}
}

func (s *Server) refreshTemplate() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tmpl, err := s.source.Next(ctx)
	if err != nil {
		log.Printf("stratum: template refresh failed, retaining current job: %v", err)
		return
	}

	s.jobsMu.Lock()
	previousHash := s.previousHash
	forceInterval := s.cfg.TemplateForceInterval
	if forceInterval <= 0 {
		forceInterval = 30 * time.Second
	}
	elapsed := time.Since(s.lastBroadcast)
	changed := tmpl.PreviousBlockHash != previousHash
	due := elapsed >= forceInterval
	s.jobsMu.Unlock()

	if !changed && !due && previousHash != "" {
		return
	}

	j, err := s.builder.Build(tmpl, previousHash)
	if err != nil {
		log.Printf("stratum: job build failed: %v", err)
		return
	}
	j.ID = s.nextJobID()

	s.storeJob(j, tmpl.PreviousBlockHash)
	s.metrics.JobHeight(j.Height)
	s.broadcast(j)
}

// statsLoop logs a human-readable pool-wide snapshot every minute, the way
// the original pool's log_stats did.
func (s *Server) statsLoop() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			snap := s.stats.PoolSnapshot(time.Now())
			log.Printf("stratum: pool stats: hashrate=%s miners=%d shares(valid=%d invalid=%d stale=%d) blocks_found=%d uptime=%s",
				stats.FormatHashrate(snap.HashrateHS),
				snap.ConnectedMiners,
				snap.ValidShares,
				snap.InvalidShares,
				snap.StaleShares,
				snap.BlocksFound,
				stats.FormatDuration(snap.UptimeSeconds),
			)
		}
	}
}

func (s *Server) nextJobID() string {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	s.jobCounter++
	return fmt.Sprintf("%08x", s.jobCounter)
}

func (s *Server) storeJob(j *job.Job, previousBlockHash string) {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	s.jobs[j.ID] = j
	s.jobOrder = append(s.jobOrder, j.ID)
	retention := s.retentionCount
	if retention <= 0 {
		retention = 8
	}
	for len(s.jobOrder) > retention {
		evict := s.jobOrder[0]
		s.jobOrder = s.jobOrder[1:]
		delete(s.jobs, evict)
		s.validator.Evict(evict)

		s.evicted[evict] = struct{}{}
		s.evictedOrder = append(s.evictedOrder, evict)
		for len(s.evictedOrder) > evictedMemory {
			forget := s.evictedOrder[0]
			s.evictedOrder = s.evictedOrder[1:]
			delete(s.evicted, forget)
		}
	}

	s.current = j
	s.previousHash = previousBlockHash
	s.lastBroadcast = time.Now()
}

func (s *Server) broadcast(j *job.Job) {
	s.sessionsMu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessionsMu.Unlock()

	for _, sess := range sessions {
		sess.PushJob(j)
	}
}

func (s *Server) isShutting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutting
}

// ConnectedCount returns the number of currently connected sessions.
func (s *Server) ConnectedCount() int {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return len(s.sessions)
}
