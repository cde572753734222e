// Package metrics defines the recorder interface the stratum server and its
// sessions report through, plus a Prometheus-backed implementation.
package metrics

// Recorder is the event sink the coordinator reports operational counters
// and gauges through. A nil-safe no-op implementation is provided so
// metrics remain optional.
type Recorder interface {
	ConnOpened()
	ConnClosed()
	ShareAccepted()
	ShareStale()
	ShareInvalid()
	BlockFound(height int64, reason string)
	BlockSubmitted(success bool)
	JobHeight(height int64)
	ClientDifficulty(clientID string, difficulty float64)
	ClientDisconnected(clientID string)
}

// NoopRecorder discards every event. stratum.NewServer falls back to it when
// given a nil Recorder.
type NoopRecorder struct{}

func (NoopRecorder) ConnOpened()                                    {}
func (NoopRecorder) ConnClosed()                                    {}
func (NoopRecorder) ShareAccepted()                                 {}
func (NoopRecorder) ShareStale()                                    {}
func (NoopRecorder) ShareInvalid()                                  {}
func (NoopRecorder) BlockFound(height int64, reason string)         {}
func (NoopRecorder) BlockSubmitted(success bool)                    {}
func (NoopRecorder) JobHeight(height int64)                         {}
func (NoopRecorder) ClientDifficulty(clientID string, diff float64) {}
func (NoopRecorder) ClientDisconnected(clientID string)             {}
