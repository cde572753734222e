// Package vardiff implements per-client variable-difficulty retargeting: a
// hashrate estimate fed back against a target share interval, clamped by
// step and absolute bounds.
package vardiff

import (
	"math"
	"sync"
	"time"
)

// Params bounds and paces retargeting. Zero values are replaced with the
// documented defaults by NewClient.
type Params struct {
	TargetShareTime      time.Duration
	RetargetMinShares    int
	RetargetMinInterval  time.Duration
	MinDifficulty        float64
	MaxDifficulty        float64
	MaxStepUp            float64
	MaxStepDown          float64
}

func (p Params) withDefaults() Params {
	if p.TargetShareTime <= 0 {
		p.TargetShareTime = 10 * time.Second
	}
	if p.RetargetMinShares <= 0 {
		p.RetargetMinShares = 4
	}
	if p.RetargetMinInterval <= 0 {
		p.RetargetMinInterval = 60 * time.Second
	}
	if p.MinDifficulty <= 0 {
		p.MinDifficulty = 0.001
	}
	if p.MaxDifficulty <= 0 {
		p.MaxDifficulty = 1e9
	}
	if p.MaxStepUp <= 0 {
		p.MaxStepUp = 4
	}
	if p.MaxStepDown <= 0 {
		p.MaxStepDown = 0.25
	}
	return p
}

// twoPow32 is 2^32, the per-hash expected-attempts factor at difficulty 1.
const twoPow32 = 4294967296.0

// Client tracks one connection's retarget state.
type Client struct {
	mu sync.Mutex

	params Params

	difficulty       float64
	suggested        float64
	hasSuggestion    bool
	shareCount       int
	lastRetarget     time.Time
}

// NewClient starts a client at initialDifficulty, clamped to params'
// bounds.
func NewClient(params Params, initialDifficulty float64, now time.Time) *Client {
	p := params.withDefaults()
	if initialDifficulty <= 0 {
		initialDifficulty = p.MinDifficulty
	}
	d := clip(initialDifficulty, p.MinDifficulty, p.MaxDifficulty)
	return &Client{
		params:       p,
		difficulty:   d,
		lastRetarget: now,
	}
}

// Difficulty returns the client's current working difficulty.
func (c *Client) Difficulty() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.difficulty
}

// Suggest records a client-supplied difficulty hint (mining.suggest_difficulty).
// It replaces the current difficulty on the next retarget opportunity,
// still subject to clamping.
func (c *Client) Suggest(d float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.suggested = d
		c.hasSuggestion = true
	}
}

// RecordShare registers an accepted share at now. It returns the new
// difficulty and true when a retarget occurred (the caller must then push
// mining.set_difficulty); otherwise it returns the unchanged difficulty and
// false.
func (c *Client) RecordShare(now time.Time) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shareCount++
	elapsed := now.Sub(c.lastRetarget)

	if c.hasSuggestion {
		suggested := clip(c.suggested, c.params.MinDifficulty, c.params.MaxDifficulty)
		c.hasSuggestion = false
		if suggested != c.difficulty {
			c.difficulty = suggested
			c.shareCount = 0
			c.lastRetarget = now
			return c.difficulty, true
		}
	}

	if c.shareCount < c.params.RetargetMinShares || elapsed < c.params.RetargetMinInterval {
		return c.difficulty, false
	}

	hashrate := float64(c.shareCount) * c.difficulty * twoPow32 / elapsed.Seconds()
	ideal := hashrate * c.params.TargetShareTime.Seconds() / twoPow32

	lowerStep := c.difficulty * c.params.MaxStepDown
	upperStep := c.difficulty * c.params.MaxStepUp
	newDiff := clip(ideal, lowerStep, upperStep)
	newDiff = clip(newDiff, c.params.MinDifficulty, c.params.MaxDifficulty)

	if math.Abs(newDiff-c.difficulty)/c.difficulty <= 0.1 {
		return c.difficulty, false
	}

	c.difficulty = newDiff
	c.shareCount = 0
	c.lastRetarget = now
	return c.difficulty, true
}

func clip(v, lo, hi float64) float64 {
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
