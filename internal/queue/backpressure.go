package queue

import (
	"sync"
	"sync/atomic"
)

// Level represents the current backpressure level of a queue.
type Level int32

const (
	// LevelNormal - queue draining normally.
	LevelNormal Level = iota

	// LevelWarning - the engine is falling behind.
	LevelWarning

	// LevelCritical - close to the drop threshold.
	LevelCritical

	// LevelEmergency - new points are dropped until the queue drains.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Thresholds are usage ratios at which each level is entered.
type Thresholds struct {
	Warning    float64
	Critical   float64
	Emergency  float64
	Hysteresis float64
}

// DefaultThresholds derives warning and critical levels below the drop
// threshold.
func DefaultThresholds(emergency float64) Thresholds {
	return Thresholds{
		Warning:    emergency * 0.7,
		Critical:   emergency * 0.85,
		Emergency:  emergency,
		Hysteresis: 0.05,
	}
}

// Controller tracks the backpressure level of one queue from its usage.
type Controller struct {
	mu         sync.Mutex
	thresholds Thresholds
	level      atomic.Int32

	onLevelChange func(old, new Level)
}

// NewController creates a controller. onLevelChange may be nil.
func NewController(t Thresholds, onLevelChange func(old, new Level)) *Controller {
	return &Controller{thresholds: t, onLevelChange: onLevelChange}
}

// Check evaluates usage and updates the level.
func (c *Controller) Check(usage float64) Level {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := Level(c.level.Load())
	next := c.determineLevel(current, usage)
	if next != current {
		c.level.Store(int32(next))
		if c.onLevelChange != nil {
			c.onLevelChange(current, next)
		}
	}
	return next
}

// determineLevel rises immediately and falls one level at a time once
// usage drops below the threshold minus hysteresis.
func (c *Controller) determineLevel(current Level, usage float64) Level {
	t := c.thresholds

	// Going up (increasing pressure)
	if usage >= t.Emergency {
		return LevelEmergency
	}
	if usage >= t.Critical && current < LevelCritical {
		return LevelCritical
	}
	if usage >= t.Warning && current < LevelWarning {
		return LevelWarning
	}

	// Going down (decreasing pressure) - apply hysteresis
	switch current {
	case LevelEmergency:
		if usage < t.Emergency-t.Hysteresis {
			return LevelCritical
		}
	case LevelCritical:
		if usage < t.Critical-t.Hysteresis {
			return LevelWarning
		}
	case LevelWarning:
		if usage < t.Warning-t.Hysteresis {
			return LevelNormal
		}
	}
	return current
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldDrop returns true if new points should be dropped.
func (c *Controller) ShouldDrop() bool {
	return c.CurrentLevel() == LevelEmergency
}
