package pickplace

import (
	"context"
	"fmt"
	"sync"
)

// Gripper is the part of an rdk gripper.Gripper the sequencer drives.
type Gripper interface {
	Open(ctx context.Context, extra map[string]interface{}) error
	Grab(ctx context.Context, extra map[string]interface{}) (bool, error)
	Stop(ctx context.Context, extra map[string]interface{}) error
	DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error)
}

// widthToPercent maps a finger opening in meters to the 0-100% position scale used by
// percentage-driven grippers.
func widthToPercent(width, maxWidth float64) float64 {
	if maxWidth <= 0 {
		return 0
	}
	percent := width / maxWidth * 100
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return percent
}

// speedToPercent maps a speed fraction (0-1] onto the 3-100 %/s range accepted by
// the SO-101 gripper.
func speedToPercent(speed float64) float32 {
	percent := speed * 100
	if percent < 3 {
		percent = 3
	}
	if percent > 100 {
		percent = 100
	}
	return float32(percent)
}

// SimulatedGripper is an in-memory gripper. Grab closes until it meets an object of
// ObjectWidth percent, or fully if there is none.
type SimulatedGripper struct {
	mu sync.Mutex
	// Gripper positions in percentage, 0-100%
	position     float64
	ObjectWidth  float64
	lastSpeed    float32
	openPosition float64
}

// NewSimulatedGripper returns an open gripper.
func NewSimulatedGripper() *SimulatedGripper {
	return &SimulatedGripper{position: 100, openPosition: 100}
}

func (g *SimulatedGripper) Open(ctx context.Context, extra map[string]interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.position = g.openPosition
	return nil
}

func (g *SimulatedGripper) Grab(ctx context.Context, extra map[string]interface{}) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ObjectWidth > 0 && g.ObjectWidth < g.position {
		g.position = g.ObjectWidth
		return true, nil
	}
	g.position = 0
	return false, nil
}

// Stop is a no-op since every simulated move completes immediately.
func (g *SimulatedGripper) Stop(ctx context.Context, extra map[string]interface{}) error {
	return nil
}

// Position returns the opening in percent.
func (g *SimulatedGripper) Position() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.position
}

func (g *SimulatedGripper) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "get_position":
		g.mu.Lock()
		defer g.mu.Unlock()
		return map[string]interface{}{
			"position_percentage": g.position,
			"open_position":       g.openPosition,
		}, nil

	case "set_position":
		targetPercent, ok := cmd["percentage"].(float64)
		if !ok {
			return nil, fmt.Errorf("set_position command requires 'percentage' parameter")
		}
		if targetPercent < 0 {
			targetPercent = 0
		}
		if targetPercent > 100 {
			targetPercent = 100
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if speed, ok := cmd["speed_percent"].(float32); ok {
			g.lastSpeed = speed
		}
		// fingers stop on the object when closing past it
		if g.ObjectWidth > 0 && targetPercent < g.ObjectWidth && g.position >= g.ObjectWidth {
			targetPercent = g.ObjectWidth
		}
		g.position = targetPercent
		return map[string]interface{}{"success": true}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}
