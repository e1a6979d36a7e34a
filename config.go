package pickplace

import (
	"fmt"
	"time"

	"github.com/golang/geo/r3"
)

// Config is the JSON attribute block of the sequencer service.
type Config struct {
	Arm     string `json:"arm"`
	Gripper string `json:"gripper"`

	// Ready joint configuration in radians (default: Panda ready pose)
	ReadyJoints []float64 `json:"ready_joints,omitempty"`
	// Grasp orientation quaternion as [w, x, y, z]; normalized before use
	GraspOrientation []float64 `json:"grasp_orientation,omitempty"`

	LinearToleranceMm   float64 `json:"linear_tolerance_mm,omitempty"`   // default: 10
	AngularToleranceRad float64 `json:"angular_tolerance_rad,omitempty"` // default: 0.01

	// Planning scene
	SceneName       string    `json:"scene_name,omitempty"`       // Sequencers sharing a name share a scene (default: the service name)
	SceneTimeoutSec float64   `json:"scene_timeout_sec,omitempty"` // default: 4
	PollIntervalMs  int       `json:"poll_interval_ms,omitempty"`  // default: 100
	SceneLatencyMs  int       `json:"scene_latency_ms,omitempty"`
	BoxName         string    `json:"box_name,omitempty"`
	BoxSizeMm       []float64 `json:"box_size_mm,omitempty"`   // default: [75, 75, 75]
	BoxOffsetMm     []float64 `json:"box_offset_mm,omitempty"` // default: [0, 0, 110] in hand_frame
	HandFrame       string    `json:"hand_frame,omitempty"`
	EndEffectorLink string    `json:"end_effector_link,omitempty"`
	TouchLinks      []string  `json:"touch_links,omitempty"`

	// Cycle geometry in mm
	ApproachHeightMm  float64   `json:"approach_height_mm,omitempty"`
	GraspHeightMm     float64   `json:"grasp_height_mm,omitempty"`
	PickCoordinatesMm []float64 `json:"pick_coordinates_mm,omitempty"`

	// Gripper widths in meters and speed as a fraction of max
	MaxGripperWidthM    float64 `json:"max_gripper_width_m,omitempty"`
	OpenWidthM          float64 `json:"open_width_m,omitempty"`
	GripWidthM          float64 `json:"grip_width_m,omitempty"`
	GripperSpeed        float64 `json:"gripper_speed,omitempty"`
	GripperWidthCommand bool    `json:"gripper_width_command,omitempty"` // Use DoCommand set_position instead of Open/Grab

	AutoStart bool  `json:"auto_start,omitempty"`
	Seed      int64 `json:"seed,omitempty"`
}

// Validate ensures all parts of the config are valid and returns the arm and gripper as dependencies.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Arm == "" {
		return nil, nil, fmt.Errorf("%s: must specify arm", path)
	}
	if cfg.Gripper == "" {
		return nil, nil, fmt.Errorf("%s: must specify gripper", path)
	}

	if cfg.GraspOrientation != nil && len(cfg.GraspOrientation) != 4 {
		return nil, nil, fmt.Errorf("%s: grasp_orientation must have 4 values [w, x, y, z], got %d", path, len(cfg.GraspOrientation))
	}
	if len(cfg.GraspOrientation) == 4 {
		allZero := true
		for _, v := range cfg.GraspOrientation {
			if v != 0 {
				allZero = false
			}
		}
		if allZero {
			return nil, nil, fmt.Errorf("%s: grasp_orientation must not be all zeros", path)
		}
	}
	if cfg.BoxSizeMm != nil && len(cfg.BoxSizeMm) != 3 {
		return nil, nil, fmt.Errorf("%s: box_size_mm must have 3 values, got %d", path, len(cfg.BoxSizeMm))
	}
	for _, d := range cfg.BoxSizeMm {
		if d <= 0 {
			return nil, nil, fmt.Errorf("%s: box_size_mm values must be positive, got %v", path, cfg.BoxSizeMm)
		}
	}
	if cfg.BoxOffsetMm != nil && len(cfg.BoxOffsetMm) != 3 {
		return nil, nil, fmt.Errorf("%s: box_offset_mm must have 3 values, got %d", path, len(cfg.BoxOffsetMm))
	}

	if cfg.LinearToleranceMm < 0 || cfg.AngularToleranceRad < 0 {
		return nil, nil, fmt.Errorf("%s: tolerances must not be negative", path)
	}
	if cfg.SceneTimeoutSec < 0 || cfg.PollIntervalMs < 0 || cfg.SceneLatencyMs < 0 {
		return nil, nil, fmt.Errorf("%s: scene timings must not be negative", path)
	}
	if cfg.GripperSpeed < 0 || cfg.GripperSpeed > 1 {
		return nil, nil, fmt.Errorf("%s: gripper_speed must be between 0 and 1, got %.2f", path, cfg.GripperSpeed)
	}
	if cfg.MaxGripperWidthM < 0 || cfg.OpenWidthM < 0 || cfg.GripWidthM < 0 {
		return nil, nil, fmt.Errorf("%s: gripper widths must not be negative", path)
	}

	return []string{cfg.Arm, cfg.Gripper}, nil, nil
}

// sceneName returns the registry key of the scene this config uses. Without a
// scene_name each service gets a scene of its own, keyed by its resource name.
func (cfg *Config) sceneName(resourceName string) string {
	if cfg.SceneName == "" {
		return resourceName
	}
	return cfg.SceneName
}

func (cfg *Config) sceneOptions() SceneOptions {
	return SceneOptions{UpdateLatency: time.Duration(cfg.SceneLatencyMs) * time.Millisecond}
}

// sequencerConfig overlays the configured attributes on the demo defaults.
func (cfg *Config) sequencerConfig() SequencerConfig {
	sc := DefaultSequencerConfig()

	if len(cfg.ReadyJoints) > 0 {
		sc.ReadyJoints = append([]float64(nil), cfg.ReadyJoints...)
	}
	if len(cfg.GraspOrientation) == 4 {
		copy(sc.GraspOrientation[:], cfg.GraspOrientation)
	}
	if cfg.LinearToleranceMm > 0 {
		sc.Tolerance.Linear = cfg.LinearToleranceMm
	}
	if cfg.AngularToleranceRad > 0 {
		sc.Tolerance.Angular = cfg.AngularToleranceRad
	}
	if cfg.SceneTimeoutSec > 0 {
		sc.SceneTimeout = time.Duration(cfg.SceneTimeoutSec * float64(time.Second))
	}
	if cfg.PollIntervalMs > 0 {
		sc.PollInterval = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	}
	if cfg.BoxName != "" {
		sc.BoxName = cfg.BoxName
	}
	if len(cfg.BoxSizeMm) == 3 {
		sc.BoxSize = r3.Vector{X: cfg.BoxSizeMm[0], Y: cfg.BoxSizeMm[1], Z: cfg.BoxSizeMm[2]}
	}
	if len(cfg.BoxOffsetMm) == 3 {
		sc.BoxOffset = r3.Vector{X: cfg.BoxOffsetMm[0], Y: cfg.BoxOffsetMm[1], Z: cfg.BoxOffsetMm[2]}
	}
	if cfg.HandFrame != "" {
		sc.HandFrame = cfg.HandFrame
	}
	if cfg.EndEffectorLink != "" {
		sc.EndEffectorLink = cfg.EndEffectorLink
	}
	if len(cfg.TouchLinks) > 0 {
		sc.TouchLinks = append([]string(nil), cfg.TouchLinks...)
	}
	if cfg.ApproachHeightMm > 0 {
		sc.ApproachHeight = cfg.ApproachHeightMm
	}
	if cfg.GraspHeightMm > 0 {
		sc.GraspHeight = cfg.GraspHeightMm
	}
	if len(cfg.PickCoordinatesMm) > 0 {
		sc.PickCoordinates = append([]float64(nil), cfg.PickCoordinatesMm...)
	}
	if cfg.MaxGripperWidthM > 0 {
		sc.MaxGripperWidth = cfg.MaxGripperWidthM
	}
	if cfg.OpenWidthM > 0 {
		sc.OpenWidth = cfg.OpenWidthM
	}
	if cfg.GripWidthM > 0 {
		sc.GripWidth = cfg.GripWidthM
	}
	if cfg.GripperSpeed > 0 {
		sc.GripperSpeed = cfg.GripperSpeed
	}
	sc.GripperWidthCommand = cfg.GripperWidthCommand
	if cfg.Seed != 0 {
		sc.Seed = cfg.Seed
	}
	return sc
}
