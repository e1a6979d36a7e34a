package pickplace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/generic"
	"go.viam.com/utils"
)

var SequencerModel = resource.NewModel("devrel", "pickplace", "sequencer")

func init() {
	resource.RegisterService(generic.API, SequencerModel,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newSequencerService,
		},
	)
}

type sequencerService struct {
	resource.Named
	resource.AlwaysRebuild

	logger    logging.Logger
	seq       *Sequencer
	sceneName string

	mu       sync.Mutex
	workers  *utils.StoppableWorkers
	running  bool
	cycles   int
	lastRun  *CycleReport
	runError error
}

func newSequencerService(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	armRes, err := deps.Lookup(resource.NewName(arm.API, conf.Arm))
	if err != nil {
		return nil, errors.Wrapf(err, "arm %q not found", conf.Arm)
	}
	a, ok := armRes.(arm.Arm)
	if !ok {
		return nil, fmt.Errorf("resource %q is not an arm", conf.Arm)
	}

	gripperRes, err := deps.Lookup(resource.NewName(gripper.API, conf.Gripper))
	if err != nil {
		return nil, errors.Wrapf(err, "gripper %q not found", conf.Gripper)
	}
	g, ok := gripperRes.(gripper.Gripper)
	if !ok {
		return nil, fmt.Errorf("resource %q is not a gripper", conf.Gripper)
	}

	return NewSequencerService(rawConf.ResourceName(), conf, a, g, logger)
}

// NewSequencerService builds the service over already resolved collaborators.
func NewSequencerService(name resource.Name, conf *Config, a Arm, g Gripper, logger logging.Logger) (resource.Resource, error) {
	sceneName := conf.sceneName(name.String())
	scene, err := scenes.Acquire(sceneName, conf.sceneOptions(), logger)
	if err != nil {
		return nil, err
	}

	seq, err := NewSequencer(a, g, scene, conf.sequencerConfig(), nil, logger)
	if err != nil {
		scenes.Release(sceneName)
		return nil, err
	}

	s := &sequencerService{
		Named:     name.AsNamed(),
		logger:    logger,
		seq:       seq,
		sceneName: sceneName,
	}

	if conf.AutoStart {
		s.start()
	}

	logger.Infof("Pick-and-place sequencer initialized (arm: %s, gripper: %s, scene: %s)", conf.Arm, conf.Gripper, sceneName)
	return s, nil
}

func (s *sequencerService) start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}
	// a loop that ended on its own still holds its workers
	if s.workers != nil {
		s.workers.Stop()
	}
	s.running = true
	s.runError = nil
	s.workers = utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		err := s.seq.Run(ctx, func(report CycleReport) {
			s.mu.Lock()
			s.cycles++
			s.lastRun = &report
			s.mu.Unlock()
		})
		if err != nil {
			s.logger.Errorf("Pick-and-place loop stopped: %v", err)
		}
		s.mu.Lock()
		s.running = false
		s.runError = err
		s.mu.Unlock()
	})
	return true
}

func (s *sequencerService) stop(ctx context.Context) error {
	s.mu.Lock()
	workers := s.workers
	s.workers = nil
	s.mu.Unlock()

	if workers != nil {
		workers.Stop()
	}
	return s.seq.Stop(ctx)
}

func (s *sequencerService) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *sequencerService) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, _ := cmd["command"].(string)

	switch command {
	case "start":
		return map[string]interface{}{"started": s.start()}, nil

	case "stop":
		err := s.stop(ctx)
		return map[string]interface{}{"success": err == nil}, err

	case "status":
		return s.status(), nil

	case "scene":
		return s.sceneReport(ctx)
	}

	if s.isRunning() {
		return nil, fmt.Errorf("cannot run %q while the pick-and-place loop is running", command)
	}

	switch command {
	case "go_to_joint_state":
		reached, err := s.seq.GoToJointState(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"reached": reached}, nil

	case "go_to_pose":
		x, errX := floatArg(cmd, "x")
		y, errY := floatArg(cmd, "y")
		if errX != nil || errY != nil {
			return nil, errors.New("go_to_pose requires numeric 'x' and 'y'")
		}
		z, err := optionalFloatArg(cmd, "z", s.seq.cfg.GraspHeight)
		if err != nil {
			return nil, err
		}
		reached, err := s.seq.GoToPoseGoal(ctx, x, y, z)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"reached": reached}, nil

	case "plan_cartesian_path":
		scale, err := optionalFloatArg(cmd, "scale", 1.0)
		if err != nil {
			return nil, err
		}
		execute, err := optionalBoolArg(cmd, "execute")
		if err != nil {
			return nil, err
		}
		plan, err := s.seq.PlanCartesianPath(ctx, scale)
		if err != nil {
			return nil, err
		}
		s.seq.DisplayTrajectory(plan)
		resp := map[string]interface{}{"waypoints": waypointsToList(plan)}
		if execute {
			fraction, err := s.seq.ExecutePlan(ctx, plan)
			resp["fraction"] = fraction
			if err != nil {
				return resp, err
			}
		}
		return resp, nil

	case "add_box", "attach_box", "detach_box", "remove_box":
		return s.sceneCommand(ctx, command, cmd)

	case "move_gripper":
		width, err := floatArg(cmd, "width")
		if err != nil {
			return nil, err
		}
		speed, err := optionalFloatArg(cmd, "speed", s.seq.cfg.GripperSpeed)
		if err != nil {
			return nil, err
		}
		grabbed, err := s.seq.MoveGripper(ctx, width, speed)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"grabbed": grabbed}, nil

	case "run_cycle":
		report, err := s.seq.RunCycle(ctx)
		if err != nil {
			return nil, err
		}
		return reportToMap(report), nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (s *sequencerService) sceneCommand(ctx context.Context, command string, cmd map[string]interface{}) (map[string]interface{}, error) {
	name := s.seq.cfg.BoxName
	if v, ok := cmd["name"].(string); ok && v != "" {
		name = v
	}
	var timeout time.Duration
	if v, ok := cmd["timeout_sec"].(float64); ok && v > 0 {
		timeout = time.Duration(v * float64(time.Second))
	}

	var step func(context.Context, string, time.Duration) (Outcome, error)
	switch command {
	case "add_box":
		step = s.seq.AddBox
	case "attach_box":
		step = s.seq.AttachBox
	case "detach_box":
		step = s.seq.DetachBox
	default:
		step = s.seq.RemoveBox
	}

	outcome, err := step(ctx, name, timeout)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"name":    name,
		"success": outcome.OK(),
		"outcome": outcome.String(),
	}, nil
}

func (s *sequencerService) status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	refCount, _ := scenes.Status(s.sceneName)
	resp := map[string]interface{}{
		"running":         s.running,
		"cycles":          s.cycles,
		"scene":           s.sceneName,
		"scene_ref_count": refCount,
	}
	if s.lastRun != nil {
		resp["last_cycle"] = reportToMap(*s.lastRun)
	}
	if s.runError != nil {
		resp["error"] = s.runError.Error()
	}
	return resp
}

func (s *sequencerService) sceneReport(ctx context.Context) (map[string]interface{}, error) {
	scene := s.seq.Scene()
	known, err := scene.KnownObjectNames(ctx)
	if err != nil {
		return nil, err
	}
	attached, err := scene.AttachedObjects(ctx, nil)
	if err != nil {
		return nil, err
	}

	attachedOut := make(map[string]interface{}, len(attached))
	for name, obj := range attached {
		attachedOut[name] = map[string]interface{}{
			"link":        obj.Link,
			"touch_links": obj.TouchLinks,
		}
	}
	obstacles := make([]interface{}, 0, len(known))
	for _, gif := range scene.WorldObstacles() {
		for _, geom := range gif.Geometries() {
			obstacles = append(obstacles, map[string]interface{}{
				"label": geom.Label(),
				"frame": gif.Parent(),
			})
		}
	}

	return map[string]interface{}{
		"known":     known,
		"attached":  attachedOut,
		"obstacles": obstacles,
	}, nil
}

func (s *sequencerService) Close(ctx context.Context) error {
	s.logger.Info("Closing pick-and-place sequencer")
	err := s.stop(ctx)
	scenes.Release(s.sceneName)
	return err
}

func floatArg(cmd map[string]interface{}, key string) (float64, error) {
	v, ok := cmd[key].(float64)
	if !ok {
		return 0, fmt.Errorf("'%s' must be a number", key)
	}
	return v, nil
}

// optionalFloatArg returns def when key is absent.
func optionalFloatArg(cmd map[string]interface{}, key string, def float64) (float64, error) {
	if _, ok := cmd[key]; !ok {
		return def, nil
	}
	return floatArg(cmd, key)
}

func optionalBoolArg(cmd map[string]interface{}, key string) (bool, error) {
	raw, ok := cmd[key]
	if !ok {
		return false, nil
	}
	v, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("'%s' must be a boolean", key)
	}
	return v, nil
}

func waypointsToList(plan Plan) []interface{} {
	out := make([]interface{}, 0, len(plan.Waypoints))
	for _, wp := range plan.Waypoints {
		pt := wp.Point()
		out = append(out, []interface{}{pt.X, pt.Y, pt.Z})
	}
	return out
}

func reportToMap(report CycleReport) map[string]interface{} {
	sceneOut := make(map[string]interface{}, len(report.Scene))
	for step, outcome := range report.Scene {
		sceneOut[step] = outcome.String()
	}
	return map[string]interface{}{
		"pick":          []interface{}{report.Pick.X, report.Pick.Y, report.Pick.Z},
		"place":         []interface{}{report.Place.X, report.Place.Y, report.Place.Z},
		"poses_reached": report.PosesReached,
		"poses_total":   report.PosesTotal,
		"grabbed":       report.Grabbed,
		"scene":         sceneOut,
	}
}
