package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"

	"pickplace"
)

func main() {
	err := realMain()
	if err != nil {
		panic(err)
	}
}

func realMain() error {
	cycles := flag.Int("cycles", 3, "number of pick-and-place cycles to run, 0 to run until interrupted")
	latency := flag.Duration("scene-latency", 50*time.Millisecond, "delay before scene changes become visible")
	timeout := flag.Duration("scene-timeout", 4*time.Second, "how long to wait for each scene change")
	offset := flag.Float64("settle-offset", 0, "mm the simulated arm lands short of every pose goal")
	widthCommand := flag.Bool("width-command", false, "drive the gripper with set_position instead of open/grab")
	seed := flag.Int64("seed", 1, "seed for the pick point")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger := logging.NewLogger("pickplace-cli")

	scene := pickplace.NewPlanningScene(pickplace.SceneOptions{UpdateLatency: *latency}, logger)
	defer scene.Close()

	simArm := pickplace.NewSimulatedArm(7, spatialmath.NewPoseFromPoint(r3.Vector{X: 300, Z: 500}))
	simArm.PoseOffset = r3.Vector{Z: -*offset}
	simGripper := pickplace.NewSimulatedGripper()
	simGripper.ObjectWidth = 75 / 0.8 // 75mm box in an 80mm hand, in percent

	cfg := pickplace.DefaultSequencerConfig()
	cfg.SceneTimeout = *timeout
	cfg.GripperWidthCommand = *widthCommand
	cfg.Seed = *seed

	seq, err := pickplace.NewSequencer(simArm, simGripper, scene, cfg, nil, logger)
	if err != nil {
		return err
	}

	if *cycles == 0 {
		logger.Info("Running until interrupted, press Ctrl+C to exit")
		return seq.Run(ctx, func(report pickplace.CycleReport) {
			logger.Infof("Cycle: grabbed=%v scene=%v", report.Grabbed, report.Scene)
		})
	}

	reached, err := seq.GoToJointState(ctx)
	if err != nil {
		return err
	}
	logger.Infof("Ready configuration reached: %v", reached)

	for i := 0; i < *cycles && ctx.Err() == nil; i++ {
		report, err := seq.RunCycle(ctx)
		if err != nil {
			return err
		}
		logger.Infof("Cycle %d: %d/%d poses, grabbed=%v, scene=%v", i+1, report.PosesReached, report.PosesTotal, report.Grabbed, report.Scene)
	}

	plan, err := seq.PlanCartesianPath(ctx, 1)
	if err != nil {
		return err
	}
	seq.DisplayTrajectory(plan)
	fraction, err := seq.ExecutePlan(ctx, plan)
	if err != nil {
		return err
	}
	logger.Infof("Cartesian path executed: %.0f%%", fraction*100)

	return seq.Stop(ctx)
}
