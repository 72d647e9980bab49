// Copyright (c) Northern.tech AS
// Licensed under the Apache License, Version 2.0.

package menderconvertlib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/mendersoftware/mender-convert/internal/logger"
)

// StepInput names an intermediate product a step may depend on. The
// controller refuses to run a step whose inputs are missing instead of
// letting it crash halfway into the image.
type StepInput string

const (
	InputSourceImage StepInput = "source image"
	InputRootfsSize  StepInput = "rootfs size"
	InputLayoutPlan  StepInput = "layout plan"
	InputTargetImage StepInput = "target image"
	InputMounts      StepInput = "mounted partitions"
	InputArtifact    StepInput = "artifact"
)

// PipelineContext is the shared state of one conversion run: the options, the
// per-run working directory, every acquired host resource, and the
// intermediate products the steps hand to each other.
type PipelineContext struct {
	Options *ConversionOptions
	Profile DeviceProfile

	WorkDir   string
	MountRoot string
	LogFile   string

	Mappings *DeviceMappingSet

	// Step products.
	Source     *RawDiskImage
	RootfsSize uint64
	Plan       *PartitionLayoutPlan
	Target     *TargetDiskImage
	Mounts     *MountSet
	Artifact   *Artifact

	outputs []string
}

// NewPipelineContext creates the run's working directory and resource
// tracking. The directory name is unique per run so concurrent conversions on
// one host cannot collide.
func NewPipelineContext(options *ConversionOptions, profile DeviceProfile,
) (*PipelineContext, error) {
	workDir := filepath.Join(options.BuildDir, "mender-convert-"+uuid.NewString())
	mountRoot := filepath.Join(workDir, "mnt")

	err := os.MkdirAll(mountRoot, 0o755)
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory (%s):\n%w", workDir, err)
	}

	// The build log captures every external tool's output at debug level.
	logFile := filepath.Join(workDir, "convert.log")
	err = logger.AddFileLog(logFile)
	if err != nil {
		logger.Log.Warnf("Proceeding without a build log: %v", err)
		logFile = ""
	}

	return &PipelineContext{
		Options:   options,
		Profile:   profile,
		WorkDir:   workDir,
		MountRoot: mountRoot,
		LogFile:   logFile,
		Mappings:  NewDeviceMappingSet(),
	}, nil
}

// TrackOutput registers a produced file for removal if the run fails.
func (c *PipelineContext) TrackOutput(path string) {
	c.outputs = append(c.outputs, path)
}

func (c *PipelineContext) has(input StepInput) bool {
	switch input {
	case InputSourceImage:
		return c.Source != nil
	case InputRootfsSize:
		return c.RootfsSize != 0
	case InputLayoutPlan:
		return c.Plan != nil
	case InputTargetImage:
		return c.Target != nil
	case InputMounts:
		return c.Mounts != nil
	case InputArtifact:
		return c.Artifact != nil
	default:
		return false
	}
}

// Cleanup tears down everything the run acquired: mounts first, then device
// mappings, then (unless intermediates are kept) the working directory. On a
// failed run, tracked output files are removed too, so a failure never leaves
// a half-written image that looks finished.
func (c *PipelineContext) Cleanup(failed bool) error {
	var firstErr error

	if c.Mounts != nil {
		err := c.Mounts.UnmountAll()
		if err != nil {
			firstErr = err
		}
		c.Mounts = nil
	}

	err := c.Mappings.ReleaseAll()
	if err != nil && firstErr == nil {
		firstErr = err
	}

	if failed && !c.Options.KeepIntermediates {
		for _, output := range c.outputs {
			logger.Log.Debugf("Removing incomplete output (%s)", output)
			err := os.Remove(output)
			if err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = fmt.Errorf("failed to remove incomplete output (%s):\n%w", output, err)
			}
		}
	}

	// A failed run keeps its working directory so the build log survives.
	if failed || c.Options.KeepIntermediates {
		logger.Log.Infof("Keeping working directory (%s)", c.WorkDir)
		if c.LogFile != "" {
			logger.Log.Infof("Full build log: %s", c.LogFile)
		}
	} else {
		err := os.RemoveAll(c.WorkDir)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to remove working directory (%s):\n%w", c.WorkDir, err)
		}
	}

	return firstErr
}

// Step is one unit of pipeline work.
type Step struct {
	Name  string
	Needs []StepInput
	Run   func(*PipelineContext) error
}

// Pipeline is an ordered list of steps sharing one context.
type Pipeline struct {
	Name  string
	Steps []Step
}

// Run executes the steps in order, stopping at the first failure. Failures
// carry the pipeline name and the failing step's position.
func (p *Pipeline) Run(ctx context.Context, pctx *PipelineContext) error {
	total := len(p.Steps)
	for i, step := range p.Steps {
		err := ctx.Err()
		if err != nil {
			return fmt.Errorf("pipeline (%s) interrupted before step %d/%d (%s):\n%w",
				p.Name, i+1, total, step.Name, err)
		}

		for _, input := range step.Needs {
			if !pctx.has(input) {
				return fmt.Errorf("pipeline (%s) step %d/%d (%s) is missing its %s input",
					p.Name, i+1, total, step.Name, input)
			}
		}

		logger.Log.Infof("[%d/%d] %s", i+1, total, step.Name)
		err = step.Run(pctx)
		if err != nil {
			return fmt.Errorf("pipeline (%s) failed at step %d/%d (%s):\n%w",
				p.Name, i+1, total, step.Name, err)
		}
	}

	return nil
}

// RunPipelines runs the pipelines in order against one shared context, and
// always cleans up the context's resources before returning. A cleanup
// failure on an otherwise successful run is a failure: a leaked loop device
// or mount is a host-wide problem.
func RunPipelines(ctx context.Context, pctx *PipelineContext, pipelines []*Pipeline,
) (err error) {
	defer func() {
		cleanupErr := pctx.Cleanup(err != nil)
		if cleanupErr != nil {
			if err == nil {
				err = cleanupErr
			} else {
				logger.Log.Warnf("Cleanup after failure also failed: %v", cleanupErr)
			}
		}
	}()

	for _, pipeline := range pipelines {
		err = pipeline.Run(ctx, pctx)
		if err != nil {
			return err
		}
	}

	return nil
}
