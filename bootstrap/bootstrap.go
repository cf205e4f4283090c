package bootstrap

import (
	"fmt"
	"path"

	"github.com/Octogonapus/S3BenchmarkFleet/artifact"
)

// Passed as the region argument when no deployment region is known.
const UnknownRegion = "unknown"

// Downloaded artifacts are written under this directory, keyed by their artifact key.
const DownloadDir = "/tmp"

// One step of a bootstrap sequence. Either a *DownloadStep or an *ExecuteStep.
type Step interface {
	isStep()
}

type DownloadStep struct {
	Artifact  *artifact.Reference
	LocalPath string
}

type ExecuteStep struct {
	Path string
	Args Arguments
}

func (*DownloadStep) isStep() {}
func (*ExecuteStep) isStep()  {}

// The ordered steps an instance runs once at startup.
type Sequence struct {
	Steps []Step
}

// AddDownload appends a step that downloads ref and returns the local path it is downloaded to.
func (s *Sequence) AddDownload(ref *artifact.Reference) string {
	localPath := path.Join(DownloadDir, ref.Key)
	s.Steps = append(s.Steps, &DownloadStep{Artifact: ref, LocalPath: localPath})
	return localPath
}

func (s *Sequence) AddExecute(localPath string, args Arguments) {
	s.Steps = append(s.Steps, &ExecuteStep{Path: localPath, Args: args})
}

// Validate checks that every executed path is downloaded by an earlier step of the same sequence.
func (s *Sequence) Validate() error {
	downloaded := map[string]bool{}
	for i, step := range s.Steps {
		switch st := step.(type) {
		case *DownloadStep:
			if st.Artifact == nil {
				return fmt.Errorf("step %d: download has no artifact", i)
			}
			downloaded[st.LocalPath] = true
		case *ExecuteStep:
			if !downloaded[st.Path] {
				return fmt.Errorf("step %d: %s is executed before it is downloaded", i, st.Path)
			}
		default:
			return fmt.Errorf("step %d: unknown step type %T", i, step)
		}
	}
	return nil
}

func (s *Sequence) Downloads() []*DownloadStep {
	out := []*DownloadStep{}
	for _, step := range s.Steps {
		if d, ok := step.(*DownloadStep); ok {
			out = append(out, d)
		}
	}
	return out
}

// Execute returns the last execute step, or nil if there is none.
func (s *Sequence) Execute() *ExecuteStep {
	for i := len(s.Steps) - 1; i >= 0; i-- {
		if e, ok := s.Steps[i].(*ExecuteStep); ok {
			return e
		}
	}
	return nil
}

type BuildInput struct {
	User           string
	Project        string
	Branch         string
	Region         string // UnknownRegion if empty
	Shape          string
	ThroughputGbps any
	Artifacts      *artifact.Artifacts
}

// Build returns the bootstrap sequence for one instance shape: download the bootstrap, dashboard, and run scripts,
// then run the bootstrap script with the benchmark arguments.
func Build(input *BuildInput) (*Sequence, error) {
	throughput, err := FormatThroughput(input.ThroughputGbps)
	if err != nil {
		return nil, &ArgumentAssemblyError{
			Project: input.Project,
			Shape:   input.Shape,
			Field:   "throughput_gbps",
			Value:   input.ThroughputGbps,
			Err:     err,
		}
	}

	arts := input.Artifacts
	if arts == nil || arts.Bootstrap == nil || arts.Dashboard == nil || arts.Run == nil {
		return nil, &ArgumentAssemblyError{
			Project: input.Project,
			Shape:   input.Shape,
			Field:   "artifacts",
			Err:     ErrMissingArtifact,
		}
	}

	region := input.Region
	if region == "" {
		region = UnknownRegion
	}

	seq := &Sequence{}
	initPath := seq.AddDownload(arts.Bootstrap)
	dashboardPath := seq.AddDownload(arts.Dashboard)
	runPath := seq.AddDownload(arts.Run)
	seq.AddExecute(initPath, Arguments{
		User:           input.User,
		DashboardPath:  dashboardPath,
		Project:        input.Project,
		Branch:         input.Branch,
		ThroughputGbps: throughput,
		RunPath:        runPath,
		Shape:          input.Shape,
		Region:         region,
	})

	err = seq.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid bootstrap sequence for %s: %w", input.Shape, err)
	}
	return seq, nil
}
