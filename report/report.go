package report

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/Octogonapus/S3BenchmarkFleet/artifact"
	fleetplanner "github.com/Octogonapus/S3BenchmarkFleet/fleet_planner"
	fleetprovider "github.com/Octogonapus/S3BenchmarkFleet/fleet_provider"
)

const FileName = "report.json"

type InstanceReport struct {
	InstanceType     string
	InstanceID       string // empty if the instance was never launched
	ImageID          string
	PublicIP         string
	BootstrapLogPath string
	Arguments        []string // the bootstrap script's positional arguments
	UserData         string
	Error            string // non-empty iff the launch or bootstrap failed
}

type SkippedInstance struct {
	InstanceType string
	Error        string
}

type FleetReport struct {
	PlanID    string
	Project   string
	Region    string
	User      string
	DryRun    bool
	Artifacts map[string]string // artifact role -> URI
	Instances []*InstanceReport
	Skipped   []*SkippedInstance

	// Resources created for the fleet that were left running, keyed by kind
	Resources map[string]string
}

type FleetReportInput struct {
	Plan      *fleetplanner.Plan
	User      string
	Artifacts *artifact.Artifacts
	DryRun    bool

	// One entry per plan request in the same order. May be nil, e.g. for a dry run.
	Results   []*fleetprovider.LaunchResult
	Resources map[string]string
}

func NewFleetReport(input *FleetReportInput) *FleetReport {
	r := &FleetReport{
		PlanID:    input.Plan.ID,
		Project:   input.Plan.Project,
		Region:    input.Plan.Region,
		User:      input.User,
		DryRun:    input.DryRun,
		Artifacts: map[string]string{},
		Resources: input.Resources,
	}
	if input.Artifacts != nil {
		addArtifact := func(role string, ref *artifact.Reference) {
			if ref != nil {
				r.Artifacts[role] = ref.URI()
			}
		}
		addArtifact("bootstrap", input.Artifacts.Bootstrap)
		addArtifact("dashboard", input.Artifacts.Dashboard)
		addArtifact("run", input.Artifacts.Run)
	}

	for i, req := range input.Plan.Requests {
		ir := &InstanceReport{
			InstanceType: req.Shape,
			UserData:     req.Sequence.UserData(),
		}
		if exec := req.Sequence.Execute(); exec != nil {
			ir.Arguments = exec.Args.Positional()
		}
		if i < len(input.Results) && input.Results[i] != nil {
			res := input.Results[i]
			ir.InstanceID = res.InstanceID
			ir.ImageID = res.ImageID
			ir.PublicIP = res.PublicIP
			ir.BootstrapLogPath = res.BootstrapLogPath
			if res.Err != nil {
				ir.Error = res.Err.Error()
			}
		}
		r.Instances = append(r.Instances, ir)
	}

	for _, s := range input.Plan.Skipped {
		r.Skipped = append(r.Skipped, &SkippedInstance{InstanceType: s.Shape, Error: s.Err.Error()})
	}
	return r
}

// Failed counts the instances that were skipped or failed to launch.
func (r *FleetReport) Failed() int {
	n := len(r.Skipped)
	for _, ins := range r.Instances {
		if ins.Error != "" {
			n++
		}
	}
	return n
}

// Write saves the report as JSON into dir, creating it if needed, and returns the file path.
func (r *FleetReport) Write(dir string) (string, error) {
	err := os.MkdirAll(dir, fs.ModePerm)
	if err != nil {
		return "", fmt.Errorf("failed to create result dir: %w", err)
	}
	buf, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	p := filepath.Join(dir, FileName)
	err = os.WriteFile(p, buf, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return p, nil
}
