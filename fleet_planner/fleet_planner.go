package fleetplanner

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/Octogonapus/S3BenchmarkFleet/artifact"
	"github.com/Octogonapus/S3BenchmarkFleet/bootstrap"
	fleetconfig "github.com/Octogonapus/S3BenchmarkFleet/fleet_config"
	"github.com/google/uuid"
)

// What to do when one instance's bootstrap sequence can't be built.
type FailurePolicy int

const (
	// Fail the whole plan. No requests are returned, so a partial fleet is never launched.
	AbortOnError FailurePolicy = iota

	// Leave the instance out of the plan and record it in Plan.Skipped.
	SkipAndReport
)

type PlanInput struct {
	Config     *fleetconfig.BenchmarkConfig
	User       string
	Project    string
	Region     string // bootstrap.UnknownRegion if empty
	Artifacts  *artifact.Artifacts
	Network    NetworkRef
	Security   SecurityRef
	AccessRole AccessRoleRef
	Image      ImageSelector
	Policy     FailurePolicy
	PlanID     string // a random UUID if empty
}

type ShapeFailure struct {
	Shape string
	Err   error
}

type Plan struct {
	ID       string
	Project  string
	Region   string
	Requests []*ProvisioningRequest
	Skipped  []ShapeFailure
}

func (p *Plan) Shapes() []string {
	out := make([]string, 0, len(p.Requests))
	for _, r := range p.Requests {
		out = append(out, r.Shape)
	}
	return out
}

// PlanFleet builds one provisioning request per configured instance, in configuration order. It does no I/O.
func PlanFleet(input *PlanInput) (*Plan, error) {
	project, err := input.Config.Project(input.Project)
	if err != nil {
		return nil, err
	}

	region := input.Region
	if region == "" {
		region = bootstrap.UnknownRegion
	}
	planID := input.PlanID
	if planID == "" {
		planID = uuid.NewString()
	}

	plan := &Plan{
		ID:      planID,
		Project: project.Name,
		Region:  region,
	}
	seen := map[string]bool{}
	for _, ins := range input.Config.Instances {
		if seen[ins.Name] {
			return nil, &fleetconfig.ConfigurationError{Shape: ins.Name, Err: fleetconfig.ErrDuplicateKey}
		}
		seen[ins.Name] = true

		seq, err := bootstrap.Build(&bootstrap.BuildInput{
			User:           input.User,
			Project:        project.Name,
			Branch:         project.BranchName,
			Region:         region,
			Shape:          ins.Name,
			ThroughputGbps: ins.ThroughputGbps,
			Artifacts:      input.Artifacts,
		})
		if err != nil {
			if input.Policy == SkipAndReport {
				slog.Warn("skipping instance", slog.String("instanceType", ins.Name), slog.String("error", err.Error()))
				plan.Skipped = append(plan.Skipped, ShapeFailure{Shape: ins.Name, Err: err})
				continue
			}
			return nil, fmt.Errorf("planning fleet for project %s failed: %w", project.Name, err)
		}

		req := &ProvisioningRequest{
			Shape:          ins.Name,
			ThroughputGbps: seq.Execute().Args.ThroughputGbps,
			Sequence:       seq,
			Network:        input.Network,
			Security:       SecurityRef{GroupIDs: slices.Clone(input.Security.GroupIDs), KeyName: input.Security.KeyName},
			Image:          input.Image,
			AccessRole:     input.AccessRole,
		}
		req.Tags = map[string]string{
			TagName:    req.LogicalName(),
			TagPlanID:  planID,
			TagProject: project.Name,
			TagUser:    input.User,
		}
		plan.Requests = append(plan.Requests, req)
		slog.Debug("planned instance", slog.String("instanceType", ins.Name), slog.String("planID", planID))
	}
	return plan, nil
}
