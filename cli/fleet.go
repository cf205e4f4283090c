package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	fleetplanner "github.com/Octogonapus/S3BenchmarkFleet/fleet_planner"
	fleetprovider "github.com/Octogonapus/S3BenchmarkFleet/fleet_provider"
)

// Plans the fleet, sets up its infrastructure, and launches it.
// The plan is checked before anything is created, and if set up or planning fails afterwards the provider is torn
// down so no resources are left behind unreported.
func launchFleet(ctx context.Context, provider fleetprovider.InstanceFleetProvider, planInput *fleetplanner.PlanInput) (*fleetplanner.Plan, []*fleetprovider.LaunchResult, error) {
	// Planning is pure, so a pass with empty infrastructure refs catches every config error up front
	check, err := fleetplanner.PlanFleet(planInput)
	if err != nil {
		return nil, nil, err
	}
	if len(check.Requests) == 0 {
		return nil, nil, fmt.Errorf("no instances to launch, %d skipped", len(check.Skipped))
	}
	planInput.PlanID = check.ID

	infra, err := provider.SetUp(ctx)
	if err != nil {
		return nil, nil, tearDownAfter(ctx, provider, fmt.Errorf("setting up fleet infrastructure failed: %w", err))
	}
	planInput.Network = infra.Network
	planInput.Security = infra.Security
	planInput.AccessRole = infra.AccessRole

	plan, err := fleetplanner.PlanFleet(planInput)
	if err != nil {
		return nil, nil, tearDownAfter(ctx, provider, err)
	}
	slog.Info("launching fleet", slog.String("planID", plan.ID), slog.Any("instanceTypes", plan.Shapes()))
	return plan, provider.Launch(ctx, plan.Requests), nil
}

func tearDownAfter(ctx context.Context, provider fleetprovider.InstanceFleetProvider, err error) error {
	slog.Error("tearing down after failure", slog.String("error", err.Error()))
	terr := provider.TearDown(ctx)
	if terr != nil {
		return errors.Join(err, fmt.Errorf("tear down failed: %w", terr))
	}
	return err
}
