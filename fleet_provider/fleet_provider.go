package fleetprovider

import (
	"context"

	fleetplanner "github.com/Octogonapus/S3BenchmarkFleet/fleet_planner"
)

// The shared network, security, and access resources instances are launched into.
type Infrastructure struct {
	Network    fleetplanner.NetworkRef
	Security   fleetplanner.SecurityRef
	AccessRole fleetplanner.AccessRoleRef
}

type LaunchResult struct {
	Request          *fleetplanner.ProvisioningRequest
	InstanceID       string
	ImageID          string
	PublicIP         string
	BootstrapLogPath string // set if the bootstrap was verified
	Err              error
}

// Creates instances on a platform (e.g. AWS EC2) from provisioning requests.
type InstanceFleetProvider interface {
	// Create or look up the shared resources instances need.
	SetUp(ctx context.Context) (*Infrastructure, error)

	// Launch one instance per request. Each request is independent: a failure is reported in that request's
	// result and does not stop the others. Results are in request order.
	Launch(ctx context.Context, reqs []*fleetplanner.ProvisioningRequest) []*LaunchResult

	// Terminate launched instances and delete the resources SetUp created.
	TearDown(ctx context.Context) error
}
