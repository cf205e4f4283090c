package fleetplanner

import (
	"github.com/Octogonapus/S3BenchmarkFleet/bootstrap"
)

const (
	TagName    = "Name"
	TagPlanID  = "s3-benchmark:plan-id"
	TagProject = "s3-benchmark:project"
	TagUser    = "s3-benchmark:user"
)

type NetworkRef struct {
	VpcID    string
	SubnetID string
}

type SecurityRef struct {
	GroupIDs []string
	KeyName  string
}

type AccessRoleRef struct {
	InstanceProfileName string
}

// Selects the machine image. ID wins if set, otherwise the newest image owned by Owner whose name matches
// NamePattern and whose architecture matches the instance type.
type ImageSelector struct {
	ID          string
	Owner       string
	NamePattern string
}

func AmazonLinux2() ImageSelector {
	return ImageSelector{
		Owner:       "amazon",
		NamePattern: "amzn2-ami-hvm-2.0.*-gp2",
	}
}

// Everything the fleet provider needs to create one instance. Requests are self-contained; launching one does not
// depend on any other.
type ProvisioningRequest struct {
	Shape          string
	ThroughputGbps string
	Sequence       *bootstrap.Sequence
	Network        NetworkRef
	Security       SecurityRef
	Image          ImageSelector
	AccessRole     AccessRoleRef
	Tags           map[string]string
}

func (r *ProvisioningRequest) LogicalName() string {
	return "S3BenchmarkClient_" + r.Shape
}
