package fleetprovider

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	fleetplanner "github.com/Octogonapus/S3BenchmarkFleet/fleet_planner"
	"github.com/Octogonapus/S3BenchmarkFleet/target"
	"github.com/Octogonapus/S3BenchmarkFleet/util"
	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/schollz/progressbar/v3"
)

const bootstrapLogPath = "/var/log/cloud-init-output.log"

type resolvedImage struct {
	ID             string
	RootDeviceName string
}

type launchResult struct {
	index  int
	result *LaunchResult
}

func (o *EC2Provider) Launch(ctx context.Context, reqs []*fleetplanner.ProvisioningRequest) []*LaunchResult {
	resultCh := make(chan launchResult, len(reqs))

	var bar *progressbar.ProgressBar
	if o.input.Progress != nil {
		bar = progressbar.NewOptions(len(reqs),
			progressbar.OptionSetWriter(o.input.Progress),
			progressbar.OptionSetDescription("Launching instances:"),
		)
	}
	launch := func(i int, req *fleetplanner.ProvisioningRequest) {
		resultCh <- launchResult{index: i, result: o.launchInstance(ctx, req)}
		if bar != nil {
			bar.Add(1)
		}
	}

	concurrency := o.input.LaunchConcurrency
	if concurrency == 0 {
		// unlimited
		wg := &sync.WaitGroup{}
		for i, req := range reqs {
			i, req := i, req
			wg.Add(1)
			go func() {
				defer wg.Done()
				launch(i, req)
			}()
		}
		wg.Wait()
	} else {
		pool := pond.New(concurrency, 0, pond.MinWorkers(concurrency))
		for i, req := range reqs {
			i, req := i, req
			pool.Submit(func() {
				launch(i, req)
			})
		}
		pool.StopAndWait()
	}
	close(resultCh)
	if bar != nil {
		bar.Finish()
	}

	results := make([]*LaunchResult, len(reqs))
	for r := range resultCh {
		results[r.index] = r.result
		if r.result.Err != nil {
			slog.Error("instance launch failed",
				slog.String("error", r.result.Err.Error()),
				slog.String("instanceType", r.result.Request.Shape),
			)
		}
	}
	return results
}

func (o *EC2Provider) launchInstance(ctx context.Context, req *fleetplanner.ProvisioningRequest) *LaunchResult {
	result := &LaunchResult{Request: req}

	image, err := o.resolveImage(ctx, req)
	if err != nil {
		result.Err = fmt.Errorf("resolving image for %s failed: %w", req.Shape, err)
		return result
	}
	result.ImageID = image.ID

	resp, err := o.runInstance(ctx, req, image)
	if err != nil {
		result.Err = err
		return result
	}
	instanceID := *resp.Instances[0].InstanceId
	result.InstanceID = instanceID
	o.mu.Lock()
	o.instanceIDs = append(o.instanceIDs, instanceID)
	o.mu.Unlock()

	if !o.input.VerifyBootstrap {
		return result
	}
	if o.signer == nil {
		result.Err = fmt.Errorf("can't verify the bootstrap of %s without a private key", instanceID)
		return result
	}

	ip, err := o.getInstanceIP(ctx, instanceID)
	if err != nil {
		result.Err = err
		return result
	}
	result.PublicIP = ip
	slog.Debug("instance got IP", slog.String("instanceID", instanceID), slog.String("ip", ip))

	result.BootstrapLogPath, err = o.verifyBootstrap(ctx, req, o.newTarget(ip))
	if err != nil {
		slog.Error("instance bootstrap failed", slog.String("instanceID", instanceID), slog.String("error", err.Error()))
		result.Err = err
	}
	return result
}

// Image lookups are cached per selector and architecture since every request usually shares one selector.
func (o *EC2Provider) resolveImage(ctx context.Context, req *fleetplanner.ProvisioningRequest) (*resolvedImage, error) {
	arch := ""
	if req.Image.ID == "" {
		var err error
		arch, err = o.architecture(ctx, req.Shape)
		if err != nil {
			return nil, err
		}
	}
	cacheKey := strings.Join([]string{req.Image.ID, req.Image.Owner, req.Image.NamePattern, arch}, "|")

	o.mu.Lock()
	img, ok := o.images[cacheKey]
	o.mu.Unlock()
	if ok {
		return img, nil
	}

	input := &ec2.DescribeImagesInput{}
	if req.Image.ID != "" {
		input.ImageIds = []string{req.Image.ID}
	} else {
		input.Owners = []string{req.Image.Owner}
		input.Filters = []ec2Types.Filter{
			{Name: aws.String("name"), Values: []string{req.Image.NamePattern}},
			{Name: aws.String("architecture"), Values: []string{arch}},
			{Name: aws.String("state"), Values: []string{"available"}},
		}
	}
	resp, err := o.ec2.DescribeImages(ctx, input)
	if err != nil {
		return nil, err
	}
	if len(resp.Images) == 0 {
		return nil, fmt.Errorf("no image matches %+v for architecture %q", req.Image, arch)
	}

	// Creation dates are ISO 8601 so the newest sorts last
	newest := slices.MaxFunc(resp.Images, func(a, b ec2Types.Image) int {
		return strings.Compare(aws.ToString(a.CreationDate), aws.ToString(b.CreationDate))
	})
	img = &resolvedImage{
		ID:             aws.ToString(newest.ImageId),
		RootDeviceName: aws.ToString(newest.RootDeviceName),
	}
	slog.Debug("resolved image", slog.String("instanceType", req.Shape), slog.String("imageID", img.ID))

	o.mu.Lock()
	o.images[cacheKey] = img
	o.mu.Unlock()
	return img, nil
}

func (o *EC2Provider) architecture(ctx context.Context, shape string) (string, error) {
	resp, err := o.ec2.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
		InstanceTypes: []ec2Types.InstanceType{ec2Types.InstanceType(shape)},
	})
	if err != nil {
		return "", err
	}
	if len(resp.InstanceTypes) == 0 || resp.InstanceTypes[0].ProcessorInfo == nil {
		return "", fmt.Errorf("no processor info for instance type %s", shape)
	}
	archs := resp.InstanceTypes[0].ProcessorInfo.SupportedArchitectures
	for _, preferred := range []ec2Types.ArchitectureType{ec2Types.ArchitectureTypeX8664, ec2Types.ArchitectureTypeArm64} {
		if slices.Contains(archs, preferred) {
			return string(preferred), nil
		}
	}
	return "", fmt.Errorf("instance type %s has no supported architecture: %v", shape, archs)
}

func (o *EC2Provider) runInstance(ctx context.Context, req *fleetplanner.ProvisioningRequest, image *resolvedImage) (*ec2.RunInstancesOutput, error) {
	input := &ec2.RunInstancesInput{
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		EbsOptimized: aws.Bool(true),
		ImageId:      aws.String(image.ID),
		InstanceType: ec2Types.InstanceType(req.Shape),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(req.Sequence.UserData()))),
		NetworkInterfaces: []ec2Types.InstanceNetworkInterfaceSpecification{
			{
				DeviceIndex:              aws.Int32(0),
				AssociatePublicIpAddress: aws.Bool(true),
				Groups:                   req.Security.GroupIDs,
				SubnetId:                 aws.String(req.Network.SubnetID),
				DeleteOnTermination:      aws.Bool(true),
			},
		},
		TagSpecifications: []ec2Types.TagSpecification{{
			ResourceType: ec2Types.ResourceTypeInstance,
			Tags:         tags(req.Tags),
		}},
	}
	if req.Security.KeyName != "" {
		input.KeyName = aws.String(req.Security.KeyName)
	}
	if req.AccessRole.InstanceProfileName != "" {
		input.IamInstanceProfile = &ec2Types.IamInstanceProfileSpecification{Name: aws.String(req.AccessRole.InstanceProfileName)}
	}
	if image.RootDeviceName != "" {
		input.BlockDeviceMappings = []ec2Types.BlockDeviceMapping{
			{
				DeviceName: aws.String(image.RootDeviceName),
				Ebs: &ec2Types.EbsBlockDevice{
					VolumeSize:          aws.Int32(o.input.VolumeSizeGB),
					VolumeType:          ec2Types.VolumeTypeGp3,
					DeleteOnTermination: aws.Bool(true),
					Encrypted:           aws.Bool(true),
				},
			},
		}
	}

	var resp *ec2.RunInstancesOutput
	var err error
	for i := 0; i < o.input.LaunchAttempts; i++ {
		resp, err = o.ec2.RunInstances(ctx, input)
		if err == nil && len(resp.Instances) > 0 {
			slog.Debug("launched instance", slog.String("instanceType", req.Shape), slog.String("instanceID", *resp.Instances[0].InstanceId))
			return resp, nil
		}
		if err == nil {
			err = fmt.Errorf("no instance in RunInstances response")
		}
		if i == o.input.LaunchAttempts-1 {
			break
		}
		slog.Debug("waiting to launch instance", slog.String("instanceType", req.Shape), slog.String("error", err.Error()))
		if serr := sleepContext(ctx, o.input.RetryDelay); serr != nil {
			return nil, fmt.Errorf("failed to launch %s: %w", req.Shape, serr)
		}
	}
	return nil, fmt.Errorf("failed to launch %s: %w", req.Shape, err)
}

func tags(m map[string]string) []ec2Types.Tag {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]ec2Types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, ec2Types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return out
}

func (o *EC2Provider) getInstanceIP(ctx context.Context, instanceID string) (string, error) {
	for i := 0; i < 10; i++ {
		resp, err := o.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err != nil {
			return "", err
		}

		if len(resp.Reservations) > 0 && len(resp.Reservations[0].Instances) > 0 {
			ip := resp.Reservations[0].Instances[0].PublicIpAddress
			if ip != nil {
				return *ip, nil
			}
		}

		err = sleepContext(ctx, o.input.RetryDelay/20)
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("failed to get instance %s IP", instanceID)
}

// Waits for cloud-init to finish running the bootstrap sequence and downloads its log.
func (o *EC2Provider) verifyBootstrap(ctx context.Context, req *fleetplanner.ProvisioningRequest, t target.Target) (string, error) {
	defer t.Close()
	// Commands don't take a context; dropping the connection unblocks them
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	err := o.waitForTargetReachable(ctx, t)
	if err != nil {
		return "", err
	}

	out, err := t.RunCommand(cloudInitWaitCommand(o.input.BootstrapTimeout))
	if ctx.Err() != nil {
		return "", fmt.Errorf("waiting for bootstrap of %s stopped: %w", req.Shape, ctx.Err())
	}
	status := util.LastNonEmptyLine(out)
	slog.Debug("bootstrap finished", slog.String("instanceType", req.Shape), slog.String("status", status))

	localPath := filepath.Join(o.input.BootstrapLogDir, req.LogicalName()+".log")
	f, ferr := os.Create(localPath)
	if ferr != nil {
		return "", fmt.Errorf("failed to open local bootstrap log for writing: %w", ferr)
	}
	defer f.Close()
	ferr = t.CopyFileFrom(bootstrapLogPath, f)
	if ferr != nil {
		return "", fmt.Errorf("failed to copy bootstrap log: %w", ferr)
	}

	if err != nil {
		return localPath, fmt.Errorf("waiting for bootstrap of %s failed: %w", req.Shape, err)
	}
	if !strings.Contains(status, "done") {
		return localPath, fmt.Errorf("bootstrap of %s did not succeed: %s", req.Shape, status)
	}
	return localPath, nil
}

// The remote timeout ends the wait with exit status 124 if cloud-init is still running.
func cloudInitWaitCommand(timeout time.Duration) string {
	return fmt.Sprintf("timeout %d cloud-init status --wait", int(timeout.Seconds()))
}

func (o *EC2Provider) waitForTargetReachable(ctx context.Context, t target.Target) error {
	for i := 0; i < 6*5; i++ {
		buf, err := t.RunCommand("whoami")
		if err == nil && strings.TrimSpace(string(buf)) == o.input.SSHUser {
			return nil
		}
		if err != nil {
			slog.Debug("target reachability check failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("target reachability check failed", slog.String("output", string(buf)))
		}
		err = sleepContext(ctx, o.input.RetryDelay/6)
		if err != nil {
			return err
		}
	}
	return fmt.Errorf("timed out waiting for target to be reachable")
}
