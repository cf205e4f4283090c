package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Octogonapus/S3BenchmarkFleet/artifact"
	fleetconfig "github.com/Octogonapus/S3BenchmarkFleet/fleet_config"
	fleetplanner "github.com/Octogonapus/S3BenchmarkFleet/fleet_planner"
	fleetprovider "github.com/Octogonapus/S3BenchmarkFleet/fleet_provider"
	"github.com/Octogonapus/S3BenchmarkFleet/report"
	"github.com/Octogonapus/S3BenchmarkFleet/util"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

func main() {
	configPath := flag.String("config", "benchmark-config.json", "The benchmark configuration file (JSON or YAML) listing the projects and instance types.")
	userName := flag.String("user-name", "", "The user running the benchmark. Passed to every instance. Required.")
	projectName := flag.String("project-name", "", "The project to benchmark. Must be in the benchmark configuration. Required.")
	region := flag.String("region", "", "The AWS region to launch into. Passed to every instance as \"unknown\" if not set.")
	instances := flag.String("instances", "", "A comma separated list of instance types to launch. All configured instance types by default.")
	assetBucket := flag.String("asset-bucket", "", "The bucket the bootstrap scripts are staged in. Created if it does not exist. Required.")
	minioEndpoint := flag.String("minio-endpoint", "", "Stage scripts in an S3-compatible store at this host:port instead of S3. Instances download them through presigned URLs valid for 7 days, so the store must be reachable from the instances.")
	minioAccessKey := flag.String("minio-access-key", os.Getenv("MINIO_ACCESS_KEY"), "The access key for -minio-endpoint.")
	minioSecretKey := flag.String("minio-secret-key", os.Getenv("MINIO_SECRET_KEY"), "The secret key for -minio-endpoint.")
	minioUseSSL := flag.Bool("minio-use-ssl", true, "Whether to use TLS for -minio-endpoint.")
	vpcID := flag.String("vpc-id", "", "An existing VPC to launch into. A VPC is created and destroyed by default.")
	subnetID := flag.String("subnet-id", "", "An existing subnet of -vpc-id. The first subnet of the VPC by default.")
	securityGroupID := flag.String("security-group-id", "", "An existing security group. One allowing SSH is created by default.")
	instanceProfile := flag.String("instance-profile", "", "An existing instance profile for the instances. One that can read -asset-bucket is created by default.")
	keyName := flag.String("key-name", "", "An existing key pair name. An ed25519 key pair is created by default.")
	privateKeyPath := flag.String("private-key-path", "", "The private key of -key-name. Needed for -verify-bootstrap with an existing key pair.")
	imageID := flag.String("image-id", "", "The AMI to launch. The newest Amazon Linux 2 image for each instance type's architecture by default.")
	launchConcurrency := flag.Int("launch-concurrency", 0, "How many instances can be launched concurrently. Unlimited by default.")
	skipFailedShapes := flag.Bool("skip-failed-shapes", false, "Skip instance types whose bootstrap can't be built instead of failing the whole launch.")
	dryRun := flag.Bool("dry-run", false, "Plan the fleet and print each instance's user data without calling AWS.")
	verifyBootstrap := flag.Bool("verify-bootstrap", false, "Wait for each instance's bootstrap to finish and download its log.")
	teardown := flag.Bool("teardown", false, "Terminate the instances and delete created resources after launching. Mostly useful with -verify-bootstrap.")
	resultDir := flag.String("result-dir", "results", "Save the fleet report and bootstrap logs into this directory.")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	if *userName == "" {
		panic(fmt.Errorf("user-name is a required flag"))
	}
	if *projectName == "" {
		panic(fmt.Errorf("project-name is a required flag"))
	}
	if *assetBucket == "" {
		panic(fmt.Errorf("asset-bucket is a required flag"))
	}

	ctx := context.Background()

	benchCfg, err := fleetconfig.Load(*configPath)
	if err != nil {
		panic(err)
	}
	benchCfg, err = benchCfg.SelectInstances(util.SplitList(*instances))
	if err != nil {
		panic(err)
	}

	var awsCfg aws.Config
	if !*dryRun {
		opts := []func(*config.LoadOptions) error{config.WithEC2IMDSRegion()}
		if *region != "" {
			opts = append(opts, config.WithRegion(*region))
		}
		awsCfg, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			panic(err)
		}
	}

	var store artifact.Store
	switch {
	case *dryRun:
		store = artifact.NewDryRunStore(*assetBucket)
	case *minioEndpoint != "":
		minioStore, err := artifact.NewMinioStore(&artifact.MinioStoreInput{
			Endpoint:  *minioEndpoint,
			AccessKey: *minioAccessKey,
			SecretKey: *minioSecretKey,
			Region:    *region,
			UseSSL:    *minioUseSSL,
			Bucket:    *assetBucket,
		})
		if err != nil {
			panic(err)
		}
		err = minioStore.EnsureBucket(ctx)
		if err != nil {
			panic(err)
		}
		store = minioStore
	default:
		s3Store := artifact.NewS3Store(&artifact.S3StoreInput{
			AwsConfig: awsCfg,
			Bucket:    *assetBucket,
		})
		err = s3Store.EnsureBucket(ctx)
		if err != nil {
			panic(err)
		}
		store = s3Store
	}

	stager := artifact.NewStager(&artifact.StagerInput{
		Store:    store,
		Progress: os.Stderr,
	})
	arts, err := stager.StageProject(ctx, benchCfg, *projectName)
	if err != nil {
		panic(err)
	}

	image := fleetplanner.AmazonLinux2()
	if *imageID != "" {
		image = fleetplanner.ImageSelector{ID: *imageID}
	}
	policy := fleetplanner.AbortOnError
	if *skipFailedShapes {
		policy = fleetplanner.SkipAndReport
	}
	planInput := &fleetplanner.PlanInput{
		Config:    benchCfg,
		User:      *userName,
		Project:   *projectName,
		Region:    *region,
		Artifacts: arts,
		Image:     image,
		Policy:    policy,
	}

	if *dryRun {
		plan, err := fleetplanner.PlanFleet(planInput)
		if err != nil {
			panic(err)
		}
		for _, req := range plan.Requests {
			fmt.Printf("# %s\n%s\n", req.LogicalName(), req.Sequence.UserData())
		}
		writeReport(&report.FleetReportInput{Plan: plan, User: *userName, Artifacts: arts, DryRun: true}, *resultDir)
		return
	}

	// Scripts in MinIO are fetched through presigned URLs, not the instance role
	s3AssetBucket := *assetBucket
	if *minioEndpoint != "" {
		s3AssetBucket = ""
	}
	provider := fleetprovider.NewEC2Provider(&fleetprovider.EC2ProviderInput{
		AwsConfig:           awsCfg,
		AssetBucket:         s3AssetBucket,
		VpcID:               *vpcID,
		SubnetID:            *subnetID,
		SecurityGroupID:     *securityGroupID,
		InstanceProfileName: *instanceProfile,
		KeyName:             *keyName,
		PrivateKeyPath:      *privateKeyPath,
		LaunchConcurrency:   *launchConcurrency,
		VerifyBootstrap:     *verifyBootstrap,
		BootstrapLogDir:     *resultDir,
		Progress:            os.Stderr,
	})
	if *teardown {
		defer func() {
			// Don't let a cancelled launch leave resources behind
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()
			err := provider.TearDown(ctx)
			if err != nil {
				slog.Error("tear down failed", slog.String("error", err.Error()))
			}
		}()
	}

	err = os.MkdirAll(*resultDir, os.ModePerm)
	if err != nil {
		panic(err)
	}
	plan, results, err := launchFleet(ctx, provider, planInput)
	if err != nil {
		panic(err)
	}

	var resources map[string]string
	if !*teardown {
		resources = provider.CreatedResources()
	}
	r := writeReport(&report.FleetReportInput{
		Plan:      plan,
		User:      *userName,
		Artifacts: arts,
		Results:   results,
		Resources: resources,
	}, *resultDir)
	if r.Failed() > 0 {
		slog.Error("some instances failed", slog.Int("count", r.Failed()))
	}
}

func writeReport(input *report.FleetReportInput, resultDir string) *report.FleetReport {
	r := report.NewFleetReport(input)
	p, err := r.Write(resultDir)
	if err != nil {
		panic(err)
	}
	slog.Info("wrote fleet report", slog.String("path", p))
	return r
}
