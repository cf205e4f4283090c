package fleetprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/Octogonapus/S3BenchmarkFleet/target"
	"github.com/Octogonapus/S3BenchmarkFleet/util"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"golang.org/x/crypto/ssh"
)

type EC2ProviderInput struct {
	AwsConfig   aws.Config
	AssetBucket string // the S3 bucket instances are given read access to. Empty when scripts are staged elsewhere.

	// Existing resources to use. Anything left empty is created by SetUp and deleted by TearDown.
	VpcID               string
	SubnetID            string
	SecurityGroupID     string
	InstanceProfileName string
	KeyName             string

	PrivateKeyPath    string // the private key of KeyName, needed to verify the bootstrap of instances
	VolumeSizeGB      int32  // 32 by default
	LaunchConcurrency int    // launches all instances in parallel by default
	LaunchAttempts    int    // 5 by default
	RetryDelay        time.Duration
	VerifyBootstrap   bool          // wait for each instance's bootstrap to finish and download its log
	BootstrapTimeout  time.Duration // how long to wait for one instance's bootstrap. 30 minutes by default.
	BootstrapLogDir   string        // where bootstrap logs are saved. "." by default.
	SSHUser           string        // "ec2-user" by default
	Progress          io.Writer
}

type EC2Provider struct {
	input     *EC2ProviderInput
	ec2       ec2API
	iam       iamAPI
	newTarget func(ip string) target.Target

	signer           ssh.Signer
	propagationDelay time.Duration

	mu          sync.Mutex
	instanceIDs []string
	images      map[string]*resolvedImage

	// Only set for resources SetUp created
	vpcID                *string
	igwID                *string
	subnetID             *string
	s3EndpointID         *string
	sgID                 *string
	roleName             *string
	roleInlinePolicyName *string
	insProfName          *string
	keyID                *string
}

func NewEC2Provider(input *EC2ProviderInput) *EC2Provider {
	return newEC2Provider(input, ec2.NewFromConfig(input.AwsConfig), iam.NewFromConfig(input.AwsConfig))
}

func newEC2Provider(input *EC2ProviderInput, ec2Client ec2API, iamClient iamAPI) *EC2Provider {
	if input.VolumeSizeGB == 0 {
		input.VolumeSizeGB = 32
	}
	if input.LaunchAttempts <= 0 {
		input.LaunchAttempts = 5
	}
	if input.RetryDelay == 0 {
		input.RetryDelay = 60 * time.Second
	}
	if input.BootstrapTimeout <= 0 {
		input.BootstrapTimeout = 30 * time.Minute
	}
	if input.BootstrapLogDir == "" {
		input.BootstrapLogDir = "."
	}
	if input.SSHUser == "" {
		input.SSHUser = "ec2-user"
	}
	p := &EC2Provider{
		input:            input,
		ec2:              ec2Client,
		iam:              iamClient,
		images:           map[string]*resolvedImage{},
		propagationDelay: 10 * time.Second,
	}
	p.newTarget = func(ip string) target.Target {
		return &target.SSHTarget{
			User:    input.SSHUser,
			IP:      ip,
			SSHPort: 22,
			Auths:   []ssh.AuthMethod{ssh.PublicKeys(p.signer)},
		}
	}
	return p
}

func (o *EC2Provider) SetUp(ctx context.Context) (*Infrastructure, error) {
	infra := &Infrastructure{}

	err := o.setUpNetwork(ctx, infra)
	if err != nil {
		return nil, err
	}

	if o.input.SecurityGroupID != "" {
		infra.Security.GroupIDs = []string{o.input.SecurityGroupID}
	} else {
		sgID, err := o.createSecurityGroup(ctx, infra.Network.VpcID)
		if err != nil {
			return nil, err
		}
		infra.Security.GroupIDs = []string{sgID}
	}

	err = o.setUpKeyPair(ctx, infra)
	if err != nil {
		return nil, err
	}

	if o.input.InstanceProfileName != "" {
		infra.AccessRole.InstanceProfileName = o.input.InstanceProfileName
	} else {
		name, err := o.createInstanceProfile(ctx)
		if err != nil {
			return nil, err
		}
		infra.AccessRole.InstanceProfileName = name

		// IAM needs a few seconds to propagate the instance profile
		err = sleepContext(ctx, o.propagationDelay)
		if err != nil {
			return nil, err
		}
	}

	return infra, nil
}

func (o *EC2Provider) setUpNetwork(ctx context.Context, infra *Infrastructure) error {
	if o.input.VpcID != "" {
		infra.Network.VpcID = o.input.VpcID
		infra.Network.SubnetID = o.input.SubnetID
		if infra.Network.SubnetID != "" {
			return nil
		}
		subnets, err := o.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
			Filters: []ec2Types.Filter{{Name: aws.String("vpc-id"), Values: []string{o.input.VpcID}}},
		})
		if err != nil {
			return err
		}
		if len(subnets.Subnets) == 0 {
			return fmt.Errorf("VPC %s has no subnets", o.input.VpcID)
		}
		infra.Network.SubnetID = *subnets.Subnets[0].SubnetId
		slog.Debug("using existing subnet", slog.String("ID", infra.Network.SubnetID))
		return nil
	}

	cidr := aws.String("10.0.0.0/16")
	vpc, err := o.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock: cidr,
		TagSpecifications: []ec2Types.TagSpecification{{
			ResourceType: ec2Types.ResourceTypeVpc,
			Tags: []ec2Types.Tag{{
				Key:   aws.String("Name"),
				Value: randName(),
			}},
		}},
	})
	if err != nil {
		return err
	}
	slog.Debug("created VPC", slog.String("ID", *vpc.Vpc.VpcId))
	o.vpcID = vpc.Vpc.VpcId

	// This must be done in two requests
	_, err = o.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:            o.vpcID,
		EnableDnsSupport: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}
	_, err = o.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              o.vpcID,
		EnableDnsHostnames: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}

	subnet, err := o.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:     o.vpcID,
		CidrBlock: cidr,
	})
	if err != nil {
		return err
	}
	slog.Debug("created subnet", slog.String("ID", *subnet.Subnet.SubnetId))
	o.subnetID = subnet.Subnet.SubnetId

	igw, err := o.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{})
	if err != nil {
		return err
	}
	slog.Debug("created internet gateway", slog.String("ID", *igw.InternetGateway.InternetGatewayId))
	o.igwID = igw.InternetGateway.InternetGatewayId

	_, err = o.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: o.igwID,
		VpcId:             o.vpcID,
	})
	if err != nil {
		return err
	}

	// The VPC comes with a main route table so we don't make one
	routeTable, err := o.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2Types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{*o.vpcID}},
		},
	})
	if err != nil {
		return err
	}
	if len(routeTable.RouteTables) == 0 {
		return fmt.Errorf("VPC %s has no route table", *o.vpcID)
	}
	routeTableID := routeTable.RouteTables[0].RouteTableId

	_, err = o.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         routeTableID,
		DestinationCidrBlock: aws.String("0.0.0.0/0"),
		GatewayId:            o.igwID,
	})
	if err != nil {
		return err
	}

	// Benchmark traffic to S3 goes through a gateway endpoint rather than the internet gateway
	regionalS3ServiceName := aws.String(fmt.Sprintf("com.amazonaws.%s.s3", o.input.AwsConfig.Region))
	s3Endpoint, err := o.ec2.CreateVpcEndpoint(ctx, &ec2.CreateVpcEndpointInput{
		VpcId:           o.vpcID,
		ServiceName:     regionalS3ServiceName,
		VpcEndpointType: ec2Types.VpcEndpointTypeGateway,
		RouteTableIds:   []string{*routeTableID},
	})
	if err != nil {
		return err
	}
	slog.Debug("created S3 endpoint", slog.String("ID", *s3Endpoint.VpcEndpoint.VpcEndpointId))
	o.s3EndpointID = s3Endpoint.VpcEndpoint.VpcEndpointId

	infra.Network.VpcID = *o.vpcID
	infra.Network.SubnetID = *o.subnetID
	return nil
}

func (o *EC2Provider) createSecurityGroup(ctx context.Context, vpcID string) (string, error) {
	sg, err := o.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   randName(),
		Description: aws.String("S3 benchmark clients"),
		VpcId:       aws.String(vpcID),
	})
	if err != nil {
		return "", err
	}
	slog.Debug("created security group", slog.String("ID", *sg.GroupId))
	o.sgID = sg.GroupId

	_, err = o.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: o.sgID,
		IpPermissions: []ec2Types.IpPermission{
			{
				FromPort:   aws.Int32(22),
				IpProtocol: aws.String("tcp"),
				IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0"), Description: aws.String("SSH")}},
				ToPort:     aws.Int32(22),
			},
		},
	})
	if err != nil {
		return "", err
	}
	return *sg.GroupId, nil
}

func (o *EC2Provider) setUpKeyPair(ctx context.Context, infra *Infrastructure) error {
	if o.input.KeyName != "" {
		infra.Security.KeyName = o.input.KeyName
		if o.input.PrivateKeyPath == "" {
			return nil
		}
		buf, err := os.ReadFile(o.input.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("reading private key failed: %w", err)
		}
		o.signer, err = ssh.ParsePrivateKey(buf)
		if err != nil {
			return fmt.Errorf("parsing private key failed: %w", err)
		}
		return nil
	}

	keyPair, err := o.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   randName(),
		KeyType:   ec2Types.KeyTypeEd25519,
		KeyFormat: ec2Types.KeyFormatPem,
	})
	if err != nil {
		return err
	}
	o.keyID = keyPair.KeyPairId
	slog.Debug("created key pair", slog.String("ID", *o.keyID))
	infra.Security.KeyName = *keyPair.KeyName
	o.signer, err = ssh.ParsePrivateKey([]byte(*keyPair.KeyMaterial))
	if err != nil {
		return err
	}
	return nil
}

func (o *EC2Provider) createInstanceProfile(ctx context.Context) (string, error) {
	assumePolicyDoc, err := json.Marshal(assumeRolePolicy())
	if err != nil {
		return "", err
	}
	role, err := o.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 randName(),
		AssumeRolePolicyDocument: aws.String(string(assumePolicyDoc)),
		MaxSessionDuration:       aws.Int32(int32((12 * time.Hour).Seconds())),
	})
	if err != nil {
		return "", err
	}
	o.roleName = role.Role.RoleName
	slog.Debug("created role", slog.String("name", *o.roleName))

	// Scripts outside S3 are fetched through presigned URLs and need no policy
	if o.input.AssetBucket != "" {
		policyDoc, err := json.Marshal(assetReadPolicy(o.input.AssetBucket))
		if err != nil {
			return "", err
		}
		_, err = o.iam.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       o.roleName,
			PolicyName:     aws.String("inline"),
			PolicyDocument: aws.String(string(policyDoc)),
		})
		if err != nil {
			return "", err
		}
		o.roleInlinePolicyName = aws.String("inline")
	}

	insProf, err := o.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: randName(),
	})
	if err != nil {
		return "", err
	}
	o.insProfName = insProf.InstanceProfile.InstanceProfileName
	slog.Debug("created instance profile", slog.String("name", *o.insProfName))

	_, err = o.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: o.insProfName,
		RoleName:            o.roleName,
	})
	if err != nil {
		return "", err
	}
	return *o.insProfName, nil
}

// CreatedResources lists the resources SetUp created, keyed by kind. Useful when the fleet is left running.
func (o *EC2Provider) CreatedResources() map[string]string {
	out := map[string]string{}
	add := func(kind string, id *string) {
		if id != nil {
			out[kind] = *id
		}
	}
	add("vpc", o.vpcID)
	add("subnet", o.subnetID)
	add("internetGateway", o.igwID)
	add("s3Endpoint", o.s3EndpointID)
	add("securityGroup", o.sgID)
	add("role", o.roleName)
	add("instanceProfile", o.insProfName)
	add("keyPair", o.keyID)
	return out
}

func randName() *string {
	return aws.String(fmt.Sprintf("s3-benchmark-%s", util.Randstring(8)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
