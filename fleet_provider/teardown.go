package fleetprovider

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
)

func (o *EC2Provider) TearDown(ctx context.Context) error {
	var errs []error

	// IDs are only forgotten once terminated so a failed TearDown can be retried
	o.mu.Lock()
	instanceIDs := slices.Clone(o.instanceIDs)
	o.mu.Unlock()
	if len(instanceIDs) > 0 {
		err := o.terminateInstances(ctx, instanceIDs)
		if err != nil {
			slog.Error("TerminateInstances failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			o.mu.Lock()
			o.instanceIDs = slices.DeleteFunc(o.instanceIDs, func(id string) bool {
				return slices.Contains(instanceIDs, id)
			})
			o.mu.Unlock()
		}
	}

	if o.keyID != nil {
		_, err := o.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
			KeyPairId: o.keyID,
		})
		if err != nil {
			slog.Error("DeleteKeyPair failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted key pair", slog.String("ID", *o.keyID))
			o.keyID = nil
		}
	}

	if o.insProfName != nil {
		_, err := o.iam.RemoveRoleFromInstanceProfile(ctx, &iam.RemoveRoleFromInstanceProfileInput{
			InstanceProfileName: o.insProfName,
			RoleName:            o.roleName,
		})
		if err != nil {
			slog.Debug("RemoveRoleFromInstanceProfile failed", slog.String("error", err.Error()))
		}

		_, err = o.iam.DeleteInstanceProfile(ctx, &iam.DeleteInstanceProfileInput{
			InstanceProfileName: o.insProfName,
		})
		if err != nil {
			slog.Error("DeleteInstanceProfile failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted instance profile", slog.String("name", *o.insProfName))
			o.insProfName = nil
		}
	}

	if o.roleName != nil {
		if o.roleInlinePolicyName != nil {
			_, err := o.iam.DeleteRolePolicy(ctx, &iam.DeleteRolePolicyInput{
				RoleName:   o.roleName,
				PolicyName: o.roleInlinePolicyName,
			})
			if err != nil {
				slog.Debug("DeleteRolePolicy failed", slog.String("error", err.Error()))
			}
		}

		_, err := o.iam.DeleteRole(ctx, &iam.DeleteRoleInput{
			RoleName: o.roleName,
		})
		if err != nil {
			slog.Error("DeleteRole failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted role", slog.String("name", *o.roleName))
			o.roleName = nil
			o.roleInlinePolicyName = nil
		}
	}

	if o.sgID != nil {
		_, err := o.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: o.sgID,
		})
		if err != nil {
			slog.Error("DeleteSecurityGroup failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted security group", slog.String("ID", *o.sgID))
			o.sgID = nil
		}
	}

	if o.igwID != nil {
		_, err := o.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			VpcId:             o.vpcID,
			InternetGatewayId: o.igwID,
		})
		if err != nil {
			slog.Error("DetachInternetGateway failed", slog.String("error", err.Error()))
		}

		_, err = o.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: o.igwID,
		})
		if err != nil {
			slog.Error("DeleteInternetGateway failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted internet gateway", slog.String("ID", *o.igwID))
			o.igwID = nil
		}
	}

	if o.s3EndpointID != nil {
		_, err := o.ec2.DeleteVpcEndpoints(ctx, &ec2.DeleteVpcEndpointsInput{
			VpcEndpointIds: []string{*o.s3EndpointID},
		})
		if err != nil {
			slog.Error("DeleteVpcEndpoints failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted S3 endpoint", slog.String("ID", *o.s3EndpointID))
			o.s3EndpointID = nil
		}
	}

	if o.subnetID != nil {
		_, err := o.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{
			SubnetId: o.subnetID,
		})
		if err != nil {
			slog.Error("DeleteSubnet failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted subnet", slog.String("ID", *o.subnetID))
			o.subnetID = nil
		}
	}

	if o.vpcID != nil {
		_, err := o.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{
			VpcId: o.vpcID,
		})
		if err != nil {
			slog.Error("DeleteVpc failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		} else {
			slog.Debug("deleted VPC", slog.String("ID", *o.vpcID))
			o.vpcID = nil
		}
	}

	return errors.Join(errs...)
}

// Terminates the instances and waits for them to finish terminating, otherwise deleting the network can fail.
func (o *EC2Provider) terminateInstances(ctx context.Context, instanceIDs []string) error {
	_, err := o.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: instanceIDs,
	})
	if err != nil {
		return err
	}

	for i := 0; i < 5; i++ {
		resp, err := o.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: instanceIDs,
		})
		if err == nil && allTerminated(resp) {
			slog.Debug("terminated instances", slog.Int("count", len(instanceIDs)))
			return nil
		}
		if err != nil {
			slog.Debug("waiting for instances to finish terminating", slog.String("error", err.Error()))
		} else {
			slog.Debug("waiting for instances to finish terminating")
		}
		err = sleepContext(ctx, o.input.RetryDelay)
		if err != nil {
			return err
		}
	}
	return errors.New("timed out waiting for instances to terminate")
}

func allTerminated(resp *ec2.DescribeInstancesOutput) bool {
	for _, res := range resp.Reservations {
		for _, ins := range res.Instances {
			if ins.State == nil || ins.State.Name != ec2Types.InstanceStateNameTerminated {
				return false
			}
		}
	}
	return true
}

var _ InstanceFleetProvider = (*EC2Provider)(nil)
