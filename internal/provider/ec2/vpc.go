package ec2

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/pcw/internal/config"
	"github.com/yairfalse/pcw/internal/provider"
	"github.com/yairfalse/pcw/pkg/resource"
)

func vpcFilter(name, value string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String(name), Values: []string{value}}
}

// cleanupVPCs deletes non-default VPCs without instances. With
// cleanup/vpc-notify-only the VPCs are only reported. Deletion failures
// are collected in r and never returned.
func (p *Provider) cleanupVPCs(ctx context.Context, region string, r *vpcReport) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, provider.HeavyCallTimeout)
	defer cancel()

	client := p.ec2Client(region)
	out, err := client.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{vpcFilter("is-default", "false")},
	})
	if err != nil {
		return 0, fmt.Errorf("describe vpcs: %w", err)
	}

	notifyOnly := p.Config().Bool(p.Setting(config.FeatureCleanup, "vpc-notify-only"), false)
	for _, vpc := range out.Vpcs {
		id := aws.ToString(vpc.VpcId)
		if aws.ToBool(vpc.IsDefault) || resource.Ignored(convertTags(vpc.Tags)) {
			continue
		}

		busy, err := p.vpcHasInstances(ctx, client, id)
		if err != nil {
			return len(out.Vpcs), err
		}
		if busy {
			p.Log().Debug().Str("vpc", id).Str("region", region).Msg("vpc has instances")
			continue
		}

		if notifyOnly {
			r.candidates = append(r.candidates, fmt.Sprintf("%s (%s)", id, region))
			continue
		}

		if err := p.deleteVPC(ctx, client, region, id); err != nil {
			r.failures = append(r.failures, fmt.Sprintf("%s (%s): %v", id, region, err))
		}
	}
	return len(out.Vpcs), nil
}

func (p *Provider) vpcHasInstances(ctx context.Context, client EC2API, vpcID string) (bool, error) {
	subnets, err := client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{vpcFilter("vpc-id", vpcID)},
	})
	if err != nil {
		return false, fmt.Errorf("describe subnets of %s: %w", vpcID, err)
	}
	for _, subnet := range subnets.Subnets {
		out, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			Filters: []ec2types.Filter{vpcFilter("subnet-id", aws.ToString(subnet.SubnetId))},
		})
		if err != nil {
			return false, fmt.Errorf("describe instances of %s: %w", aws.ToString(subnet.SubnetId), err)
		}
		for _, res := range out.Reservations {
			for _, inst := range res.Instances {
				if inst.State == nil || inst.State.Name != ec2types.InstanceStateNameTerminated {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// deleteVPC removes the dependencies of a VPC in the only order AWS accepts
// and finally the VPC itself. A DependencyViolation from DeleteVpc is only
// logged; the VPC is retried on the next run.
func (p *Provider) deleteVPC(ctx context.Context, client EC2API, region, vpcID string) error {
	steps := []struct {
		name string
		run  func(context.Context, EC2API, string) error
	}{
		{"route tables", p.deleteRouteTables},
		{"security groups", p.deleteSecurityGroups},
		{"network acls", p.deleteNetworkACLs},
		{"subnets", p.deleteSubnets},
		{"internet gateways", p.deleteInternetGateways},
		{"endpoints", p.deleteEndpoints},
		{"peering connections", p.deletePeeringConnections},
	}
	for _, step := range steps {
		if err := step.run(ctx, client, vpcID); err != nil {
			return fmt.Errorf("delete %s of %s: %w", step.name, vpcID, err)
		}
	}
	err := p.Mutate(ctx, "DeleteVpc", vpcID, func(ctx context.Context) error {
		_, err := client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(vpcID)})
		return err
	})
	if errorCode(err) == codeDependencyViolation {
		p.Log().Info().Str("vpc", vpcID).Str("region", region).Msg("vpc still has dependencies")
		return nil
	}
	return err
}

func (p *Provider) deleteRouteTables(ctx context.Context, client EC2API, vpcID string) error {
	out, err := client.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2types.Filter{vpcFilter("vpc-id", vpcID)},
	})
	if err != nil {
		return err
	}
	for _, rt := range out.RouteTables {
		main := false
		for _, assoc := range rt.Associations {
			if aws.ToBool(assoc.Main) {
				main = true
				continue
			}
			err := p.Mutate(ctx, "DisassociateRouteTable", aws.ToString(assoc.RouteTableAssociationId), func(ctx context.Context) error {
				_, err := client.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{AssociationId: assoc.RouteTableAssociationId})
				return err
			})
			if err != nil {
				return err
			}
		}
		// the main route table goes away with the VPC
		if main {
			continue
		}
		err := p.Mutate(ctx, "DeleteRouteTable", aws.ToString(rt.RouteTableId), func(ctx context.Context) error {
			_, err := client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: rt.RouteTableId})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) deleteSecurityGroups(ctx context.Context, client EC2API, vpcID string) error {
	out, err := client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{vpcFilter("vpc-id", vpcID)},
	})
	if err != nil {
		return err
	}
	for _, sg := range out.SecurityGroups {
		if aws.ToString(sg.GroupName) == "default" {
			continue
		}
		err := p.Mutate(ctx, "DeleteSecurityGroup", aws.ToString(sg.GroupId), func(ctx context.Context) error {
			_, err := client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: sg.GroupId})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) deleteNetworkACLs(ctx context.Context, client EC2API, vpcID string) error {
	out, err := client.DescribeNetworkAcls(ctx, &ec2.DescribeNetworkAclsInput{
		Filters: []ec2types.Filter{vpcFilter("vpc-id", vpcID)},
	})
	if err != nil {
		return err
	}
	for _, acl := range out.NetworkAcls {
		if aws.ToBool(acl.IsDefault) {
			continue
		}
		err := p.Mutate(ctx, "DeleteNetworkAcl", aws.ToString(acl.NetworkAclId), func(ctx context.Context) error {
			_, err := client.DeleteNetworkAcl(ctx, &ec2.DeleteNetworkAclInput{NetworkAclId: acl.NetworkAclId})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) deleteSubnets(ctx context.Context, client EC2API, vpcID string) error {
	out, err := client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{vpcFilter("vpc-id", vpcID)},
	})
	if err != nil {
		return err
	}
	for _, subnet := range out.Subnets {
		enis, err := client.DescribeNetworkInterfaces(ctx, &ec2.DescribeNetworkInterfacesInput{
			Filters: []ec2types.Filter{vpcFilter("subnet-id", aws.ToString(subnet.SubnetId))},
		})
		if err != nil {
			return err
		}
		for _, eni := range enis.NetworkInterfaces {
			err := p.Mutate(ctx, "DeleteNetworkInterface", aws.ToString(eni.NetworkInterfaceId), func(ctx context.Context) error {
				_, err := client.DeleteNetworkInterface(ctx, &ec2.DeleteNetworkInterfaceInput{NetworkInterfaceId: eni.NetworkInterfaceId})
				return err
			})
			if err != nil {
				return err
			}
		}
		err = p.Mutate(ctx, "DeleteSubnet", aws.ToString(subnet.SubnetId), func(ctx context.Context) error {
			_, err := client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: subnet.SubnetId})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) deleteInternetGateways(ctx context.Context, client EC2API, vpcID string) error {
	out, err := client.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []ec2types.Filter{vpcFilter("attachment.vpc-id", vpcID)},
	})
	if err != nil {
		return err
	}
	for _, igw := range out.InternetGateways {
		id := aws.ToString(igw.InternetGatewayId)
		err := p.Mutate(ctx, "DetachInternetGateway", id, func(ctx context.Context) error {
			_, err := client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
				InternetGatewayId: igw.InternetGatewayId,
				VpcId:             aws.String(vpcID),
			})
			return err
		})
		if err != nil {
			return err
		}
		err = p.Mutate(ctx, "DeleteInternetGateway", id, func(ctx context.Context) error {
			_, err := client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{InternetGatewayId: igw.InternetGatewayId})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) deleteEndpoints(ctx context.Context, client EC2API, vpcID string) error {
	out, err := client.DescribeVpcEndpoints(ctx, &ec2.DescribeVpcEndpointsInput{
		Filters: []ec2types.Filter{vpcFilter("vpc-id", vpcID)},
	})
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(out.VpcEndpoints))
	for _, ep := range out.VpcEndpoints {
		ids = append(ids, aws.ToString(ep.VpcEndpointId))
	}
	if len(ids) == 0 {
		return nil
	}
	return p.Mutate(ctx, "DeleteVpcEndpoints", vpcID, func(ctx context.Context) error {
		_, err := client.DeleteVpcEndpoints(ctx, &ec2.DeleteVpcEndpointsInput{VpcEndpointIds: ids})
		return err
	})
}

func (p *Provider) deletePeeringConnections(ctx context.Context, client EC2API, vpcID string) error {
	out, err := client.DescribeVpcPeeringConnections(ctx, &ec2.DescribeVpcPeeringConnectionsInput{
		Filters: []ec2types.Filter{vpcFilter("requester-vpc-info.vpc-id", vpcID)},
	})
	if err != nil {
		return err
	}
	for _, pc := range out.VpcPeeringConnections {
		err := p.Mutate(ctx, "DeleteVpcPeeringConnection", aws.ToString(pc.VpcPeeringConnectionId), func(ctx context.Context) error {
			_, err := client.DeleteVpcPeeringConnection(ctx, &ec2.DeleteVpcPeeringConnectionInput{VpcPeeringConnectionId: pc.VpcPeeringConnectionId})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}
