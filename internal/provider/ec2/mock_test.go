package ec2

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
)

// mockEC2 implements EC2API for testing. Every call is recorded in order.
type mockEC2 struct {
	mu    sync.Mutex
	calls []string

	DescribeRegionsFunc               func(ctx context.Context, params *ec2.DescribeRegionsInput) (*ec2.DescribeRegionsOutput, error)
	DescribeInstancesFunc             func(ctx context.Context, params *ec2.DescribeInstancesInput) (*ec2.DescribeInstancesOutput, error)
	TerminateInstancesFunc            func(ctx context.Context, params *ec2.TerminateInstancesInput) (*ec2.TerminateInstancesOutput, error)
	DescribeImagesFunc                func(ctx context.Context, params *ec2.DescribeImagesInput) (*ec2.DescribeImagesOutput, error)
	DeregisterImageFunc               func(ctx context.Context, params *ec2.DeregisterImageInput) (*ec2.DeregisterImageOutput, error)
	DescribeSnapshotsFunc             func(ctx context.Context, params *ec2.DescribeSnapshotsInput) (*ec2.DescribeSnapshotsOutput, error)
	DeleteSnapshotFunc                func(ctx context.Context, params *ec2.DeleteSnapshotInput) (*ec2.DeleteSnapshotOutput, error)
	DescribeVolumesFunc               func(ctx context.Context, params *ec2.DescribeVolumesInput) (*ec2.DescribeVolumesOutput, error)
	DeleteVolumeFunc                  func(ctx context.Context, params *ec2.DeleteVolumeInput) (*ec2.DeleteVolumeOutput, error)
	DescribeVpcsFunc                  func(ctx context.Context, params *ec2.DescribeVpcsInput) (*ec2.DescribeVpcsOutput, error)
	DeleteVpcFunc                     func(ctx context.Context, params *ec2.DeleteVpcInput) (*ec2.DeleteVpcOutput, error)
	DescribeSubnetsFunc               func(ctx context.Context, params *ec2.DescribeSubnetsInput) (*ec2.DescribeSubnetsOutput, error)
	DeleteSubnetFunc                  func(ctx context.Context, params *ec2.DeleteSubnetInput) (*ec2.DeleteSubnetOutput, error)
	DescribeRouteTablesFunc           func(ctx context.Context, params *ec2.DescribeRouteTablesInput) (*ec2.DescribeRouteTablesOutput, error)
	DisassociateRouteTableFunc        func(ctx context.Context, params *ec2.DisassociateRouteTableInput) (*ec2.DisassociateRouteTableOutput, error)
	DeleteRouteTableFunc              func(ctx context.Context, params *ec2.DeleteRouteTableInput) (*ec2.DeleteRouteTableOutput, error)
	DescribeSecurityGroupsFunc        func(ctx context.Context, params *ec2.DescribeSecurityGroupsInput) (*ec2.DescribeSecurityGroupsOutput, error)
	DeleteSecurityGroupFunc           func(ctx context.Context, params *ec2.DeleteSecurityGroupInput) (*ec2.DeleteSecurityGroupOutput, error)
	DescribeNetworkAclsFunc           func(ctx context.Context, params *ec2.DescribeNetworkAclsInput) (*ec2.DescribeNetworkAclsOutput, error)
	DeleteNetworkAclFunc              func(ctx context.Context, params *ec2.DeleteNetworkAclInput) (*ec2.DeleteNetworkAclOutput, error)
	DescribeNetworkInterfacesFunc     func(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput) (*ec2.DescribeNetworkInterfacesOutput, error)
	DeleteNetworkInterfaceFunc        func(ctx context.Context, params *ec2.DeleteNetworkInterfaceInput) (*ec2.DeleteNetworkInterfaceOutput, error)
	DescribeInternetGatewaysFunc      func(ctx context.Context, params *ec2.DescribeInternetGatewaysInput) (*ec2.DescribeInternetGatewaysOutput, error)
	DetachInternetGatewayFunc         func(ctx context.Context, params *ec2.DetachInternetGatewayInput) (*ec2.DetachInternetGatewayOutput, error)
	DeleteInternetGatewayFunc         func(ctx context.Context, params *ec2.DeleteInternetGatewayInput) (*ec2.DeleteInternetGatewayOutput, error)
	DescribeVpcEndpointsFunc          func(ctx context.Context, params *ec2.DescribeVpcEndpointsInput) (*ec2.DescribeVpcEndpointsOutput, error)
	DeleteVpcEndpointsFunc            func(ctx context.Context, params *ec2.DeleteVpcEndpointsInput) (*ec2.DeleteVpcEndpointsOutput, error)
	DescribeVpcPeeringConnectionsFunc func(ctx context.Context, params *ec2.DescribeVpcPeeringConnectionsInput) (*ec2.DescribeVpcPeeringConnectionsOutput, error)
	DeleteVpcPeeringConnectionFunc    func(ctx context.Context, params *ec2.DeleteVpcPeeringConnectionInput) (*ec2.DeleteVpcPeeringConnectionOutput, error)
}

func (m *mockEC2) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockEC2) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockEC2) DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error) {
	m.record("DescribeRegions")
	if m.DescribeRegionsFunc != nil {
		return m.DescribeRegionsFunc(ctx, params)
	}
	return &ec2.DescribeRegionsOutput{}, nil
}

func (m *mockEC2) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.record("DescribeInstances")
	if m.DescribeInstancesFunc != nil {
		return m.DescribeInstancesFunc(ctx, params)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (m *mockEC2) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.record("TerminateInstances")
	if m.TerminateInstancesFunc != nil {
		return m.TerminateInstancesFunc(ctx, params)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (m *mockEC2) DescribeImages(ctx context.Context, params *ec2.DescribeImagesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	m.record("DescribeImages")
	if m.DescribeImagesFunc != nil {
		return m.DescribeImagesFunc(ctx, params)
	}
	return &ec2.DescribeImagesOutput{}, nil
}

func (m *mockEC2) DeregisterImage(ctx context.Context, params *ec2.DeregisterImageInput, optFns ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error) {
	m.record("DeregisterImage")
	if m.DeregisterImageFunc != nil {
		return m.DeregisterImageFunc(ctx, params)
	}
	return &ec2.DeregisterImageOutput{}, nil
}

func (m *mockEC2) DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	m.record("DescribeSnapshots")
	if m.DescribeSnapshotsFunc != nil {
		return m.DescribeSnapshotsFunc(ctx, params)
	}
	return &ec2.DescribeSnapshotsOutput{}, nil
}

func (m *mockEC2) DeleteSnapshot(ctx context.Context, params *ec2.DeleteSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSnapshotOutput, error) {
	m.record("DeleteSnapshot")
	if m.DeleteSnapshotFunc != nil {
		return m.DeleteSnapshotFunc(ctx, params)
	}
	return &ec2.DeleteSnapshotOutput{}, nil
}

func (m *mockEC2) DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	m.record("DescribeVolumes")
	if m.DescribeVolumesFunc != nil {
		return m.DescribeVolumesFunc(ctx, params)
	}
	return &ec2.DescribeVolumesOutput{}, nil
}

func (m *mockEC2) DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	m.record("DeleteVolume")
	if m.DeleteVolumeFunc != nil {
		return m.DeleteVolumeFunc(ctx, params)
	}
	return &ec2.DeleteVolumeOutput{}, nil
}

func (m *mockEC2) DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	m.record("DescribeVpcs")
	if m.DescribeVpcsFunc != nil {
		return m.DescribeVpcsFunc(ctx, params)
	}
	return &ec2.DescribeVpcsOutput{}, nil
}

func (m *mockEC2) DeleteVpc(ctx context.Context, params *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	m.record("DeleteVpc")
	if m.DeleteVpcFunc != nil {
		return m.DeleteVpcFunc(ctx, params)
	}
	return &ec2.DeleteVpcOutput{}, nil
}

func (m *mockEC2) DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	m.record("DescribeSubnets")
	if m.DescribeSubnetsFunc != nil {
		return m.DescribeSubnetsFunc(ctx, params)
	}
	return &ec2.DescribeSubnetsOutput{}, nil
}

func (m *mockEC2) DeleteSubnet(ctx context.Context, params *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	m.record("DeleteSubnet")
	if m.DeleteSubnetFunc != nil {
		return m.DeleteSubnetFunc(ctx, params)
	}
	return &ec2.DeleteSubnetOutput{}, nil
}

func (m *mockEC2) DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	m.record("DescribeRouteTables")
	if m.DescribeRouteTablesFunc != nil {
		return m.DescribeRouteTablesFunc(ctx, params)
	}
	return &ec2.DescribeRouteTablesOutput{}, nil
}

func (m *mockEC2) DisassociateRouteTable(ctx context.Context, params *ec2.DisassociateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DisassociateRouteTableOutput, error) {
	m.record("DisassociateRouteTable")
	if m.DisassociateRouteTableFunc != nil {
		return m.DisassociateRouteTableFunc(ctx, params)
	}
	return &ec2.DisassociateRouteTableOutput{}, nil
}

func (m *mockEC2) DeleteRouteTable(ctx context.Context, params *ec2.DeleteRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.DeleteRouteTableOutput, error) {
	m.record("DeleteRouteTable")
	if m.DeleteRouteTableFunc != nil {
		return m.DeleteRouteTableFunc(ctx, params)
	}
	return &ec2.DeleteRouteTableOutput{}, nil
}

func (m *mockEC2) DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	m.record("DescribeSecurityGroups")
	if m.DescribeSecurityGroupsFunc != nil {
		return m.DescribeSecurityGroupsFunc(ctx, params)
	}
	return &ec2.DescribeSecurityGroupsOutput{}, nil
}

func (m *mockEC2) DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	m.record("DeleteSecurityGroup")
	if m.DeleteSecurityGroupFunc != nil {
		return m.DeleteSecurityGroupFunc(ctx, params)
	}
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

func (m *mockEC2) DescribeNetworkAcls(ctx context.Context, params *ec2.DescribeNetworkAclsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkAclsOutput, error) {
	m.record("DescribeNetworkAcls")
	if m.DescribeNetworkAclsFunc != nil {
		return m.DescribeNetworkAclsFunc(ctx, params)
	}
	return &ec2.DescribeNetworkAclsOutput{}, nil
}

func (m *mockEC2) DeleteNetworkAcl(ctx context.Context, params *ec2.DeleteNetworkAclInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNetworkAclOutput, error) {
	m.record("DeleteNetworkAcl")
	if m.DeleteNetworkAclFunc != nil {
		return m.DeleteNetworkAclFunc(ctx, params)
	}
	return &ec2.DeleteNetworkAclOutput{}, nil
}

func (m *mockEC2) DescribeNetworkInterfaces(ctx context.Context, params *ec2.DescribeNetworkInterfacesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNetworkInterfacesOutput, error) {
	m.record("DescribeNetworkInterfaces")
	if m.DescribeNetworkInterfacesFunc != nil {
		return m.DescribeNetworkInterfacesFunc(ctx, params)
	}
	return &ec2.DescribeNetworkInterfacesOutput{}, nil
}

func (m *mockEC2) DeleteNetworkInterface(ctx context.Context, params *ec2.DeleteNetworkInterfaceInput, optFns ...func(*ec2.Options)) (*ec2.DeleteNetworkInterfaceOutput, error) {
	m.record("DeleteNetworkInterface")
	if m.DeleteNetworkInterfaceFunc != nil {
		return m.DeleteNetworkInterfaceFunc(ctx, params)
	}
	return &ec2.DeleteNetworkInterfaceOutput{}, nil
}

func (m *mockEC2) DescribeInternetGateways(ctx context.Context, params *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	m.record("DescribeInternetGateways")
	if m.DescribeInternetGatewaysFunc != nil {
		return m.DescribeInternetGatewaysFunc(ctx, params)
	}
	return &ec2.DescribeInternetGatewaysOutput{}, nil
}

func (m *mockEC2) DetachInternetGateway(ctx context.Context, params *ec2.DetachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DetachInternetGatewayOutput, error) {
	m.record("DetachInternetGateway")
	if m.DetachInternetGatewayFunc != nil {
		return m.DetachInternetGatewayFunc(ctx, params)
	}
	return &ec2.DetachInternetGatewayOutput{}, nil
}

func (m *mockEC2) DeleteInternetGateway(ctx context.Context, params *ec2.DeleteInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.DeleteInternetGatewayOutput, error) {
	m.record("DeleteInternetGateway")
	if m.DeleteInternetGatewayFunc != nil {
		return m.DeleteInternetGatewayFunc(ctx, params)
	}
	return &ec2.DeleteInternetGatewayOutput{}, nil
}

func (m *mockEC2) DescribeVpcEndpoints(ctx context.Context, params *ec2.DescribeVpcEndpointsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcEndpointsOutput, error) {
	m.record("DescribeVpcEndpoints")
	if m.DescribeVpcEndpointsFunc != nil {
		return m.DescribeVpcEndpointsFunc(ctx, params)
	}
	return &ec2.DescribeVpcEndpointsOutput{}, nil
}

func (m *mockEC2) DeleteVpcEndpoints(ctx context.Context, params *ec2.DeleteVpcEndpointsInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcEndpointsOutput, error) {
	m.record("DeleteVpcEndpoints")
	if m.DeleteVpcEndpointsFunc != nil {
		return m.DeleteVpcEndpointsFunc(ctx, params)
	}
	return &ec2.DeleteVpcEndpointsOutput{}, nil
}

func (m *mockEC2) DescribeVpcPeeringConnections(ctx context.Context, params *ec2.DescribeVpcPeeringConnectionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcPeeringConnectionsOutput, error) {
	m.record("DescribeVpcPeeringConnections")
	if m.DescribeVpcPeeringConnectionsFunc != nil {
		return m.DescribeVpcPeeringConnectionsFunc(ctx, params)
	}
	return &ec2.DescribeVpcPeeringConnectionsOutput{}, nil
}

func (m *mockEC2) DeleteVpcPeeringConnection(ctx context.Context, params *ec2.DeleteVpcPeeringConnectionInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcPeeringConnectionOutput, error) {
	m.record("DeleteVpcPeeringConnection")
	if m.DeleteVpcPeeringConnectionFunc != nil {
		return m.DeleteVpcPeeringConnectionFunc(ctx, params)
	}
	return &ec2.DeleteVpcPeeringConnectionOutput{}, nil
}

// mockEKS implements EKSAPI for testing. Every call is recorded in order.
type mockEKS struct {
	mu    sync.Mutex
	calls []string

	ListClustersFunc    func(ctx context.Context, params *eks.ListClustersInput) (*eks.ListClustersOutput, error)
	DescribeClusterFunc func(ctx context.Context, params *eks.DescribeClusterInput) (*eks.DescribeClusterOutput, error)
	DeleteClusterFunc   func(ctx context.Context, params *eks.DeleteClusterInput) (*eks.DeleteClusterOutput, error)
	ListNodegroupsFunc  func(ctx context.Context, params *eks.ListNodegroupsInput) (*eks.ListNodegroupsOutput, error)
	DeleteNodegroupFunc func(ctx context.Context, params *eks.DeleteNodegroupInput) (*eks.DeleteNodegroupOutput, error)
}

func (m *mockEKS) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockEKS) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockEKS) ListClusters(ctx context.Context, params *eks.ListClustersInput, optFns ...func(*eks.Options)) (*eks.ListClustersOutput, error) {
	m.record("ListClusters")
	if m.ListClustersFunc != nil {
		return m.ListClustersFunc(ctx, params)
	}
	return &eks.ListClustersOutput{}, nil
}

func (m *mockEKS) DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error) {
	m.record("DescribeCluster")
	if m.DescribeClusterFunc != nil {
		return m.DescribeClusterFunc(ctx, params)
	}
	return &eks.DescribeClusterOutput{}, nil
}

func (m *mockEKS) DeleteCluster(ctx context.Context, params *eks.DeleteClusterInput, optFns ...func(*eks.Options)) (*eks.DeleteClusterOutput, error) {
	m.record("DeleteCluster")
	if m.DeleteClusterFunc != nil {
		return m.DeleteClusterFunc(ctx, params)
	}
	return &eks.DeleteClusterOutput{}, nil
}

func (m *mockEKS) ListNodegroups(ctx context.Context, params *eks.ListNodegroupsInput, optFns ...func(*eks.Options)) (*eks.ListNodegroupsOutput, error) {
	m.record("ListNodegroups")
	if m.ListNodegroupsFunc != nil {
		return m.ListNodegroupsFunc(ctx, params)
	}
	return &eks.ListNodegroupsOutput{}, nil
}

func (m *mockEKS) DeleteNodegroup(ctx context.Context, params *eks.DeleteNodegroupInput, optFns ...func(*eks.Options)) (*eks.DeleteNodegroupOutput, error) {
	m.record("DeleteNodegroup")
	if m.DeleteNodegroupFunc != nil {
		return m.DeleteNodegroupFunc(ctx, params)
	}
	return &eks.DeleteNodegroupOutput{}, nil
}
