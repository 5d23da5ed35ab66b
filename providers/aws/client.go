package aws

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// EC2API is the part of the EC2 service the worker calls
type EC2API interface {
	DescribeInstanceTypes(ctx context.Context, params *ec2.DescribeInstanceTypesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error)
}

// MetadataAPI reads the instance metadata service
type MetadataAPI interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
}

// Client is the AWS provider client for a worker running on EC2
type Client struct {
	ec2Client  EC2API
	imdsClient MetadataAPI
	region     string
}

// NewClient creates a new AWS client.
// When region is empty it is taken from the default config or the instance metadata.
func NewClient(ctx context.Context, region string) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	meta := imds.NewFromConfig(cfg)
	if cfg.Region == "" {
		out, err := meta.GetRegion(ctx, &imds.GetRegionInput{})
		if err != nil {
			return nil, fmt.Errorf("failed to determine region: %w", err)
		}
		cfg.Region = out.Region
	}

	return &Client{
		ec2Client:  ec2.NewFromConfig(cfg),
		imdsClient: meta,
		region:     cfg.Region,
	}, nil
}

// NewClientWithAPIs creates a client over existing service clients
func NewClientWithAPIs(ec2Client EC2API, imdsClient MetadataAPI, region string) *Client {
	return &Client{ec2Client: ec2Client, imdsClient: imdsClient, region: region}
}

// Region returns the region the client talks to
func (c *Client) Region() string {
	return c.region
}

// InstanceType returns the type of the instance the worker runs on
func (c *Client) InstanceType(ctx context.Context) (string, error) {
	out, err := c.imdsClient.GetMetadata(ctx, &imds.GetMetadataInput{Path: "instance-type"})
	if err != nil {
		return "", fmt.Errorf("failed to read instance type: %w", err)
	}
	defer out.Content.Close()
	data, err := io.ReadAll(out.Content)
	if err != nil {
		return "", fmt.Errorf("failed to read instance type: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// DescribeInstanceType returns the hardware description of an instance type
func (c *Client) DescribeInstanceType(ctx context.Context, instanceType string) (*types.InstanceTypeInfo, error) {
	out, err := c.ec2Client.DescribeInstanceTypes(ctx, &ec2.DescribeInstanceTypesInput{
		InstanceTypes: []types.InstanceType{types.InstanceType(instanceType)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance type %s: %w", instanceType, err)
	}
	if len(out.InstanceTypes) == 0 {
		return nil, fmt.Errorf("instance type %s not found in %s", instanceType, c.region)
	}
	return &out.InstanceTypes[0], nil
}
