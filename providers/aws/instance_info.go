package aws

import (
	"context"
	"log"

	"gpu-job-fetcher/core/models"
	"gpu-job-fetcher/core/sysinfo"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// InstanceCollector advertises the capacity of the EC2 instance type instead
// of what the operating system reports
type InstanceCollector struct {
	base   sysinfo.Collector
	client *Client
}

// NewInstanceCollector wraps base with instance type facts
func NewInstanceCollector(base sysinfo.Collector, client *Client) *InstanceCollector {
	return &InstanceCollector{base: base, client: client}
}

// Collect implements sysinfo.Collector
func (c *InstanceCollector) Collect(ctx context.Context) (*models.SystemInfo, error) {
	info, err := c.base.Collect(ctx)
	if err != nil {
		return nil, err
	}

	instanceType, err := c.client.InstanceType(ctx)
	if err != nil {
		return nil, err
	}
	desc, err := c.client.DescribeInstanceType(ctx, instanceType)
	if err != nil {
		return nil, err
	}
	log.Printf("Running on %s in %s", instanceType, c.client.Region())

	applyInstanceType(info, desc)
	return info, nil
}

func applyInstanceType(info *models.SystemInfo, desc *types.InstanceTypeInfo) {
	if desc.VCpuInfo != nil && desc.VCpuInfo.DefaultVCpus != nil {
		info.Sys.Cores = int(aws.ToInt32(desc.VCpuInfo.DefaultVCpus))
	}
	if desc.MemoryInfo != nil && desc.MemoryInfo.SizeInMiB != nil {
		info.Sys.Memory = int(aws.ToInt64(desc.MemoryInfo.SizeInMiB))
	}

	// GPUs found on the host carry device UUIDs, keep those
	if len(info.GPUs) > 0 || desc.GpuInfo == nil {
		return
	}
	for _, gpu := range desc.GpuInfo.Gpus {
		memory := 0
		if gpu.MemoryInfo != nil {
			memory = int(aws.ToInt32(gpu.MemoryInfo.SizeInMiB))
		}
		for i := 0; i < int(aws.ToInt32(gpu.Count)); i++ {
			info.GPUs = append(info.GPUs, models.GPUInfo{
				Model:  aws.ToString(gpu.Name),
				Memory: memory,
			})
		}
	}
}
