package aws

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"gpu-job-fetcher/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	cognitotypes "github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

type fakeCognito struct {
	calls      []cognitotypes.AuthFlowType
	refreshErr error
	seq        int
}

func (f *fakeCognito) InitiateAuth(ctx context.Context, in *cognitoidentityprovider.InitiateAuthInput, _ ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error) {
	f.calls = append(f.calls, in.AuthFlow)
	f.seq++
	res := &cognitotypes.AuthenticationResultType{
		IdToken:   aws.String("id-" + string(rune('0'+f.seq))),
		ExpiresIn: 3600,
	}
	switch in.AuthFlow {
	case cognitotypes.AuthFlowTypeUserPasswordAuth:
		if in.AuthParameters["USERNAME"] != "worker" || in.AuthParameters["PASSWORD"] != "secret" {
			return nil, errors.New("NotAuthorizedException")
		}
		res.RefreshToken = aws.String("refresh")
	case cognitotypes.AuthFlowTypeRefreshTokenAuth:
		if f.refreshErr != nil {
			return nil, f.refreshErr
		}
		if in.AuthParameters["REFRESH_TOKEN"] != "refresh" {
			return nil, errors.New("bad refresh token")
		}
	}
	return &cognitoidentityprovider.InitiateAuthOutput{AuthenticationResult: res}, nil
}

func TestCognitoTokenSource(t *testing.T) {
	api := &fakeCognito{}
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	src := NewCognitoTokenSource(api, "client", "worker", "secret", 5*time.Minute)
	src.now = func() time.Time { return now }

	token, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token != "id-1" {
		t.Errorf("Expected id-1, got %s", token)
	}

	// still valid, no call
	now = now.Add(30 * time.Minute)
	if token, _ = src.Token(context.Background()); token != "id-1" {
		t.Errorf("Expected cached id-1, got %s", token)
	}
	if len(api.calls) != 1 {
		t.Fatalf("Expected 1 call, got %d", len(api.calls))
	}

	// inside the minimum validity window
	now = now.Add(26 * time.Minute)
	if token, _ = src.Token(context.Background()); token != "id-2" {
		t.Errorf("Expected refreshed id-2, got %s", token)
	}
	if api.calls[1] != cognitotypes.AuthFlowTypeRefreshTokenAuth {
		t.Errorf("Expected refresh flow, got %s", api.calls[1])
	}
}

func TestCognitoTokenSourceRefreshFallback(t *testing.T) {
	api := &fakeCognito{refreshErr: errors.New("refresh token expired")}
	now := time.Now()
	src := NewCognitoTokenSource(api, "client", "worker", "secret", time.Minute)
	src.now = func() time.Time { return now }

	if _, err := src.Token(context.Background()); err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	now = now.Add(2 * time.Hour)
	token, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if token != "id-3" {
		t.Errorf("Expected id-3 after login, got %s", token)
	}
	want := []cognitotypes.AuthFlowType{
		cognitotypes.AuthFlowTypeUserPasswordAuth,
		cognitotypes.AuthFlowTypeRefreshTokenAuth,
		cognitotypes.AuthFlowTypeUserPasswordAuth,
	}
	if len(api.calls) != len(want) {
		t.Fatalf("Expected %v, got %v", want, api.calls)
	}
	for i := range want {
		if api.calls[i] != want[i] {
			t.Errorf("Call %d: expected %s, got %s", i, want[i], api.calls[i])
		}
	}
}

func TestCognitoTokenSourceBadCredentials(t *testing.T) {
	src := NewCognitoTokenSource(&fakeCognito{}, "client", "worker", "wrong", time.Minute)
	if _, err := src.Token(context.Background()); err == nil {
		t.Error("Expected login error")
	}
}

type fakeEC2 struct {
	info types.InstanceTypeInfo
}

func (f *fakeEC2) DescribeInstanceTypes(ctx context.Context, in *ec2.DescribeInstanceTypesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceTypesOutput, error) {
	if len(in.InstanceTypes) != 1 || in.InstanceTypes[0] != f.info.InstanceType {
		return &ec2.DescribeInstanceTypesOutput{}, nil
	}
	return &ec2.DescribeInstanceTypesOutput{InstanceTypes: []types.InstanceTypeInfo{f.info}}, nil
}

type fakeMetadata struct {
	instanceType string
}

func (f *fakeMetadata) GetMetadata(ctx context.Context, in *imds.GetMetadataInput, _ ...func(*imds.Options)) (*imds.GetMetadataOutput, error) {
	if in.Path != "instance-type" {
		return nil, errors.New("unexpected path " + in.Path)
	}
	return &imds.GetMetadataOutput{Content: io.NopCloser(strings.NewReader(f.instanceType + "\n"))}, nil
}

type staticCollector struct {
	info models.SystemInfo
}

func (s staticCollector) Collect(context.Context) (*models.SystemInfo, error) {
	info := s.info
	return &info, nil
}

func g5Info() types.InstanceTypeInfo {
	return types.InstanceTypeInfo{
		InstanceType: types.InstanceType("g5.xlarge"),
		VCpuInfo:     &types.VCpuInfo{DefaultVCpus: aws.Int32(4)},
		MemoryInfo:   &types.MemoryInfo{SizeInMiB: aws.Int64(16384)},
		GpuInfo: &types.GpuInfo{Gpus: []types.GpuDeviceInfo{{
			Name:       aws.String("A10G"),
			Count:      aws.Int32(1),
			MemoryInfo: &types.GpuDeviceMemoryInfo{SizeInMiB: aws.Int32(24576)},
		}}},
	}
}

func TestInstanceCollector(t *testing.T) {
	client := NewClientWithAPIs(&fakeEC2{info: g5Info()}, &fakeMetadata{instanceType: "g5.xlarge"}, "eu-central-1")
	base := staticCollector{info: models.SystemInfo{
		Host: models.HostInfo{Hostname: "worker-1"},
		Sys:  models.CPUInfo{Architecture: "x86_64", Cores: 2, Memory: 1000},
	}}

	info, err := NewInstanceCollector(base, client).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if info.Sys.Cores != 4 || info.Sys.Memory != 16384 {
		t.Errorf("Unexpected capacity %+v", info.Sys)
	}
	if info.Host.Hostname != "worker-1" {
		t.Errorf("Hostname lost: %+v", info.Host)
	}
	if len(info.GPUs) != 1 || info.GPUs[0].Model != "A10G" || info.GPUs[0].Memory != 24576 || info.GPUs[0].UUID != "" {
		t.Errorf("Unexpected GPUs %+v", info.GPUs)
	}
}

func TestInstanceCollectorKeepsHostGPUs(t *testing.T) {
	client := NewClientWithAPIs(&fakeEC2{info: g5Info()}, &fakeMetadata{instanceType: "g5.xlarge"}, "eu-central-1")
	base := staticCollector{info: models.SystemInfo{
		GPUs: []models.GPUInfo{{UUID: "GPU-1", Model: "NVIDIA A10G", Memory: 23028}},
	}}

	info, err := NewInstanceCollector(base, client).Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(info.GPUs) != 1 || info.GPUs[0].UUID != "GPU-1" {
		t.Errorf("Host GPUs were replaced: %+v", info.GPUs)
	}
}

func TestInstanceCollectorUnknownType(t *testing.T) {
	client := NewClientWithAPIs(&fakeEC2{info: g5Info()}, &fakeMetadata{instanceType: "m5.large"}, "eu-central-1")
	if _, err := NewInstanceCollector(staticCollector{}, client).Collect(context.Background()); err == nil {
		t.Error("Expected error for unknown instance type")
	}
}
