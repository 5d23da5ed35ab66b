package sysinfo

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"gpu-job-fetcher/core/models"
)

// Collector gathers the capability facts of the worker
type Collector interface {
	Collect(ctx context.Context) (*models.SystemInfo, error)
}

// CommandRunner runs an external command and returns its stdout
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// HostCollector reads facts from the local machine
type HostCollector struct {
	// NvidiaSMI is the nvidia-smi binary; empty disables GPU discovery
	NvidiaSMI   string
	MeminfoPath string
	Run         CommandRunner
}

// NewHostCollector creates a collector for the local machine
func NewHostCollector() *HostCollector {
	return &HostCollector{
		NvidiaSMI:   "nvidia-smi",
		MeminfoPath: "/proc/meminfo",
		Run:         runCommand,
	}
}

// Collect gathers host, OS, CPU and GPU facts.
// Missing GPU tooling is not an error: the worker simply advertises no GPUs.
func (c *HostCollector) Collect(ctx context.Context) (*models.SystemInfo, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to read hostname: %w", err)
	}

	memory, err := c.memoryMB()
	if err != nil {
		return nil, err
	}

	gpus, err := c.gpus(ctx)
	if err != nil {
		log.Printf("GPU discovery failed, advertising no GPUs: %v", err)
		gpus = nil
	}

	return &models.SystemInfo{
		Host: models.HostInfo{Hostname: hostname},
		OS:   collectOS(),
		Sys: models.CPUInfo{
			Architecture: runtime.GOARCH,
			Cores:        runtime.NumCPU(),
			Memory:       memory,
		},
		GPUs: gpus,
	}, nil
}

func (c *HostCollector) memoryMB() (int, error) {
	data, err := os.ReadFile(c.MeminfoPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", c.MeminfoPath, err)
	}
	return parseMeminfo(data)
}

// parseMeminfo returns MemTotal in MB
func parseMeminfo(data []byte) (int, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		var kb int64
		if _, err := fmt.Sscanf(line, "MemTotal: %d kB", &kb); err != nil {
			return 0, fmt.Errorf("failed to parse %q: %w", line, err)
		}
		return int(kb >> 10), nil
	}
	return 0, fmt.Errorf("MemTotal not found in meminfo")
}

func (c *HostCollector) gpus(ctx context.Context) ([]models.GPUInfo, error) {
	if c.NvidiaSMI == "" {
		return nil, nil
	}
	run := c.Run
	if run == nil {
		run = runCommand
	}
	out, err := run(ctx, c.NvidiaSMI,
		"--query-gpu=uuid,name,memory.total",
		"--format=csv,noheader,nounits",
	)
	if err != nil {
		return nil, err
	}
	return parseNvidiaSMI(out)
}

// parseNvidiaSMI parses "uuid, name, memory" CSV lines
func parseNvidiaSMI(out []byte) ([]models.GPUInfo, error) {
	var gpus []models.GPUInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		memory, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid GPU memory in %q: %w", line, err)
		}
		gpus = append(gpus, models.GPUInfo{
			UUID:   strings.TrimSpace(fields[0]),
			Model:  strings.TrimSpace(fields[1]),
			Memory: int(memory),
		})
	}
	return gpus, scanner.Err()
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		// no driver tooling installed
		return nil, nil
	}
	return exec.CommandContext(ctx, name, args...).Output()
}
