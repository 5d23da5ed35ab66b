package models

// SystemInfo holds the facts a worker advertises about itself
type SystemInfo struct {
	Host HostInfo  `json:"host"`
	OS   OSInfo    `json:"os"`
	Sys  CPUInfo   `json:"sys"`
	GPUs []GPUInfo `json:"gpus"`
}

// HostInfo identifies the machine
type HostInfo struct {
	Hostname string `json:"hostname"`
}

// OSInfo describes the operating system
type OSInfo struct {
	System  string `json:"system"`
	Release string `json:"release"`
	Version string `json:"version"`
	Alias   string `json:"alias"`
}

// CPUInfo describes compute and memory capacity
type CPUInfo struct {
	Architecture string `json:"architecture"`
	Cores        int    `json:"cores"`
	Memory       int    `json:"memory"` // MB
}

// GPUInfo describes a single GPU.
// UUID is empty when the source cannot enumerate devices (e.g. instance type metadata).
type GPUInfo struct {
	UUID   string `json:"uuid,omitempty"`
	Model  string `json:"model"`
	Memory int    `json:"memory"` // MB
}

// FetchParams converts the facts into job filter parameters.
// Only the first GPU is advertised.
func (s *SystemInfo) FetchParams(limit int) FetchParams {
	params := FetchParams{
		Limit:    limit,
		Hostname: s.Host.Hostname,
		CPUCores: s.Sys.Cores,
		Memory:   s.Sys.Memory,
	}
	if len(s.GPUs) > 0 {
		model := s.GPUs[0].Model
		memory := s.GPUs[0].Memory
		params.GPUModel = &model
		params.GPUMemory = &memory
	}
	return params
}
