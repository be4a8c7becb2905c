package router

// GPUDevice describes one GPU reported during registration, per spec.md
// §6's registration payload shape.
type GPUDevice struct {
	Model  string `json:"model"`
	Count  int    `json:"count"`
	Memory int64  `json:"memory,omitempty"`
}

// RegisterRequest is the body of POST /api/nodes.
type RegisterRequest struct {
	MachineName    string      `json:"machine_name"`
	IPAddress      string      `json:"ip_address"`
	RuntimeVersion string      `json:"runtime_version"`
	RuntimePort    int         `json:"runtime_port"`
	GPUAvailable   bool        `json:"gpu_available"`
	GPUDevices     []GPUDevice `json:"gpu_devices,omitempty"`
	GPUCount       int         `json:"gpu_count,omitempty"`
	GPUModel       string      `json:"gpu_model,omitempty"`
}

// RegisterResponse is the body returned by a successful registration.
type RegisterResponse struct {
	NodeID     string `json:"node_id"`
	AgentToken string `json:"agent_token"`
}

// HeartbeatRequest is the body of POST /api/health.
type HeartbeatRequest struct {
	NodeID         string   `json:"node_id"`
	CPUUsage       float64  `json:"cpu_usage"`
	MemoryUsage    float64  `json:"memory_usage"`
	ActiveRequests int      `json:"active_requests"`
	LoadedModels   []string `json:"loaded_models"`
	Initializing   bool     `json:"initializing"`
	GPUUsage       float64  `json:"gpu_usage,omitempty"`
}

// ProgressRequest is the body of POST /api/tasks/<id>/progress.
type ProgressRequest struct {
	TaskID   string  `json:"task_id"`
	Progress float64 `json:"progress"`
	Speed    float64 `json:"speed,omitempty"`
}
