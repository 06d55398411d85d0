package model

// HealthStatus is the health endpoint response
type HealthStatus struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	GitHub  string `json:"github,omitempty"`
	GitLab  string `json:"gitlab,omitempty"`
}
