package model

// Pipeline is the subset of the execution host's pipeline resource the
// relay reads. Timestamps stay as the API's RFC3339 strings; the relay only
// passes them through.
type Pipeline struct {
	ID         int64   `json:"id"`
	IID        int64   `json:"iid"`
	ProjectID  int64   `json:"project_id"`
	Ref        string  `json:"ref"`
	SHA        string  `json:"sha"`
	Status     string  `json:"status"`
	WebURL     string  `json:"web_url"`
	YamlErrors *string `json:"yaml_errors"`
}

// Job is the subset of the execution host's job resource the relay reads
type Job struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	AllowFailure bool   `json:"allow_failure"`
	WebURL       string `json:"web_url"`
	CreatedAt    string `json:"created_at"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at"`
}

// Project is the subset of the execution host's project resource the relay
// reads
type Project struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url"`
}
