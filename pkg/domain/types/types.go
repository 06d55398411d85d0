package types

// Version is the application version, injected at build time
var Version = "dev"

// AppName is the service name used in logs and health responses
const AppName = "cibridge"

// Upstream identifies a remote API the outbound gateway talks to
type Upstream string

const (
	UpstreamGitHub Upstream = "github"
	UpstreamGitLab Upstream = "gitlab"
)
