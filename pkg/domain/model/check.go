package model

import "time"

// CheckRunName is the prefix of every check run the relay creates
const CheckRunName = "CI Bridge"

// CheckRunParams is everything needed to create or refresh a check run on
// the source host. Posting a check run with the same name and head SHA
// replaces the previous one, so updates and creations share this shape.
type CheckRunParams struct {
	Name        string
	HeadSHA     string
	Status      CheckStatus
	Conclusion  CheckConclusion // only set when Status is CheckCompleted
	DetailsURL  string
	ExternalID  string // execution-host job API URL, used by the retry path
	StartedAt   *time.Time
	CompletedAt *time.Time
	Title       string
	Summary     string
	Text        string // log tail for completed jobs, empty otherwise
}
