package model

// JobSpec describes one remote job the relay may start for a source event.
// Parsed by the configuration layer; read-only to the core.
type JobSpec struct {
	// Name becomes the check-run suffix and the correlation job name
	Name string
	// ProjectID is the execution-host project the trigger targets
	ProjectID int64
	// TargetRef is the ref the triggered pipeline runs on (default "main")
	TargetRef string
	// Branches restricts triggering to these source branches; empty = all
	Branches []string
	// Events restricts triggering to these event kinds; empty = push and
	// pull request
	Events []EventKind
}

// JobSpecification is the full parsed job definition set
type JobSpecification struct {
	Jobs []JobSpec
}

// Matches reports whether the spec's trigger conditions accept the event.
// Team/author gating is evaluated separately by the trigger dispatcher since
// it requires a source host API call.
func (s JobSpec) Matches(ev *Event) bool {
	kinds := s.Events
	if len(kinds) == 0 {
		kinds = []EventKind{EventSourcePush, EventSourcePullRequest, EventSourceCheckRerequest}
	}
	matched := false
	for _, k := range kinds {
		if k == ev.Kind {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}

	if len(s.Branches) == 0 {
		return true
	}
	for _, b := range s.Branches {
		if b == ev.HeadRef {
			return true
		}
	}
	return false
}

// Select returns the specs whose conditions match the event
func (spec *JobSpecification) Select(ev *Event) []JobSpec {
	var out []JobSpec
	for _, j := range spec.Jobs {
		if j.Matches(ev) {
			out = append(out, j)
		}
	}
	return out
}
