package config

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/m-mizutani/cibridge/pkg/domain/model"
)

// JobSpec holds the job definition file configuration
type JobSpec struct {
	Path string
}

// Flags returns CLI flags for the job definition file
func (c *JobSpec) Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "jobs",
			Usage:       "Path to the YAML job definition file",
			Required:    true,
			Destination: &c.Path,
			Sources:     cli.EnvVars("CIBRIDGE_JOBS"),
		},
	}
}

// jobSpecFile is the YAML wire shape of the job definition file
type jobSpecFile struct {
	Jobs []struct {
		Name      string   `yaml:"name"`
		ProjectID int64    `yaml:"project_id"`
		TargetRef string   `yaml:"target_ref"`
		Branches  []string `yaml:"branches"`
		Events    []string `yaml:"events"`
	} `yaml:"jobs"`
}

// eventNames maps the YAML event vocabulary onto event kinds
var eventNames = map[string]model.EventKind{
	"push":         model.EventSourcePush,
	"pull_request": model.EventSourcePullRequest,
	"rerequest":    model.EventSourceCheckRerequest,
}

// Load parses the job definition file
func (c *JobSpec) Load() (*model.JobSpecification, error) {
	raw, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read job definition file",
			goerr.V("path", c.Path),
		)
	}

	var file jobSpecFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, goerr.Wrap(err, "failed to parse job definition file",
			goerr.V("path", c.Path),
		)
	}
	if len(file.Jobs) == 0 {
		return nil, goerr.New("job definition file defines no jobs",
			goerr.V("path", c.Path),
		)
	}

	spec := &model.JobSpecification{}
	seen := map[string]bool{}
	for _, j := range file.Jobs {
		if j.Name == "" {
			return nil, goerr.New("job without name in definition file")
		}
		if seen[j.Name] {
			return nil, goerr.New("duplicate job name", goerr.V("name", j.Name))
		}
		seen[j.Name] = true
		if j.ProjectID == 0 {
			return nil, goerr.New("job without project_id", goerr.V("name", j.Name))
		}

		var events []model.EventKind
		for _, e := range j.Events {
			kind, ok := eventNames[e]
			if !ok {
				return nil, goerr.New("unknown event in job definition",
					goerr.V("name", j.Name),
					goerr.V("event", e),
				)
			}
			events = append(events, kind)
		}

		spec.Jobs = append(spec.Jobs, model.JobSpec{
			Name:      j.Name,
			ProjectID: j.ProjectID,
			TargetRef: j.TargetRef,
			Branches:  j.Branches,
			Events:    events,
		})
	}
	return spec, nil
}
