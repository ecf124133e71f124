package model

import (
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	KindFetch  = "fetch"
	KindDigest = "digest"
	KindExec   = "exec"

	AlgorithmSHA256 = "sha256"
	AlgorithmSHA1   = "sha1"
	AlgorithmMD5    = "md5"
)

//go:embed plan.cue
var cueSource []byte

var (
	cueCtx   *cue.Context
	compiled cue.Value
	schema   cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled = cueCtx.CompileBytes(cueSource, cue.Filename("plan.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}
	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Plan"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Plan struct {
	Version int   `json:"version"` // fixed 0 for now
	Jobs    []Job `json:"jobs"`
}

// Job is one entry of a plan. Exactly one of Fetch, Digest and Exec is set,
// matching Kind.
type Job struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Category string    `json:"category,omitempty"` // empty => per kind default
	Schedule *Schedule `json:"schedule,omitempty"`
	Fetch    *Fetch    `json:"fetch,omitempty"`
	Digest   *Digest   `json:"digest,omitempty"`
	Exec     *Exec     `json:"exec,omitempty"`
}

// CategoryName returns the pool the job runs in.
func (j Job) CategoryName() string {
	if j.Category != "" {
		return j.Category
	}
	switch j.Kind {
	case KindFetch:
		return "remote"
	default:
		// exec too: render is opt-in and disabled by default
		return "local"
	}
}

type Fetch struct {
	URLs     []string `json:"urls"`
	Dir      string   `json:"dir"`
	Parallel int      `json:"parallel"`
}

type Digest struct {
	Paths     []string `json:"paths"`
	Algorithm string   `json:"algorithm"`
	Output    string   `json:"output"`
}

type Exec struct {
	Path    string            `json:"path"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty"` // 1d2h3m4s
}

// Duration returns the parsed Timeout, zero if unset.
func (e Exec) Duration() (time.Duration, error) {
	if e.Timeout == "" {
		return 0, nil
	}
	return ParseCueDuration(e.Timeout)
}

// Schedule is either a 5 field cron expression or an ISO8601 duration.
type Schedule struct {
	Cron  string `json:"cron,omitempty"`
	Every string `json:"every,omitempty"`
}

// LoadPlan validates YAML from r against the CUE schema and decodes it.
func LoadPlan(r io.Reader) (*Plan, error) {
	yamlFile, err := yaml.Extract("plan.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Plan
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}
	if err := out.check(); err != nil {
		return nil, err
	}
	return &out, nil
}

// check covers what the schema can't express.
func (p Plan) check() error {
	seen := make(map[string]struct{}, len(p.Jobs))
	for _, j := range p.Jobs {
		if _, ok := seen[j.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateJob, j.Name)
		}
		seen[j.Name] = struct{}{}

		if s := j.Schedule; s != nil {
			var err error
			if s.Cron != "" {
				_, err = ParseCron(s.Cron)
			} else {
				_, err = ParseISODuration(s.Every)
			}
			if err != nil {
				return fmt.Errorf("job %s: schedule: %w", j.Name, err)
			}
		}
		if j.Exec != nil {
			if _, err := j.Exec.Duration(); err != nil {
				return fmt.Errorf("job %s: exec.timeout: %w", j.Name, err)
			}
		}
	}
	return nil
}
