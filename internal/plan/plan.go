// Package plan loads YAML test plans and turns them into session jobs.
package plan

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/device-test-orchestrator/internal/domain"
	"github.com/hochfrequenz/device-test-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/device-test-orchestrator/internal/sessiontest"
)

// Plan is a named set of jobs
type Plan struct {
	Name string    `yaml:"name"`
	Jobs []JobSpec `yaml:"jobs"`

	// Path is the file the plan was loaded from
	Path string `yaml:"-"`
}

// JobSpec is one job as written in the plan file
type JobSpec struct {
	Name        string     `yaml:"name"`
	Priority    string     `yaml:"priority"`
	MaxDuration string     `yaml:"max_duration"`
	Retries     int        `yaml:"retries"`
	Roles       []RoleSpec `yaml:"roles"`
}

// RoleSpec is one role of a job. Modifier must be quoted when it is
// "null", otherwise YAML reads it as an empty value.
type RoleSpec struct {
	Type          string     `yaml:"type"`
	Platform      string     `yaml:"platform"`
	Configuration string     `yaml:"configuration"`
	Constraint    string     `yaml:"constraint"`
	CommandLine   string     `yaml:"command_line"`
	Modifier      string     `yaml:"modifier"`
	Files         []FileSpec `yaml:"files"`
	BuildFlags    []string   `yaml:"build_flags"`
}

// FileSpec is a file copied onto the device before launch
type FileSpec struct {
	Source string `yaml:"source"`
	Dest   string `yaml:"dest"`
}

var configurations = []domain.Configuration{
	domain.ConfigDebug, domain.ConfigDevelopment, domain.ConfigTest, domain.ConfigShipping,
}

// Load reads and validates a plan file
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan: %w", err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.Path = path
	return p, nil
}

// Parse decodes and validates plan YAML
func Parse(data []byte) (*Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks every job converts cleanly
func (p *Plan) Validate() error {
	if len(p.Jobs) == 0 {
		return errors.New("plan has no jobs")
	}
	_, err := p.SessionJobs()
	return err
}

// SessionJobs converts the plan's jobs
func (p *Plan) SessionJobs() ([]sessiontest.Job, error) {
	seen := make(map[string]bool, len(p.Jobs))
	jobs := make([]sessiontest.Job, 0, len(p.Jobs))
	for i, js := range p.Jobs {
		if js.Name == "" {
			return nil, fmt.Errorf("job %d: missing name", i+1)
		}
		if seen[js.Name] {
			return nil, fmt.Errorf("duplicate job %q", js.Name)
		}
		seen[js.Name] = true

		job, err := js.toJob()
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", js.Name, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (js JobSpec) toJob() (sessiontest.Job, error) {
	job := sessiontest.Job{Name: js.Name, Retries: js.Retries}

	var err error
	if job.Priority, err = scheduler.ParsePriority(js.Priority); err != nil {
		return job, err
	}
	if js.MaxDuration != "" {
		if job.MaxDuration, err = time.ParseDuration(js.MaxDuration); err != nil {
			return job, fmt.Errorf("max_duration: %w", err)
		}
	}
	if js.Retries < 0 {
		return job, fmt.Errorf("retries must not be negative")
	}
	if len(js.Roles) == 0 {
		return job, errors.New("no roles")
	}
	for i, rs := range js.Roles {
		role, err := rs.toRole()
		if err != nil {
			return job, fmt.Errorf("role %d: %w", i+1, err)
		}
		job.Roles = append(job.Roles, role)
	}
	return job, nil
}

func (rs RoleSpec) toRole() (domain.SessionRole, error) {
	rt, err := domain.ParseRoleType(rs.Type)
	if err != nil {
		return domain.SessionRole{}, err
	}
	if rs.Platform == "" {
		return domain.SessionRole{}, errors.New("missing platform")
	}
	cfg, err := parseConfiguration(rs.Configuration)
	if err != nil {
		return domain.SessionRole{}, err
	}

	role := domain.NewRole(rt, domain.Platform(rs.Platform), cfg, rs.CommandLine)
	if role.Modifier, err = domain.ParseRoleModifier(rs.Modifier); err != nil {
		return role, err
	}
	if rs.Constraint != "" {
		c, err := domain.ParseConstraint(rs.Constraint)
		if err != nil {
			return role, err
		}
		if c.Platform != role.Platform {
			return role, fmt.Errorf("constraint %s does not match platform %s", c, role.Platform)
		}
		role.Constraint = c
	}
	for _, f := range rs.Files {
		if f.Source == "" {
			return role, errors.New("file without source")
		}
		role.FilesToCopy = append(role.FilesToCopy, domain.FileToCopy{Source: f.Source, Dest: f.Dest})
	}
	for _, name := range rs.BuildFlags {
		flag, err := parseBuildFlag(name)
		if err != nil {
			return role, err
		}
		role.RequiredFlags |= flag
	}
	return role, nil
}

func parseConfiguration(s string) (domain.Configuration, error) {
	if s == "" {
		return domain.ConfigDevelopment, nil
	}
	for _, c := range configurations {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown configuration %q", s)
}

func parseBuildFlag(s string) (domain.BuildFlags, error) {
	switch strings.ToLower(s) {
	case "can_replace_executable":
		return domain.CanReplaceExecutable, nil
	case "bulk":
		return domain.Bulk, nil
	}
	return 0, fmt.Errorf("unknown build flag %q", s)
}
