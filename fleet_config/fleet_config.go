package fleetconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/hashicorp/go-version"
)

// Config files without a version are treated as this version.
const DefaultVersion = "1.0"

var supportedVersions = version.MustConstraints(version.NewConstraint(">= 1.0, < 2.0"))

type ProjectConfig struct {
	Name        string `mapstructure:"-"`
	BranchName  string `mapstructure:"branch_name"`
	ShellScript string `mapstructure:"shell_script"`
}

type InstanceConfig struct {
	Name string `mapstructure:"-"`

	// Either a number or a string. Formatted into the bootstrap arguments as-is, see bootstrap.FormatThroughput.
	ThroughputGbps any `mapstructure:"throughput_gbps"`
}

// The benchmark configuration. Projects and Instances keep the order they were declared in.
type BenchmarkConfig struct {
	Version   string
	Projects  []*ProjectConfig
	Instances []*InstanceConfig

	// The directory the config was loaded from. Shell scripts are resolved relative to it.
	BaseDir string
}

func Load(path string) (*BenchmarkConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading benchmark config failed: %w", err)
	}
	cfg, err := Parse(buf)
	if err != nil {
		return nil, err
	}
	cfg.BaseDir = filepath.Dir(path)
	return cfg, nil
}

// Project returns the named project or a *ConfigurationError if it is not configured.
func (c *BenchmarkConfig) Project(name string) (*ProjectConfig, error) {
	for _, p := range c.Projects {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, &ConfigurationError{Project: name, Err: ErrUnknownProject}
}

func (c *BenchmarkConfig) Instance(name string) (*InstanceConfig, error) {
	for _, ins := range c.Instances {
		if ins.Name == name {
			return ins, nil
		}
	}
	return nil, &ConfigurationError{Shape: name, Err: ErrUnknownInstance}
}

// SelectInstances returns a copy of the config that only launches the named instance shapes, in the order given.
// An empty selection keeps every instance.
func (c *BenchmarkConfig) SelectInstances(names []string) (*BenchmarkConfig, error) {
	out := *c
	if len(names) == 0 {
		out.Instances = slices.Clone(c.Instances)
		return &out, nil
	}

	out.Instances = nil
	for _, name := range names {
		ins, err := c.Instance(name)
		if err != nil {
			return nil, err
		}
		if slices.Contains(out.Instances, ins) {
			return nil, &ConfigurationError{Shape: name, Err: ErrDuplicateKey}
		}
		out.Instances = append(out.Instances, ins)
	}
	return &out, nil
}

// ScriptPath returns the local path of the project's run script.
func (c *BenchmarkConfig) ScriptPath(p *ProjectConfig) string {
	if filepath.IsAbs(p.ShellScript) || c.BaseDir == "" {
		return p.ShellScript
	}
	return filepath.Join(c.BaseDir, p.ShellScript)
}

func (c *BenchmarkConfig) Validate() error {
	v, err := version.NewVersion(c.Version)
	if err != nil {
		return &ConfigurationError{Err: fmt.Errorf("invalid version %q: %w", c.Version, err)}
	}
	if !supportedVersions.Check(v) {
		return &ConfigurationError{Err: fmt.Errorf("unsupported version %s, must be %s", v, supportedVersions)}
	}

	if len(c.Projects) == 0 {
		return &ConfigurationError{Err: fmt.Errorf("no projects configured")}
	}
	for _, p := range c.Projects {
		if strings.TrimSpace(p.ShellScript) == "" {
			return &ConfigurationError{Project: p.Name, Err: fmt.Errorf("shell_script is required")}
		}
	}

	if len(c.Instances) == 0 {
		return &ConfigurationError{Err: fmt.Errorf("no instances configured")}
	}
	known := ec2Types.InstanceType("").Values()
	for _, ins := range c.Instances {
		if !slices.Contains(known, ec2Types.InstanceType(ins.Name)) {
			return &ConfigurationError{Shape: ins.Name, Err: ErrUnknownInstanceType}
		}
	}
	return nil
}

// InstanceNames returns the configured instance shapes in declaration order.
func (c *BenchmarkConfig) InstanceNames() []string {
	names := make([]string, 0, len(c.Instances))
	for _, ins := range c.Instances {
		names = append(names, ins.Name)
	}
	return names
}
