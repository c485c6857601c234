package model

import (
	"context"
	"fmt"
	"io"
	"sort"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// LocalhostName is the host used when a job does not name one.
const LocalhostName = "localhost"

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version  int                   `json:"version" yaml:"version"`
	Launcher map[string]any        `json:"launcher,omitempty" yaml:"launcher,omitempty"`
	Hosts    map[string]HostConfig `json:"hosts" yaml:"hosts"`
}

// DefaultConfig returns a configuration with a single local host.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Launcher: map[string]any{
			"python": "python3",
			"store":  "launcher.db",
		},
		Hosts: map[string]HostConfig{
			LocalhostName: {},
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("launcher.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),
		cue.Concrete(true),
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}
	if out.Version != 0 {
		return Config{}, fmt.Errorf("config version %d is not supported, expected 0", out.Version)
	}
	for name, host := range out.Hosts {
		if err := host.validate(); err != nil {
			return Config{}, fmt.Errorf("hosts.%s: %w", name, err)
		}
	}
	return out, nil
}

// Host returns the named host. The local host is always available.
func (c Config) Host(name string) (HostConfig, error) {
	if name == "" {
		name = LocalhostName
	}
	host, ok := c.Hosts[name]
	if !ok {
		if name != LocalhostName {
			return HostConfig{}, fmt.Errorf("%w: %s", ErrUnknownHost, name)
		}
		host = HostConfig{}
	}
	host.Name = name
	return host, nil
}

// HostNames returns configured host names in sorted order.
func (c Config) HostNames() []string {
	names := make([]string, 0, len(c.Hosts))
	for name := range c.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h HostConfig) validate() error {
	queue := h.SubmitCommand != "" || h.SubmitTemplate != "" || h.CancelCommand != ""
	if queue && (h.SubmitCommand == "" || h.SubmitTemplate == "" || h.CancelCommand == "") {
		return fmt.Errorf("submit_command, submit_template and cancel_command must be set together")
	}
	if !h.IsLocal() && h.Root == "" {
		return fmt.Errorf("remote host %q needs root", h.Address)
	}
	return nil
}

// HasQueue reports whether the host defines submission templates.
func (h HostConfig) HasQueue() bool {
	return h.SubmitCommand != "" && h.SubmitTemplate != ""
}
