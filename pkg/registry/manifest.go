package registry

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/keeper/pkg/types"
	"gopkg.in/yaml.v3"
)

// ManifestKind is the only resource kind keeper accepts
const ManifestKind = "Service"

// manifestFile is the on-disk YAML form of a service manifest
type manifestFile struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   manifestMetadata `yaml:"metadata"`
	Spec       manifestSpec     `yaml:"spec"`
}

type manifestMetadata struct {
	Name  string `yaml:"name"`
	Title string `yaml:"title,omitempty"`
}

type manifestSpec struct {
	Version      string                        `yaml:"version"`
	Containers   []containerSpec               `yaml:"containers,omitempty"`
	Volumes      []volumeSpec                  `yaml:"volumes,omitempty"`
	HealthChecks []healthCheckSpec             `yaml:"healthChecks,omitempty"`
	Dependencies map[string]dependencySpecYAML `yaml:"dependencies,omitempty"`
}

type containerSpec struct {
	Name    string   `yaml:"name"`
	Image   string   `yaml:"image"`
	Address string   `yaml:"address,omitempty"`
	Env     []string `yaml:"env,omitempty"`
}

type volumeSpec struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
}

type healthCheckSpec struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name,omitempty"`
	Type      string        `yaml:"type"`
	Container string        `yaml:"container,omitempty"`
	Endpoint  string        `yaml:"endpoint,omitempty"`
	Command   []string      `yaml:"command,omitempty"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
}

type dependencySpecYAML struct {
	HealthChecks []string `yaml:"healthChecks,omitempty"`
	Optional     bool     `yaml:"optional,omitempty"`
}

// LoadManifest reads a manifest from a YAML file
func LoadManifest(path string) (types.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates a YAML manifest
func ParseManifest(data []byte) (types.Manifest, error) {
	var f manifestFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return types.Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if f.Kind != ManifestKind {
		return types.Manifest{}, fmt.Errorf("unsupported resource kind: %q", f.Kind)
	}
	if f.Metadata.Name == "" {
		return types.Manifest{}, fmt.Errorf("manifest metadata.name is required")
	}

	m := types.Manifest{
		ID:           types.ServiceID(f.Metadata.Name),
		Title:        f.Metadata.Title,
		Version:      f.Spec.Version,
		Dependencies: make(map[types.ServiceID]types.DependencySpec, len(f.Spec.Dependencies)),
	}

	for _, c := range f.Spec.Containers {
		m.Containers = append(m.Containers, types.ContainerSpec{
			Name:    c.Name,
			Image:   c.Image,
			Address: c.Address,
			Env:     c.Env,
		})
	}
	for _, v := range f.Spec.Volumes {
		m.Volumes = append(m.Volumes, types.VolumeMount{Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly})
	}

	seen := make(map[types.HealthCheckID]bool)
	for _, hc := range f.Spec.HealthChecks {
		id := types.HealthCheckID(hc.ID)
		if id == "" {
			return types.Manifest{}, fmt.Errorf("health check without id in %s", m.ID)
		}
		if seen[id] {
			return types.Manifest{}, fmt.Errorf("duplicate health check %q in %s", id, m.ID)
		}
		seen[id] = true

		typ := types.HealthCheckType(hc.Type)
		switch typ {
		case types.HealthCheckHTTP, types.HealthCheckTCP, types.HealthCheckExec:
		default:
			return types.Manifest{}, fmt.Errorf("health check %s: unsupported type %q", id, hc.Type)
		}

		m.HealthChecks = append(m.HealthChecks, types.HealthCheckDef{
			ID:        id,
			Name:      hc.Name,
			Type:      typ,
			Container: hc.Container,
			Endpoint:  hc.Endpoint,
			Command:   hc.Command,
			Timeout:   hc.Timeout,
		})
	}

	for name, dep := range f.Spec.Dependencies {
		if types.ServiceID(name) == m.ID {
			return types.Manifest{}, fmt.Errorf("%s cannot depend on itself", m.ID)
		}
		spec := types.DependencySpec{Optional: dep.Optional}
		for _, hc := range dep.HealthChecks {
			spec.HealthChecks = append(spec.HealthChecks, types.HealthCheckID(hc))
		}
		m.Dependencies[types.ServiceID(name)] = spec
	}

	return m, nil
}
