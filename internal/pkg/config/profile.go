package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/V4T54L/modsec-extractor/internal/audit"
	"github.com/V4T54L/modsec-extractor/internal/domain"
)

// Profile is a named extraction: which records to select and which fields to emit.
type Profile struct {
	Name       string    `yaml:"name"`
	Predicate  string    `yaml:"predicate"`
	Fields     FieldList `yaml:"fields"`
	RequireAll bool      `yaml:"require_all"`
}

// FieldList accepts both `- uri` and `- {name: rule, tag: id}` items.
type FieldList []domain.FieldSpec

func (l *FieldList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: fields must be a list", node.Line)
	}
	out := make(FieldList, 0, len(node.Content))
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, domain.FieldSpec{Name: item.Value})
		case yaml.MappingNode:
			var spec domain.FieldSpec
			if err := item.Decode(&spec); err != nil {
				return err
			}
			out = append(out, spec)
		default:
			return fmt.Errorf("line %d: unsupported field entry", item.Line)
		}
	}
	*l = out
	return nil
}

// Extraction is the resolved selection the extractor runs with.
type Extraction struct {
	Predicate  string
	Specs      []domain.FieldSpec
	RequireAll bool
}

// BuiltinProfiles reproduces the two operator one-liners this tool replaces.
func BuiltinProfiles() map[string]Profile {
	return map[string]Profile{
		"denied400": {
			Name:       "denied400",
			Predicate:  "Access denied with code 400",
			Fields:     FieldList{{Name: "id"}, {Name: "uri"}},
			RequireAll: true,
		},
		"alluri": {
			Name:       "alluri",
			Fields:     FieldList{{Name: "uri"}},
			RequireAll: true,
		},
	}
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles returns the built-in profiles overlaid with those in path.
// An empty path yields the built-ins only.
func LoadProfiles(path string) (map[string]Profile, error) {
	profiles := BuiltinProfiles()
	if path == "" {
		return profiles, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse profiles: %w", err)
	}
	for _, p := range pf.Profiles {
		if p.Name == "" {
			return nil, fmt.Errorf("profile without a name in %s", path)
		}
		profiles[p.Name] = p
	}
	return profiles, nil
}

// Resolve combines the selected profile with explicit PREDICATE, FIELDS and
// REQUIRE_ALL settings. Explicit settings win.
func (c *Config) Resolve(profiles map[string]Profile) (Extraction, error) {
	var ex Extraction
	if c.Profile != "" {
		p, ok := profiles[c.Profile]
		if !ok {
			return ex, fmt.Errorf("unknown profile %q", c.Profile)
		}
		ex.Predicate = p.Predicate
		ex.Specs = append([]domain.FieldSpec(nil), p.Fields...)
		ex.RequireAll = p.RequireAll
	}
	if c.Predicate != "" {
		ex.Predicate = c.Predicate
	}
	switch {
	case c.Fields != "":
		specs, err := audit.ParseFields(c.Fields)
		if err != nil {
			return ex, err
		}
		ex.Specs = specs
	case len(ex.Specs) == 0:
		specs, err := audit.ParseFields(DefaultFields)
		if err != nil {
			return ex, err
		}
		ex.Specs = specs
	default:
		if err := audit.ValidateFields(ex.Specs); err != nil {
			return ex, fmt.Errorf("profile %q: %w", c.Profile, err)
		}
	}
	ex.RequireAll = ex.RequireAll || c.RequireAll
	return ex, nil
}

// Redacted splits REDACT_FIELDS into names.
func (c *Config) Redacted() []string {
	return splitList(c.RedactFields)
}

// Brokers splits KAFKA_BROKERS into addresses.
func (c *Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

func splitList(list string) []string {
	var out []string
	for _, f := range strings.Split(list, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
