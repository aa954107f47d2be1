package schema

import (
	_ "embed"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/thistle/pkg/errors"
)

//go:embed default.yml
var defaultModel []byte

// Property types understood by the validator.
const (
	TypeString     = "string"
	TypeName       = "name"
	TypeText       = "text"
	TypeAddress    = "address"
	TypeIdentifier = "identifier"
	TypeDate       = "date"
	TypeNumber     = "number"
	TypeEmail      = "email"
	TypeURL        = "url"
	TypePhone      = "phone"
	TypeCountry    = "country"
	TypeEntity     = "entity"
	// TypeID is the type of the id pseudo-property every entity carries
	TypeID = "id"
)

// Property defines a single property of a schema.
type Property struct {
	Name        string `yaml:"-" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Format      string `yaml:"format,omitempty" json:"format,omitempty"`
	Range       string `yaml:"range,omitempty" json:"range,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Schema is the schema that declared the property
	Schema string `yaml:"-" json:"schema"`
}

// Schema is one entity type of the type model. Properties and Caption include
// everything inherited from ancestors once the registry is loaded.
type Schema struct {
	Name       string               `yaml:"-" json:"name"`
	Label      string               `yaml:"label" json:"label"`
	Extends    string               `yaml:"extends,omitempty" json:"extends,omitempty"`
	Abstract   bool                 `yaml:"abstract,omitempty" json:"abstract,omitempty"`
	Caption    []string             `yaml:"caption,omitempty" json:"caption,omitempty"`
	Properties map[string]*Property `yaml:"properties,omitempty" json:"properties"`

	parent *Schema
}

type modelFile struct {
	Schemata map[string]*Schema `yaml:"schemata"`
}

// Registry is the loaded type model. It is built once at start and read-only
// afterwards, so it is safe for concurrent use.
type Registry struct {
	schemata map[string]*Schema
}

// DefaultRegistry loads the built-in type model.
func DefaultRegistry() (*Registry, error) {
	return ParseRegistry(defaultModel)
}

// LoadRegistryFile loads a type model from a YAML file. An empty path loads
// the built-in model.
func LoadRegistryFile(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open schema model %s", path)
	}
	defer f.Close()
	return LoadRegistry(f)
}

// LoadRegistry reads a YAML type model.
func LoadRegistry(r io.Reader) (*Registry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read schema model")
	}
	return ParseRegistry(data)
}

// ParseRegistry parses a YAML type model and resolves inheritance.
func ParseRegistry(data []byte) (*Registry, error) {
	var model modelFile
	if err := yaml.Unmarshal(data, &model); err != nil {
		return nil, errors.Wrap(err, "failed to parse schema model")
	}
	if len(model.Schemata) == 0 {
		return nil, errors.New("schema model defines no schemata")
	}

	reg := &Registry{schemata: model.Schemata}
	for name, s := range reg.schemata {
		if s == nil {
			s = &Schema{}
			reg.schemata[name] = s
		}
		s.Name = name
		if s.Label == "" {
			s.Label = name
		}
		if s.Properties == nil {
			s.Properties = map[string]*Property{}
		}
		for propName, p := range s.Properties {
			if p == nil {
				p = &Property{Type: TypeString}
				s.Properties[propName] = p
			}
			p.Name = propName
			p.Schema = name
			if p.Type == "" {
				p.Type = TypeString
			}
		}
	}

	for _, s := range reg.schemata {
		if s.Extends == "" {
			continue
		}
		parent, ok := reg.schemata[s.Extends]
		if !ok {
			return nil, errors.Errorf("schema %s extends unknown schema %s", s.Name, s.Extends)
		}
		s.parent = parent
	}

	resolved := map[string]bool{}
	for _, name := range reg.Names() {
		if err := reg.resolve(reg.schemata[name], resolved, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// resolve copies inherited properties and caption order down from ancestors.
func (r *Registry) resolve(s *Schema, resolved, visiting map[string]bool) error {
	if resolved[s.Name] {
		return nil
	}
	if visiting[s.Name] {
		return errors.Errorf("schema %s has an inheritance cycle", s.Name)
	}
	visiting[s.Name] = true

	if s.parent != nil {
		if err := r.resolve(s.parent, resolved, visiting); err != nil {
			return err
		}
		for name, p := range s.parent.Properties {
			if _, ok := s.Properties[name]; !ok {
				s.Properties[name] = p
			}
		}
		if len(s.Caption) == 0 {
			s.Caption = s.parent.Caption
		}
	}
	for _, prop := range s.Caption {
		if _, ok := s.Properties[prop]; !ok {
			return errors.Errorf("schema %s caption uses unknown property %s", s.Name, prop)
		}
	}
	for _, p := range s.Properties {
		if p.Type == TypeEntity && p.Range != "" {
			if _, ok := r.schemata[p.Range]; !ok {
				return errors.Errorf("property %s.%s has unknown range %s", p.Schema, p.Name, p.Range)
			}
		}
	}

	resolved[s.Name] = true
	return nil
}

// Get returns a schema by name.
func (r *Registry) Get(name string) (*Schema, bool) {
	s, ok := r.schemata[name]
	return s, ok
}

// Names returns every schema name in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.schemata))
	for name := range r.schemata {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Property looks up a property on a schema, including inherited ones. The id
// pseudo-property exists on every schema.
func (r *Registry) Property(schemaName, prop string) (*Property, bool) {
	s, ok := r.schemata[schemaName]
	if !ok {
		return nil, false
	}
	return s.Property(prop)
}

// IsA reports whether child is parent or extends it.
func (r *Registry) IsA(child, parent string) bool {
	s, ok := r.schemata[child]
	if !ok {
		return false
	}
	return s.IsA(parent)
}

// CommonSchema picks the schema a merged entity is exported as. When one
// schema extends all others the most specific one wins. Otherwise the nearest
// common ancestor is used and conflict is set when that ancestor is abstract
// or when no common ancestor exists at all; in the latter case the first name
// in sorted order is returned so the result stays deterministic.
func (r *Registry) CommonSchema(names ...string) (string, bool) {
	uniq := map[string]bool{}
	for _, n := range names {
		if n != "" {
			uniq[n] = true
		}
	}
	sorted := make([]string, 0, len(uniq))
	for n := range uniq {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	if len(sorted) == 0 {
		return "", true
	}

	result := sorted[0]
	conflict := false
	for _, next := range sorted[1:] {
		switch {
		case r.IsA(next, result):
			result = next
		case r.IsA(result, next):
		default:
			ancestor, ok := r.commonAncestor(result, next)
			if !ok {
				return sorted[0], true
			}
			result = ancestor
			if s, _ := r.Get(ancestor); s.Abstract {
				conflict = true
			}
		}
	}
	if _, ok := r.Get(result); !ok {
		conflict = true
	}
	return result, conflict
}

func (r *Registry) commonAncestor(a, b string) (string, bool) {
	sa, ok := r.schemata[a]
	if !ok {
		return "", false
	}
	sb, ok := r.schemata[b]
	if !ok {
		return "", false
	}
	for _, name := range sa.Ancestors() {
		if sb.IsA(name) {
			return name, true
		}
	}
	return "", false
}

// Property looks up a property including inherited ones.
func (s *Schema) Property(name string) (*Property, bool) {
	if name == "id" {
		return &Property{Name: "id", Type: TypeID, Schema: s.Name}, true
	}
	p, ok := s.Properties[name]
	return p, ok
}

// IsA reports whether the schema is the named schema or extends it.
func (s *Schema) IsA(name string) bool {
	for cur := s; cur != nil; cur = cur.parent {
		if cur.Name == name {
			return true
		}
	}
	return false
}

// Ancestors lists the schema itself followed by every ancestor, nearest
// first.
func (s *Schema) Ancestors() []string {
	var names []string
	for cur := s; cur != nil; cur = cur.parent {
		names = append(names, cur.Name)
	}
	return names
}

// PropNames returns every property name of the schema in sorted order.
func (s *Schema) PropNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
