package completion

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed roles.yaml
var defaultRolesYAML []byte

// RoleName identifies one of the three prompt roles.
type RoleName string

const (
	RoleArchitect RoleName = "architect"
	RoleHelper    RoleName = "helper"
	RoleAssessor  RoleName = "assessor"
)

// Role is a prompt template with a fixed sampling temperature.
type Role struct {
	Name        RoleName
	Temperature float64
	tmpl        *template.Template
}

// Render fills the role's template with input.
func (r Role) Render(input string) (string, error) {
	if r.tmpl == nil {
		return "", fmt.Errorf("role %s has no template", r.Name)
	}
	var b strings.Builder
	if err := r.tmpl.Execute(&b, struct{ Input string }{Input: input}); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", r.Name, err)
	}
	return b.String(), nil
}

// Roles is the full set of prompt roles.
type Roles struct {
	Architect Role
	Helper    Role
	Assessor  Role
}

type roleDoc struct {
	Temperature *float64 `yaml:"temperature"`
	Template    string   `yaml:"template"`
}

// LoadRoles reads role definitions from path, or the built-in definitions
// when path is empty.
func LoadRoles(path string) (Roles, error) {
	if path == "" {
		return ParseRoles(defaultRolesYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Roles{}, fmt.Errorf("read roles file: %w", err)
	}
	return ParseRoles(data)
}

// DefaultRoles returns the built-in role definitions.
func DefaultRoles() Roles {
	roles, err := ParseRoles(defaultRolesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded roles are invalid: %v", err))
	}
	return roles
}

// ParseRoles decodes a YAML document with one entry per role.
func ParseRoles(data []byte) (Roles, error) {
	var docs map[string]roleDoc
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return Roles{}, fmt.Errorf("decode roles: %w", err)
	}

	var errs []error
	build := func(name RoleName) Role {
		doc, ok := docs[string(name)]
		if !ok {
			errs = append(errs, fmt.Errorf("role %s is not defined", name))
			return Role{}
		}
		role, err := buildRole(name, doc)
		if err != nil {
			errs = append(errs, err)
		}
		return role
	}

	roles := Roles{
		Architect: build(RoleArchitect),
		Helper:    build(RoleHelper),
		Assessor:  build(RoleAssessor),
	}
	if err := errors.Join(errs...); err != nil {
		return Roles{}, err
	}
	return roles, nil
}

func buildRole(name RoleName, doc roleDoc) (Role, error) {
	if doc.Temperature == nil {
		return Role{}, fmt.Errorf("role %s: temperature is required", name)
	}
	if *doc.Temperature < 0 || *doc.Temperature > 2 {
		return Role{}, fmt.Errorf("role %s: temperature %.2f out of range [0,2]", name, *doc.Temperature)
	}
	if strings.TrimSpace(doc.Template) == "" {
		return Role{}, fmt.Errorf("role %s: template is required", name)
	}
	tmpl, err := template.New(string(name)).Option("missingkey=error").Parse(doc.Template)
	if err != nil {
		return Role{}, fmt.Errorf("role %s: parse template: %w", name, err)
	}
	return Role{Name: name, Temperature: *doc.Temperature, tmpl: tmpl}, nil
}
