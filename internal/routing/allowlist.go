package routing

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Allowlist struct {
	Version     int                   `yaml:"version"`
	Entrypoints map[string]Entrypoint `yaml:"entrypoints"`
}

type Entrypoint struct {
	Routes []Route `yaml:"routes"`
}

type Route struct {
	Path       string   `yaml:"path"`
	Methods    []string `yaml:"methods"`
	RouteClass string   `yaml:"route_class"`
}

var knownRouteClasses = map[string]bool{
	string(RouteClassUI):        true,
	string(RouteClassPublicAPI): true,
	string(RouteClassOps):       true,
	string(RouteClassStatic):    true,
}

// ParseAllowlistYAML validates the whole document up front, so a typo in
// a route class fails at startup instead of misclassifying requests.
func ParseAllowlistYAML(b []byte) (Allowlist, error) {
	var a Allowlist
	if err := yaml.Unmarshal(b, &a); err != nil {
		return Allowlist{}, err
	}
	if a.Version != 1 {
		return Allowlist{}, fmt.Errorf("allowlist: unsupported version %d", a.Version)
	}
	if len(a.Entrypoints) == 0 {
		return Allowlist{}, fmt.Errorf("allowlist: no entrypoints")
	}
	for name, ep := range a.Entrypoints {
		for _, route := range ep.Routes {
			if route.Path == "" {
				return Allowlist{}, fmt.Errorf("allowlist: entrypoint %q has a route without a path", name)
			}
			if !knownRouteClasses[route.RouteClass] {
				return Allowlist{}, fmt.Errorf("allowlist: entrypoint %q route %q: unknown route_class %q", name, route.Path, route.RouteClass)
			}
		}
	}
	return a, nil
}

func LoadAllowlist(path string) (Allowlist, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Allowlist{}, err
	}
	return ParseAllowlistYAML(b)
}
