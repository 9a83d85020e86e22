package cost

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk layout of a price list.
//
//	actions:
//	  - action_key: order.create
//	    name: Create order
//	    cost: 1
//	    category: orders
//	    active: true
type File struct {
	Actions []Entry `yaml:"actions"`
}

// LoadYAML decodes and validates a price list.
func LoadYAML(r io.Reader) (*StaticRegistry, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("credits/cost: decode yaml: %w", err)
	}
	return NewStaticRegistry(f.Actions...)
}

// LoadYAMLFile reads a price list from path.
func LoadYAMLFile(path string) (*StaticRegistry, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("credits/cost: open %s: %w", path, err)
	}
	defer f.Close()

	return LoadYAML(f)
}
