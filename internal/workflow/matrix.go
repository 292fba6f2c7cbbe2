package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// MatrixSpec declares the parameter space of a matrix task. Dimension
// declaration order is preserved because it determines combination order and
// generated id suffixes.
type MatrixSpec struct {
	Dimensions []MatrixDimension
	Include    []map[string]string
	Exclude    []map[string]string
}

// MatrixDimension is one named axis with its ordered values.
type MatrixDimension struct {
	Name   string
	Values []string
}

// Dimension returns the named dimension's values and whether it exists.
func (m *MatrixSpec) Dimension(name string) ([]string, bool) {
	for _, d := range m.Dimensions {
		if d.Name == name {
			return d.Values, true
		}
	}
	return nil, false
}

// UnmarshalYAML decodes the matrix mapping. All keys except the reserved
// "include" and "exclude" are dimensions, in document order.
func (m *MatrixSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping", node.Line)
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		keyNode := node.Content[i]
		valueNode := node.Content[i+1]

		switch keyNode.Value {
		case "include":
			if err := valueNode.Decode(&m.Include); err != nil {
				return fmt.Errorf("line %d: matrix include: %w", valueNode.Line, err)
			}
		case "exclude":
			if err := valueNode.Decode(&m.Exclude); err != nil {
				return fmt.Errorf("line %d: matrix exclude: %w", valueNode.Line, err)
			}
		default:
			var values []string
			if err := valueNode.Decode(&values); err != nil {
				return fmt.Errorf("line %d: matrix dimension %q: %w", valueNode.Line, keyNode.Value, err)
			}
			m.Dimensions = append(m.Dimensions, MatrixDimension{Name: keyNode.Value, Values: values})
		}
	}
	return nil
}

// MarshalYAML re-encodes the matrix in its declared shape.
func (m MatrixSpec) MarshalYAML() (any, error) {
	out := map[string]any{}
	for _, d := range m.Dimensions {
		out[d.Name] = d.Values
	}
	if len(m.Include) > 0 {
		out["include"] = m.Include
	}
	if len(m.Exclude) > 0 {
		out["exclude"] = m.Exclude
	}
	return out, nil
}
