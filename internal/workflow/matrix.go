package workflow

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Matrix describes the axis values a job fans out over. The include and
// exclude keys are not axes themselves: exclude removes combinations from
// the product, include extends or appends combinations after expansion.
type Matrix struct {
	axes    map[string][]string
	order   []string
	include []map[string]string
	exclude []map[string]string
}

// Combination is one assignment of a value to every matrix axis.
type Combination map[string]string

func (m *Matrix) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping", value.Line)
	}
	m.axes = map[string][]string{}
	m.order = nil
	for i := 0; i+1 < len(value.Content); i += 2 {
		key, val := value.Content[i], value.Content[i+1]
		switch key.Value {
		case "include":
			rows, err := decodeMatrixRows(val)
			if err != nil {
				return fmt.Errorf("matrix include: %w", err)
			}
			m.include = rows
		case "exclude":
			rows, err := decodeMatrixRows(val)
			if err != nil {
				return fmt.Errorf("matrix exclude: %w", err)
			}
			m.exclude = rows
		default:
			var vals StringList
			if err := val.Decode(&vals); err != nil {
				return fmt.Errorf("matrix axis %q: %w", key.Value, err)
			}
			m.axes[key.Value] = vals
			m.order = append(m.order, key.Value)
		}
	}
	return nil
}

func decodeMatrixRows(value *yaml.Node) ([]map[string]string, error) {
	if value.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("line %d: expected a list of mappings", value.Line)
	}
	rows := make([]map[string]string, 0, len(value.Content))
	for _, item := range value.Content {
		var row StringMap
		if err := item.Decode(&row); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Axes returns the axis names in declaration order.
func (m *Matrix) Axes() []string { return m.order }

// Empty reports whether the matrix declares no axes and no includes.
func (m *Matrix) Empty() bool {
	return m == nil || (len(m.order) == 0 && len(m.include) == 0)
}

// Expand computes the cartesian product of the axes, drops combinations
// matched by an exclude row, then applies include rows: a row whose shared
// keys all match a product combination extends it with its extra keys, and
// a row matching none is appended as a new combination. Rows extend only
// the product, never combinations appended by earlier rows, so a matrix
// with no axes yields one combination per include row.
func (m *Matrix) Expand() []Combination {
	if m.Empty() {
		return nil
	}
	var combos []Combination
	if len(m.order) > 0 {
		combos = []Combination{{}}
		for _, axis := range m.order {
			next := make([]Combination, 0, len(combos)*len(m.axes[axis]))
			for _, c := range combos {
				for _, v := range m.axes[axis] {
					nc := make(Combination, len(c)+1)
					for k, cv := range c {
						nc[k] = cv
					}
					nc[axis] = v
					next = append(next, nc)
				}
			}
			combos = next
		}

		if len(m.exclude) > 0 {
			kept := combos[:0]
			for _, c := range combos {
				if !excludedBy(c, m.exclude) {
					kept = append(kept, c)
				}
			}
			combos = kept
		}
	}

	var appended []Combination
	for _, row := range m.include {
		extended := false
		for _, c := range combos {
			if m.includeMatches(c, row) {
				for k, v := range row {
					if _, onAxis := m.axes[k]; !onAxis {
						c[k] = v
					}
				}
				extended = true
			}
		}
		if !extended {
			nc := make(Combination, len(row))
			for k, v := range row {
				nc[k] = v
			}
			appended = append(appended, nc)
		}
	}
	return append(combos, appended...)
}

// excludedBy reports whether any exclude row is a partial match for c:
// every key the row names must agree with c's value.
func excludedBy(c Combination, rows []map[string]string) bool {
	for _, row := range rows {
		match := len(row) > 0
		for k, v := range row {
			if cv, ok := c[k]; !ok || cv != v {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// includeMatches reports whether an include row extends c. The row's axis
// keys must all agree with c; rows naming no axis keys extend every
// combination.
func (m *Matrix) includeMatches(c Combination, row map[string]string) bool {
	for k, v := range row {
		if _, onAxis := m.axes[k]; !onAxis {
			continue
		}
		if cv, ok := c[k]; !ok || cv != v {
			return false
		}
	}
	return true
}

// Describe renders the combination the way run listings title it, axis
// values in declaration order followed by include-only keys sorted by name.
func (c Combination) Describe(axisOrder []string) string {
	parts := make([]string, 0, len(c))
	seen := map[string]bool{}
	for _, axis := range axisOrder {
		if v, ok := c[axis]; ok {
			parts = append(parts, v)
			seen[axis] = true
		}
	}
	var extras []string
	for k := range c {
		if !seen[k] {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		parts = append(parts, c[k])
	}
	return strings.Join(parts, ", ")
}
