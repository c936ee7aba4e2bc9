package mask

import (
	"fmt"
	"regexp"

	"github.com/holger24/afd/internal/config"
)

// Rename is a compiled rename rule: an ordered list of filter->template
// mappings. Templates reference wildcard captures from the filter as $1,
// $2, and so on.
type Rename struct {
	name string
	maps []renameMap
}

type renameMap struct {
	from *regexp.Regexp
	to   string
}

// CompileRename builds a rename rule from its definition.
func CompileRename(def config.RenameDef) (*Rename, error) {
	r := &Rename{name: def.Name, maps: make([]renameMap, 0, len(def.Maps))}
	for _, m := range def.Maps {
		if m.From == "" {
			return nil, fmt.Errorf("rename rule %s: empty filter", def.Name)
		}
		re, err := regexp.Compile("^" + globToRegex(m.From) + "$")
		if err != nil {
			return nil, fmt.Errorf("rename rule %s: filter %q: %w", def.Name, m.From, err)
		}
		r.maps = append(r.maps, renameMap{from: re, to: m.To})
	}
	return r, nil
}

// Name returns the rule name from the definition.
func (r *Rename) Name() string { return r.name }

// Apply rewrites name through the first matching mapping. The second result
// is false when no mapping matched and the name is unchanged.
func (r *Rename) Apply(name string) (string, bool) {
	for _, m := range r.maps {
		idx := m.from.FindStringSubmatchIndex(name)
		if idx == nil {
			continue
		}
		out := m.from.ExpandString(nil, m.to, name, idx)
		return string(out), true
	}
	return name, false
}
