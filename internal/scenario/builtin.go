package scenario

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
)

//go:embed builtins/*.yaml
var builtinFS embed.FS

// Builtins parses the scenarios shipped with the binary, ordered by name.
func Builtins() ([]*Scenario, error) {
	return loadFS(builtinFS, "builtins")
}

// LoadDir parses every *.yaml and *.yml document in dir, ordered by file
// name.
func LoadDir(dir string) ([]*Scenario, error) {
	return loadFS(os.DirFS(dir), ".")
}

// Catalog returns the built-in scenarios followed by those found in dir.
// A scenario in dir replaces a built-in of the same name.
func Catalog(dir string) ([]*Scenario, error) {
	all, err := Builtins()
	if err != nil {
		return nil, err
	}

	if dir == "" {
		return all, nil
	}

	extra, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}

	for _, sc := range extra {
		if i := slices.IndexFunc(all, func(b *Scenario) bool { return b.Name == sc.Name }); i >= 0 {
			all[i] = sc
			continue
		}

		all = append(all, sc)
	}

	return all, nil
}

// Select returns the scenarios named in names, in that order. An empty
// names list selects everything.
func Select(pool []*Scenario, names []string) ([]*Scenario, error) {
	if len(names) == 0 {
		return pool, nil
	}

	out := make([]*Scenario, 0, len(names))

	for _, name := range names {
		i := slices.IndexFunc(pool, func(s *Scenario) bool { return s.Name == name })
		if i < 0 {
			return nil, configf("unknown scenario %q", name)
		}

		out = append(out, pool[i])
	}

	return out, nil
}

func loadFS(fsys fs.FS, dir string) ([]*Scenario, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}

	var (
		out   []*Scenario
		names = map[string]string{}
	)

	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		p := path.Join(dir, e.Name())

		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read scenario %s: %w", p, err)
		}

		sc, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}

		if prev, dup := names[sc.Name]; dup {
			return nil, configf("scenario %q defined in both %s and %s", sc.Name, prev, e.Name())
		}

		names[sc.Name] = e.Name()
		out = append(out, sc)
	}

	slices.SortFunc(out, func(a, b *Scenario) int { return strings.Compare(a.Name, b.Name) })

	return out, nil
}
