package analyzer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/modfile"
)

// manifests holds what was found in the top-level manifest files of a project.
type manifests struct {
	hasPackageJSON bool
	npmDeps        []string
	hasPython      bool
	pythonDeps     []string
	hasCargo       bool
	cargoDeps      []string
	hasGoMod       bool
	goDeps         []string
}

// npmFrameworks is checked in order; first hit wins.
var npmFrameworks = []struct {
	deps []string
	name string
}{
	{[]string{"next"}, "Next.js"},
	{[]string{"react"}, "React"},
	{[]string{"vue"}, "Vue.js"},
	{[]string{"angular", "@angular/core"}, "Angular"},
	{[]string{"express"}, "Express.js"},
}

func (m manifests) framework() string {
	if m.hasPackageJSON {
		set := make(map[string]struct{}, len(m.npmDeps))
		for _, d := range m.npmDeps {
			set[d] = struct{}{}
		}
		for _, fw := range npmFrameworks {
			for _, d := range fw.deps {
				if _, ok := set[d]; ok {
					return fw.name
				}
			}
		}
	}
	switch {
	case m.hasPython:
		return "Python"
	case m.hasCargo:
		return "Rust"
	case m.hasGoMod:
		return "Go"
	}
	return ""
}

func (m manifests) dependencies() []string {
	all := make([]string, 0, len(m.npmDeps)+len(m.pythonDeps)+len(m.cargoDeps)+len(m.goDeps))
	all = append(all, m.npmDeps...)
	all = append(all, m.pythonDeps...)
	all = append(all, m.cargoDeps...)
	all = append(all, m.goDeps...)
	return sortedUnique(all)
}

func readManifests(root string, rep *Report) manifests {
	var m manifests
	read := func(name string) ([]byte, bool) {
		b, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			if !os.IsNotExist(err) {
				rep.manifestError(name, err)
			}
			return nil, false
		}
		return b, true
	}

	if b, ok := read("package.json"); ok {
		m.hasPackageJSON = true
		deps, err := parsePackageJSON(b)
		if err != nil {
			rep.manifestError("package.json", err)
		}
		m.npmDeps = deps
	}
	if b, ok := read("requirements.txt"); ok {
		m.hasPython = true
		m.pythonDeps = append(m.pythonDeps, parseRequirements(b)...)
	}
	if _, ok := read("setup.py"); ok {
		m.hasPython = true
	}
	if b, ok := read("pyproject.toml"); ok {
		m.hasPython = true
		deps, err := parsePyproject(b)
		if err != nil {
			rep.manifestError("pyproject.toml", err)
		}
		m.pythonDeps = append(m.pythonDeps, deps...)
	}
	if b, ok := read("Cargo.toml"); ok {
		m.hasCargo = true
		deps, err := parseCargo(b)
		if err != nil {
			rep.manifestError("Cargo.toml", err)
		}
		m.cargoDeps = deps
	}
	if b, ok := read("go.mod"); ok {
		m.hasGoMod = true
		deps, err := parseGoMod(b)
		if err != nil {
			rep.manifestError("go.mod", err)
		}
		m.goDeps = deps
	}
	return m
}

func parsePackageJSON(b []byte) ([]string, error) {
	var pkg struct {
		Dependencies    map[string]any `json:"dependencies"`
		DevDependencies map[string]any `json:"devDependencies"`
	}
	if err := json.Unmarshal(b, &pkg); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for name := range pkg.Dependencies {
		out = append(out, name)
	}
	for name := range pkg.DevDependencies {
		out = append(out, name)
	}
	return out, nil
}

// requirementName strips version specifiers, extras and environment markers.
func requirementName(line string) string {
	if i := strings.IndexAny(line, "=<>!~;[ @"); i >= 0 {
		line = line[:i]
	}
	return strings.TrimSpace(line)
}

func parseRequirements(b []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		if i := strings.Index(line, " #"); i >= 0 {
			line = line[:i]
		}
		if name := requirementName(line); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func parsePyproject(b []byte) ([]string, error) {
	var doc struct {
		Project struct {
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
		Tool struct {
			Poetry struct {
				Dependencies map[string]any `toml:"dependencies"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	if _, err := toml.Decode(string(b), &doc); err != nil {
		return nil, err
	}
	var out []string
	for _, d := range doc.Project.Dependencies {
		if name := requirementName(d); name != "" {
			out = append(out, name)
		}
	}
	for name := range doc.Tool.Poetry.Dependencies {
		if name != "python" {
			out = append(out, name)
		}
	}
	return out, nil
}

func parseCargo(b []byte) ([]string, error) {
	var doc struct {
		Dependencies    map[string]any `toml:"dependencies"`
		DevDependencies map[string]any `toml:"dev-dependencies"`
	}
	if _, err := toml.Decode(string(b), &doc); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(doc.Dependencies)+len(doc.DevDependencies))
	for name := range doc.Dependencies {
		out = append(out, name)
	}
	for name := range doc.DevDependencies {
		out = append(out, name)
	}
	return out, nil
}

func parseGoMod(b []byte) ([]string, error) {
	f, err := modfile.ParseLax("go.mod", b, nil)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(f.Require))
	for _, r := range f.Require {
		if r.Indirect {
			continue
		}
		out = append(out, r.Mod.Path)
	}
	return out, nil
}
