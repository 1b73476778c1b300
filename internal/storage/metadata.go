package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tbd-sync/tbd/internal/paths"
	"github.com/tbd-sync/tbd/internal/types"
)

// ReadMeta loads meta.yml from a data directory.
func ReadMeta(dir string) (*types.Meta, error) {
	path := paths.MetaPath(dir)
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("meta.yml: %w", ErrNotFound)
		}
		return nil, err
	}
	if HasConflictMarkers(data) {
		return nil, &MergeConflictError{Path: path}
	}
	var meta types.Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &meta, nil
}

// WriteMeta writes meta.yml into a data directory.
func WriteMeta(dir string, meta *types.Meta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding meta: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return AtomicWriteFile(paths.MetaPath(dir), data, 0o644)
}

// Mapping is a flat key/value table such as short-id aliases or external
// tracker ids.
type Mapping map[string]string

// ParseMapping decodes a mapping file's contents.
func ParseMapping(data []byte) (Mapping, error) {
	if HasConflictMarkers(data) {
		return nil, &MergeConflictError{}
	}
	m := Mapping{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ParseError{Err: err}
	}
	return m, nil
}

// FormatMapping encodes a mapping with sorted keys.
func FormatMapping(m Mapping) ([]byte, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: m[k]},
		)
	}
	if len(keys) == 0 {
		return []byte("{}\n"), nil
	}
	return yaml.Marshal(node)
}

// LoadMapping reads mappings/<name>.yml. A missing file is an empty mapping.
func LoadMapping(dir, name string) (Mapping, error) {
	path := paths.MappingPath(dir, name)
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		if os.IsNotExist(err) {
			return Mapping{}, nil
		}
		return nil, err
	}
	m, err := ParseMapping(data)
	if err != nil {
		switch e := err.(type) {
		case *MergeConflictError:
			e.Path = path
		case *ParseError:
			e.Path = path
		}
		return nil, err
	}
	return m, nil
}

// SaveMapping atomically writes mappings/<name>.yml.
func SaveMapping(dir, name string, m Mapping) error {
	data, err := FormatMapping(m)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(paths.MappingsDir(dir), 0o755); err != nil {
		return err
	}
	return AtomicWriteFile(paths.MappingPath(dir, name), data, 0o644)
}

// ListMappings returns the names of every mapping file.
func ListMappings(dir string) ([]string, error) {
	entries, err := os.ReadDir(paths.MappingsDir(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || filepath.Ext(e.Name()) != ".yml" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".yml"))
	}
	sort.Strings(names)
	return names, nil
}
