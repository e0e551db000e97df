package config

import (
	"os"
	"strings"

	"emperror.dev/errors"
	"gopkg.in/yaml.v3"
)

// ErrUnknownKey is returned by SetPath for keys the configuration does not
// define.
var ErrUnknownKey = errors.New("config: unknown configuration key")

// SetPath sets the dotted key in the configuration file at path to value and
// returns the resulting configuration. Comments in the file are kept. The file
// is only written when the edited document loads, so a bad value leaves it
// untouched. A missing file is created from the defaults.
func SetPath(path, key, value string) (*Configuration, error) {
	_writeLock.Lock()
	defer _writeLock.Unlock()

	parts := strings.Split(key, ".")
	schema, err := defaultsDocument(path)
	if err != nil {
		return nil, err
	}
	if lookup(root(schema), parts) == nil {
		return nil, errors.WithMessagef(ErrUnknownKey, "%s", key)
	}

	doc, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = schema
	}
	assign(root(doc), parts, value)

	b, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "config: failed to encode configuration")
	}
	c, err := parse(path, b)
	if err != nil {
		return nil, errors.WithMessagef(err, "config: %s=%q", key, value)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, errors.Wrap(err, "config: failed to write configuration file")
	}
	return c, nil
}

// readDocument parses the file at path into a node tree. It returns nil for a
// missing or empty file.
func readDocument(path string) (*yaml.Node, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "config: failed to read configuration file")
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "config: failed to parse configuration file")
	}
	return &doc, nil
}

// defaultsDocument returns the default configuration as a node tree. Every key
// the configuration defines is present in it.
func defaultsDocument(path string) (*yaml.Node, error) {
	c, err := NewAtPath(path)
	if err != nil {
		return nil, err
	}
	return encodeNode(c)
}

func encodeNode(c *Configuration) (*yaml.Node, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "config: failed to encode configuration")
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "config: failed to decode configuration")
	}
	return &doc, nil
}

// root returns the top level mapping of a document.
func root(doc *yaml.Node) *yaml.Node {
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"})
		}
		return doc.Content[0]
	}
	return doc
}

// field returns the value node stored under key in mapping m.
func field(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func lookup(m *yaml.Node, parts []string) *yaml.Node {
	n := m
	for _, p := range parts {
		if n = field(n, p); n == nil {
			return nil
		}
	}
	return n
}

// assign stores value as a plain scalar under parts, creating intermediate
// mappings. The scalar is tagged by yaml resolution, so "8" is an int and
// "true" a bool when the file is loaded.
func assign(m *yaml.Node, parts []string, value string) {
	for i, p := range parts {
		next := field(m, p)
		if next == nil {
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			m.Content = append(m.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: p}, next)
		}
		if i == len(parts)-1 {
			next.Kind, next.Tag, next.Value, next.Content = yaml.ScalarNode, "", value, nil
			return
		}
		if next.Kind != yaml.MappingNode {
			next.Kind, next.Tag, next.Value, next.Content = yaml.MappingNode, "!!map", "", nil
		}
		m = next
	}
}

// overlay copies every value of src into dst, keeping the comments and key
// order of dst. Keys only present in src are appended.
func overlay(dst, src *yaml.Node) {
	switch {
	case dst.Kind == yaml.DocumentNode && src.Kind == yaml.DocumentNode:
		overlay(root(dst), root(src))
	case dst.Kind == yaml.MappingNode && src.Kind == yaml.MappingNode:
		for i := 0; i+1 < len(src.Content); i += 2 {
			k, v := src.Content[i], src.Content[i+1]
			if existing := field(dst, k.Value); existing != nil {
				overlay(existing, v)
				continue
			}
			dst.Content = append(dst.Content, k, v)
		}
	case dst.Kind == yaml.ScalarNode && src.Kind == yaml.ScalarNode:
		dst.Value, dst.Tag = src.Value, src.Tag
	default:
		dst.Kind, dst.Tag, dst.Value, dst.Content = src.Kind, src.Tag, src.Value, src.Content
	}
}

// mergeInto returns the file at path with the values of c laid over it.
func mergeInto(path string, c *Configuration) ([]byte, error) {
	updated, err := encodeNode(c)
	if err != nil {
		return nil, err
	}
	doc, err := readDocument(path)
	if err != nil || doc == nil {
		// An unreadable file is replaced rather than merged.
		doc = updated
	} else {
		overlay(doc, updated)
	}
	b, err := yaml.Marshal(doc)
	return b, errors.Wrap(err, "config: failed to encode configuration")
}
