package config

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/template"
)

// renderNode renders every templated string scalar under node in place.
// Mapping order is preserved. A scalar that is exactly one placeholder takes
// the native type of its value.
func renderNode(t template.Templater, node *yaml.Node, scope map[string]interface{}, path string) error {
	switch node.Kind {
	case yaml.DocumentNode:
		for _, child := range node.Content {
			if err := renderNode(t, child, scope, path); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			if err := renderNode(t, node.Content[i+1], scope, joinPath(path, key)); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for i, child := range node.Content {
			if err := renderNode(t, child, scope, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case yaml.ScalarNode:
		if node.Tag != "!!str" || !template.IsTemplated(node.Value) {
			return nil
		}
		rendered, err := template.RenderValue(t, node.Value, scope)
		if err != nil {
			return engine.ErrConfigInvalid(path, err)
		}
		if s, ok := rendered.(string); ok {
			node.Value = s
			return nil
		}
		var replacement yaml.Node
		if err := replacement.Encode(rendered); err != nil {
			return engine.ErrConfigInvalid(path, fmt.Errorf("failed to encode rendered value: %w", err))
		}
		replacement.Line, replacement.Column = node.Line, node.Column
		*node = replacement
	case yaml.AliasNode:
		// Aliases share their anchor's node, which is rendered where it is defined.
	}
	return nil
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// mappingValue returns the value node under key in a mapping node.
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}
