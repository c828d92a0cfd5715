package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/openfroyo/devstate/pkg/engine"
	"gopkg.in/yaml.v3"
)

// parser walks a manifest node tree. Mapping order is preserved so services,
// intents and desired states keep their declared order.
type parser struct {
	source   string
	validate *validator.Validate
}

// schemaError reports a structurally invalid manifest at path.
func (p *parser) schemaError(path, format string, args ...interface{}) error {
	return engine.NewPermanentError(fmt.Sprintf(format, args...), nil).
		WithCode(engine.ErrCodeSchema).
		WithResource(path).
		WithDetail("manifest", p.source)
}

// pair is one key/value entry of a mapping node.
type pair struct {
	key   string
	value *yaml.Node
}

// pairs returns the entries of a mapping node in document order, rejecting
// duplicate keys.
func (p *parser) pairs(node *yaml.Node, path string) ([]pair, error) {
	node = resolve(node)
	if node.Kind != yaml.MappingNode {
		return nil, p.schemaError(path, "expected a mapping, got %s", kindName(node))
	}

	out := make([]pair, 0, len(node.Content)/2)
	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := resolve(node.Content[i])
		if key.Kind != yaml.ScalarNode {
			return nil, p.schemaError(path, "mapping keys must be scalars")
		}
		if seen[key.Value] {
			return nil, p.schemaError(join(path, key.Value), "duplicate key %q", key.Value)
		}
		seen[key.Value] = true
		out = append(out, pair{key: key.Value, value: node.Content[i+1]})
	}
	return out, nil
}

func (p *parser) manifest(root *yaml.Node) (*engine.Manifest, error) {
	entries, err := p.pairs(root, "")
	if err != nil {
		return nil, err
	}

	m := &engine.Manifest{}
	var services, intents *yaml.Node

	for _, e := range entries {
		switch e.key {
		case "version":
			m.Version, err = p.scalarString(e.value, "version")
		case "project":
			m.Project, err = p.scalarString(e.value, "project")
		case "defaultIntent":
			m.DefaultIntent, err = p.scalarString(e.value, "defaultIntent")
		case "services":
			services = e.value
		case "intents":
			intents = e.value
		case "context":
			m.Context, err = p.value(e.value, "context")
		case "policies":
			m.Policies, err = p.value(e.value, "policies")
		case "state":
			m.State, err = p.mapValue(e.value, "state")
		case "plugins":
			m.Plugins, err = p.plugins(e.value)
		}
		if err != nil {
			return nil, err
		}
	}

	if services == nil || isNull(services) {
		return nil, p.schemaError("services", "required section services is missing")
	}
	if intents == nil || isNull(intents) {
		return nil, p.schemaError("intents", "required section intents is missing")
	}

	svcEntries, err := p.pairs(services, "services")
	if err != nil {
		return nil, err
	}
	for _, e := range svcEntries {
		svc, err := p.service(e.key, e.value)
		if err != nil {
			return nil, err
		}
		if err := m.AddService(svc); err != nil {
			return nil, p.schemaError(join("services", e.key), "%v", err)
		}
	}

	intentEntries, err := p.pairs(intents, "intents")
	if err != nil {
		return nil, err
	}
	for _, e := range intentEntries {
		in, err := p.intent(e.key, e.value)
		if err != nil {
			return nil, err
		}
		if err := m.AddIntent(in); err != nil {
			return nil, p.schemaError(join("intents", e.key), "%v", err)
		}
	}

	return m, nil
}

func (p *parser) service(name string, node *yaml.Node) (*engine.Service, error) {
	path := join("services", name)
	svc := &engine.Service{Name: name}
	if isNull(node) {
		return svc, nil
	}

	entries, err := p.pairs(node, path)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		field := join(path, e.key)
		switch e.key {
		case "root":
			svc.Root, err = p.scalarString(e.value, field)
		case "type":
			svc.Type, err = p.scalarString(e.value, field)
		case "requires":
			svc.Requires, err = p.requirements(e.value, field)
		case "provides":
			svc.Provides, err = p.envSection(e.value, field)
		case "consumes":
			svc.Consumes, err = p.envSection(e.value, field)
		case "states":
			err = p.states(svc, e.value, field)
		}
		if err != nil {
			return nil, err
		}
	}

	return svc, nil
}

func (p *parser) requirements(node *yaml.Node, path string) (engine.Requirements, error) {
	var req engine.Requirements
	if isNull(node) {
		return req, nil
	}

	entries, err := p.pairs(node, path)
	if err != nil {
		return req, err
	}

	for _, e := range entries {
		field := join(path, e.key)
		switch e.key {
		case "services":
			req.Services, err = p.stringList(e.value, field)
		case "states":
			var byService []pair
			byService, err = p.pairs(e.value, field)
			if err != nil {
				break
			}
			for _, s := range byService {
				var ids []string
				ids, err = p.stringList(s.value, join(field, s.key))
				if err != nil {
					break
				}
				req.States = append(req.States, engine.StateRequirement{Service: s.key, States: ids})
			}
		}
		if err != nil {
			return req, err
		}
	}

	return req, nil
}

// envSection reads a provides or consumes block; only its env mapping matters.
func (p *parser) envSection(node *yaml.Node, path string) ([]engine.EnvBinding, error) {
	if isNull(node) {
		return nil, nil
	}

	entries, err := p.pairs(node, path)
	if err != nil {
		return nil, err
	}

	var bindings []engine.EnvBinding
	for _, e := range entries {
		if e.key != "env" || isNull(e.value) {
			continue
		}
		field := join(path, "env")
		vars, err := p.pairs(e.value, field)
		if err != nil {
			return nil, err
		}
		for _, v := range vars {
			raw, err := p.value(v.value, join(field, v.key))
			if err != nil {
				return nil, err
			}
			binding := engine.EnvBinding{Name: v.key, Raw: raw}
			if s, ok := raw.(engine.String); ok {
				binding.Source = string(s)
			}
			bindings = append(bindings, binding)
		}
	}
	return bindings, nil
}

func (p *parser) states(svc *engine.Service, node *yaml.Node, path string) error {
	if isNull(node) {
		return nil
	}

	entries, err := p.pairs(node, path)
	if err != nil {
		return err
	}

	for _, e := range entries {
		field := join(path, e.key)
		def := &engine.StateDef{ID: e.key, Config: engine.Map{}}

		if !isNull(e.value) {
			body, err := p.pairs(e.value, field)
			if err != nil {
				return err
			}
			for _, b := range body {
				if b.key == "type" {
					def.Type, err = p.typeName(b.value, join(field, "type"))
					if err != nil {
						return err
					}
					continue
				}
				v, err := p.value(b.value, join(field, b.key))
				if err != nil {
					return err
				}
				def.Config[b.key] = v
			}
		}

		if err := svc.AddState(def); err != nil {
			return p.schemaError(field, "%v", err)
		}
	}
	return nil
}

func (p *parser) intent(name string, node *yaml.Node) (*engine.Intent, error) {
	path := join("intents", name)
	in := &engine.Intent{Name: name}
	if isNull(node) {
		return in, nil
	}

	entries, err := p.pairs(node, path)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		field := join(path, e.key)
		switch e.key {
		case "scope":
			in.Scope, err = p.value(e.value, field)
		case "desired":
			in.Desired, err = p.desired(e.value, field)
		}
		if err != nil {
			return nil, err
		}
	}
	return in, nil
}

func (p *parser) desired(node *yaml.Node, path string) ([]engine.DesiredService, error) {
	if isNull(node) {
		return nil, nil
	}

	entries, err := p.pairs(node, path)
	if err != nil {
		return nil, err
	}

	var out []engine.DesiredService
	for _, e := range entries {
		if e.key != "services" {
			continue
		}
		field := join(path, "services")
		services, err := p.pairs(e.value, field)
		if err != nil {
			return nil, err
		}
		for _, s := range services {
			listPath := join(field, s.key)
			ids, err := p.stringList(s.value, listPath)
			if err != nil {
				return nil, err
			}
			seen := make(map[string]struct{}, len(ids))
			for i, id := range ids {
				if _, dup := seen[id]; dup {
					return nil, p.schemaError(fmt.Sprintf("%s[%d]", listPath, i), "duplicate state %q", id)
				}
				seen[id] = struct{}{}
			}
			out = append(out, engine.DesiredService{Service: s.key, States: ids})
		}
	}
	return out, nil
}

func (p *parser) plugins(node *yaml.Node) ([]engine.PluginDecl, error) {
	node = resolve(node)
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, p.schemaError("plugins", "expected a list, got %s", kindName(node))
	}

	out := make([]engine.PluginDecl, 0, len(node.Content))
	for i, item := range node.Content {
		path := fmt.Sprintf("plugins[%d]", i)
		var decl engine.PluginDecl
		if err := resolve(item).Decode(&decl); err != nil {
			return nil, p.schemaError(path, "invalid plugin declaration: %v", err)
		}
		if err := p.validate.Struct(decl); err != nil {
			return nil, p.schemaError(path, "invalid plugin declaration: %v", err)
		}
		out = append(out, decl)
	}
	return out, nil
}

// scalarString reads a scalar as a string. null reads as "".
func (p *parser) scalarString(node *yaml.Node, path string) (string, error) {
	node = resolve(node)
	if isNull(node) {
		return "", nil
	}
	if node.Kind != yaml.ScalarNode {
		return "", p.schemaError(path, "expected a string, got %s", kindName(node))
	}
	return node.Value, nil
}

// typeName reads a state type, which must be a string when present.
func (p *parser) typeName(node *yaml.Node, path string) (string, error) {
	node = resolve(node)
	if isNull(node) {
		return "", nil
	}
	if node.Kind != yaml.ScalarNode || node.ShortTag() != "!!str" {
		return "", p.schemaError(path, "state type must be a string")
	}
	return node.Value, nil
}

// stringList reads a sequence of scalars.
func (p *parser) stringList(node *yaml.Node, path string) ([]string, error) {
	node = resolve(node)
	if isNull(node) {
		return nil, nil
	}
	if node.Kind != yaml.SequenceNode {
		return nil, p.schemaError(path, "expected a list, got %s", kindName(node))
	}

	out := make([]string, 0, len(node.Content))
	for i, item := range node.Content {
		s, err := p.scalarString(item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *parser) mapValue(node *yaml.Node, path string) (engine.Map, error) {
	if isNull(node) {
		return nil, nil
	}
	v, err := p.value(node, path)
	if err != nil {
		return nil, err
	}
	m, ok := v.(engine.Map)
	if !ok {
		return nil, p.schemaError(path, "expected a mapping, got %s", kindName(resolve(node)))
	}
	return m, nil
}

// value converts any node into the generic value union.
func (p *parser) value(node *yaml.Node, path string) (engine.Value, error) {
	node = resolve(node)

	switch node.Kind {
	case yaml.ScalarNode:
		return scalarValue(node), nil

	case yaml.SequenceNode:
		out := make(engine.List, 0, len(node.Content))
		for i, item := range node.Content {
			v, err := p.value(item, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case yaml.MappingNode:
		entries, err := p.pairs(node, path)
		if err != nil {
			return nil, err
		}
		out := make(engine.Map, len(entries))
		for _, e := range entries {
			v, err := p.value(e.value, join(path, e.key))
			if err != nil {
				return nil, err
			}
			out[e.key] = v
		}
		return out, nil

	default:
		return engine.Null{}, nil
	}
}

// scalarValue types a scalar by its resolved YAML tag.
func scalarValue(node *yaml.Node) engine.Value {
	switch node.ShortTag() {
	case "!!null":
		return engine.Null{}
	case "!!bool":
		if b, err := strconv.ParseBool(node.Value); err == nil {
			return engine.Bool(b)
		}
	case "!!int":
		if i, err := strconv.ParseInt(strings.ReplaceAll(node.Value, "_", ""), 0, 64); err == nil {
			return engine.Int(i)
		}
		if f, err := strconv.ParseFloat(node.Value, 64); err == nil {
			return engine.Float(f)
		}
	case "!!float":
		var f float64
		if err := node.Decode(&f); err == nil {
			return engine.Float(f)
		}
	}
	return engine.String(node.Value)
}

// resolve follows alias nodes to their anchors.
func resolve(node *yaml.Node) *yaml.Node {
	for node != nil && node.Kind == yaml.AliasNode && node.Alias != nil {
		node = node.Alias
	}
	return node
}

func isNull(node *yaml.Node) bool {
	node = resolve(node)
	return node == nil || (node.Kind == yaml.ScalarNode && node.ShortTag() == "!!null")
}

func kindName(node *yaml.Node) string {
	switch node.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "list"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "document"
	}
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}
