package migrate

import "fmt"

// CurrentVersion is the schema version new documents are written at and
// the default upgrade target.
const CurrentVersion = "1.2.0"

// RegisterBuiltins adds the shipped schema migrations to the manager.
func RegisterBuiltins(m *Manager) error {
	for _, mig := range []Migration{contextParameters{}, typedDependencies{}} {
		if err := m.Register(mig); err != nil {
			return err
		}
	}
	return nil
}

// contextParameters upgrades 1.0.0 documents to 1.1.0 by introducing the
// context and parameters maps.
type contextParameters struct{}

func (contextParameters) ID() string          { return "add-context-parameters" }
func (contextParameters) FromVersion() string { return "1.0.0" }
func (contextParameters) ToVersion() string   { return "1.1.0" }
func (contextParameters) Reversible() bool    { return true }

func (contextParameters) Validate(doc map[string]any) error {
	if _, ok := doc["id"]; !ok {
		return fmt.Errorf("document has no id")
	}
	return nil
}

func (contextParameters) Apply(doc map[string]any) (map[string]any, error) {
	out := cloneDoc(doc)
	if _, ok := out["context"]; !ok {
		out["context"] = map[string]any{}
	}
	if _, ok := out["parameters"]; !ok {
		out["parameters"] = map[string]any{}
	}
	return out, nil
}

func (contextParameters) Rollback(doc map[string]any) (map[string]any, error) {
	out := cloneDoc(doc)
	delete(out, "context")
	delete(out, "parameters")
	return out, nil
}

func (contextParameters) ValidateAfter(doc map[string]any) error {
	if _, ok := doc["id"]; !ok {
		return fmt.Errorf("document lost its id")
	}
	return nil
}

// typedDependencies upgrades 1.1.0 documents to 1.2.0 by converting plain
// string dependency entries to typed objects. Untyped entries become
// prerequisites.
type typedDependencies struct{}

func (typedDependencies) ID() string          { return "typed-dependencies" }
func (typedDependencies) FromVersion() string { return "1.1.0" }
func (typedDependencies) ToVersion() string   { return "1.2.0" }
func (typedDependencies) Reversible() bool    { return true }

func (typedDependencies) Validate(doc map[string]any) error {
	if deps, ok := doc["dependencies"]; ok {
		if _, isList := deps.([]any); !isList {
			return fmt.Errorf("dependencies is not a list")
		}
	}
	return nil
}

func (typedDependencies) Apply(doc map[string]any) (map[string]any, error) {
	out := cloneDoc(doc)
	deps, ok := out["dependencies"].([]any)
	if !ok {
		return out, nil
	}
	converted := make([]any, 0, len(deps))
	for _, d := range deps {
		switch dep := d.(type) {
		case string:
			converted = append(converted, map[string]any{"taskId": dep, "type": "prerequisite"})
		case map[string]any:
			converted = append(converted, dep)
		default:
			return nil, fmt.Errorf("dependency entry has unexpected shape %T", d)
		}
	}
	out["dependencies"] = converted
	return out, nil
}

func (typedDependencies) Rollback(doc map[string]any) (map[string]any, error) {
	out := cloneDoc(doc)
	deps, ok := out["dependencies"].([]any)
	if !ok {
		return out, nil
	}
	converted := make([]any, 0, len(deps))
	for _, d := range deps {
		switch dep := d.(type) {
		case map[string]any:
			id, _ := dep["taskId"].(string)
			converted = append(converted, id)
		case string:
			converted = append(converted, dep)
		default:
			return nil, fmt.Errorf("dependency entry has unexpected shape %T", d)
		}
	}
	out["dependencies"] = converted
	return out, nil
}

func (typedDependencies) ValidateAfter(doc map[string]any) error {
	deps, ok := doc["dependencies"].([]any)
	if !ok {
		return nil
	}
	for _, d := range deps {
		switch d.(type) {
		case string, map[string]any:
		default:
			return fmt.Errorf("dependency entry has unexpected shape %T", d)
		}
	}
	return nil
}

func cloneDoc(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
