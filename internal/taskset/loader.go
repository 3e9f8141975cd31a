// Package taskset loads task and candidate-document definitions from YAML.
package taskset

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"causeval/internal/jsonx"
	"causeval/internal/relevance"
	"causeval/internal/sanitize"
	"causeval/internal/trial"
)

// Definition is the YAML-backed description of one validation run: the tasks
// to execute and the candidate documents to test them against.
type Definition struct {
	Version     string         `yaml:"version"`
	Name        string         `yaml:"name"`
	Description string         `yaml:"description,omitempty"`
	Tasks       []TaskSpec     `yaml:"tasks"`
	Documents   []DocumentSpec `yaml:"documents,omitempty"`
}

// TaskSpec describes one task.
type TaskSpec struct {
	ID         string      `yaml:"id"`
	Prompt     string      `yaml:"prompt"`
	Capability string      `yaml:"capability,omitempty"`
	Schema     string      `yaml:"schema,omitempty"` // JSON Schema source for the output
	Expect     *ExpectSpec `yaml:"expect,omitempty"`
	// Documents restricts the candidate pool to the named ids; empty means
	// every document in the definition.
	Documents []string `yaml:"documents,omitempty"`
}

// ExpectSpec describes how to grade a sanitized output. Exactly one of the
// matchers should be set; Field selects which output field they apply to
// (empty grades the whole output).
type ExpectSpec struct {
	Field    string `yaml:"field,omitempty"`
	Equals   string `yaml:"equals,omitempty"`
	Contains string `yaml:"contains,omitempty"`
}

// DocumentSpec describes one candidate document.
type DocumentSpec struct {
	ID      string `yaml:"id"`
	Source  string `yaml:"source,omitempty"`
	Content string `yaml:"content"`
}

// Set is a fully validated, ready-to-run task set.
type Set struct {
	Name        string
	Version     string
	Description string
	Tasks       []*trial.Task
	// Documents maps task id to its candidate pool.
	Documents map[string][]relevance.Document
}

// Load reads and validates a task set definition from a YAML file.
func Load(path string) (*Set, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("task set path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task set: %w", err)
	}
	return Parse(data)
}

// Parse validates a task set definition from raw YAML.
func Parse(data []byte) (*Set, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode task set: %w", err)
	}

	if strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("task set name is required")
	}
	if strings.TrimSpace(def.Version) == "" {
		return nil, fmt.Errorf("task set version is required")
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("task set %q has no tasks", def.Name)
	}

	docsByID := make(map[string]relevance.Document, len(def.Documents))
	allDocs := make([]relevance.Document, 0, len(def.Documents))
	for _, spec := range def.Documents {
		if strings.TrimSpace(spec.ID) == "" {
			return nil, fmt.Errorf("document with empty id")
		}
		if _, dup := docsByID[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate document id %q", spec.ID)
		}
		doc := relevance.Document{
			ID:      spec.ID,
			Source:  documentSource(spec.Source),
			Content: spec.Content,
		}
		docsByID[spec.ID] = doc
		allDocs = append(allDocs, doc)
	}

	set := &Set{
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Documents:   make(map[string][]relevance.Document, len(def.Tasks)),
	}

	taskIDs := make(map[string]bool, len(def.Tasks))
	for _, spec := range def.Tasks {
		if strings.TrimSpace(spec.ID) == "" {
			return nil, fmt.Errorf("task with empty id")
		}
		if taskIDs[spec.ID] {
			return nil, fmt.Errorf("duplicate task id %q", spec.ID)
		}
		taskIDs[spec.ID] = true
		if strings.TrimSpace(spec.Prompt) == "" {
			return nil, fmt.Errorf("task %q has no prompt", spec.ID)
		}

		task := &trial.Task{
			ID:         spec.ID,
			Prompt:     spec.Prompt,
			Capability: spec.Capability,
		}
		if spec.Schema != "" {
			schema, err := sanitize.CompileSchema(spec.Schema)
			if err != nil {
				return nil, fmt.Errorf("task %q: compile schema: %w", spec.ID, err)
			}
			task.Schema = schema
		}
		if spec.Expect != nil {
			grade, err := gradeFunc(spec.ID, *spec.Expect)
			if err != nil {
				return nil, err
			}
			task.Grade = grade
		}
		set.Tasks = append(set.Tasks, task)

		pool := allDocs
		if len(spec.Documents) > 0 {
			pool = make([]relevance.Document, 0, len(spec.Documents))
			for _, id := range spec.Documents {
				doc, ok := docsByID[id]
				if !ok {
					return nil, fmt.Errorf("task %q references unknown document %q", spec.ID, id)
				}
				pool = append(pool, doc)
			}
		}
		set.Documents[spec.ID] = pool
	}

	return set, nil
}

func documentSource(raw string) relevance.Source {
	switch relevance.Source(strings.TrimSpace(raw)) {
	case relevance.SourceMinedPositive:
		return relevance.SourceMinedPositive
	case relevance.SourceRandomNegative:
		return relevance.SourceRandomNegative
	default:
		return relevance.SourceRetrieved
	}
}

// gradeFunc builds a grader from a declarative matcher.
func gradeFunc(taskID string, expect ExpectSpec) (trial.GradeFunc, error) {
	if expect.Equals == "" && expect.Contains == "" {
		return nil, fmt.Errorf("task %q: expect needs equals or contains", taskID)
	}
	if expect.Equals != "" && expect.Contains != "" {
		return nil, fmt.Errorf("task %q: expect sets both equals and contains", taskID)
	}

	return func(parsed jsonx.RawMessage) error {
		value, err := extractField(parsed, expect.Field)
		if err != nil {
			return err
		}
		if expect.Equals != "" {
			if value != expect.Equals {
				return fmt.Errorf("expected %q, got %q", expect.Equals, value)
			}
			return nil
		}
		if !strings.Contains(value, expect.Contains) {
			return fmt.Errorf("expected output containing %q, got %q", expect.Contains, value)
		}
		return nil
	}, nil
}

// extractField renders the graded value as a comparable string. Field names
// index into a top-level object; an empty field grades the whole payload.
func extractField(parsed jsonx.RawMessage, field string) (string, error) {
	if field == "" {
		return strings.TrimSpace(strings.Trim(string(parsed), `"`)), nil
	}

	var obj map[string]jsonx.RawMessage
	if err := jsonx.Unmarshal(parsed, &obj); err != nil {
		return "", fmt.Errorf("output is not an object: %w", err)
	}
	raw, ok := obj[field]
	if !ok {
		return "", fmt.Errorf("output has no field %q", field)
	}
	var asString string
	if err := jsonx.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}
	return string(raw), nil
}
