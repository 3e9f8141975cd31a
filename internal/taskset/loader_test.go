package taskset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"causeval/internal/jsonx"
	"causeval/internal/relevance"
)

const sampleDefinition = `
version: "1"
name: encode-suite
description: JSON encoding tasks
tasks:
  - id: encode-int
    prompt: "Encode 42 as JSON and return {\"answer\": ...}"
    schema: '{"type": "object", "required": ["answer"]}'
    expect:
      field: answer
      equals: "42"
  - id: doc-scoped
    prompt: "Use the context to answer"
    expect:
      contains: "encode"
    documents: [pkg.Encode]
documents:
  - id: pkg.Encode
    source: mined-positive
    content: "func Encode(v any) ([]byte, error)"
  - id: pkg.Noise
    source: random-negative
    content: "irrelevant"
`

func TestParseSampleDefinition(t *testing.T) {
	set, err := Parse([]byte(sampleDefinition))
	require.NoError(t, err)

	require.Equal(t, "encode-suite", set.Name)
	require.Len(t, set.Tasks, 2)

	encode := set.Tasks[0]
	require.Equal(t, "encode-int", encode.ID)
	require.NotNil(t, encode.Schema)
	require.NotNil(t, encode.Grade)

	// The scoped task sees only its named document; the other sees all.
	require.Len(t, set.Documents["doc-scoped"], 1)
	require.Equal(t, relevance.SourceMinedPositive, set.Documents["doc-scoped"][0].Source)
	require.Len(t, set.Documents["encode-int"], 2)
}

func TestParseGradeEquals(t *testing.T) {
	set, err := Parse([]byte(sampleDefinition))
	require.NoError(t, err)

	grade := set.Tasks[0].Grade
	require.NoError(t, grade(jsonx.RawMessage(`{"answer": "42"}`)))
	require.Error(t, grade(jsonx.RawMessage(`{"answer": "41"}`)))
	require.Error(t, grade(jsonx.RawMessage(`{"other": "42"}`)))

	// Non-string values compare through their raw form.
	require.NoError(t, grade(jsonx.RawMessage(`{"answer": 42}`)))
}

func TestParseGradeContains(t *testing.T) {
	set, err := Parse([]byte(sampleDefinition))
	require.NoError(t, err)

	grade := set.Tasks[1].Grade
	require.NoError(t, grade(jsonx.RawMessage(`"use encode here"`)))
	require.Error(t, grade(jsonx.RawMessage(`"no match"`)))
}

func TestParseRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: `{version: "1", tasks: [{id: a, prompt: p}]}`,
			want: "name is required",
		},
		{
			name: "missing version",
			yaml: `{name: x, tasks: [{id: a, prompt: p}]}`,
			want: "version is required",
		},
		{
			name: "no tasks",
			yaml: `{name: x, version: "1"}`,
			want: "no tasks",
		},
		{
			name: "duplicate task ids",
			yaml: `{name: x, version: "1", tasks: [{id: a, prompt: p}, {id: a, prompt: q}]}`,
			want: "duplicate task id",
		},
		{
			name: "task without prompt",
			yaml: `{name: x, version: "1", tasks: [{id: a}]}`,
			want: "no prompt",
		},
		{
			name: "unknown document reference",
			yaml: `{name: x, version: "1", tasks: [{id: a, prompt: p, documents: [ghost]}]}`,
			want: "unknown document",
		},
		{
			name: "expect without matcher",
			yaml: `{name: x, version: "1", tasks: [{id: a, prompt: p, expect: {field: f}}]}`,
			want: "equals or contains",
		},
		{
			name: "expect with both matchers",
			yaml: `{name: x, version: "1", tasks: [{id: a, prompt: p, expect: {equals: x, contains: y}}]}`,
			want: "both",
		},
		{
			name: "bad schema",
			yaml: `{name: x, version: "1", tasks: [{id: a, prompt: p, schema: "{not json"}]}`,
			want: "compile schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "set.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleDefinition), 0o644))

	set, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "encode-suite", set.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	_, err = Load("  ")
	require.ErrorContains(t, err, "path is required")
}
