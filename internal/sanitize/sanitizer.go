// Package sanitize normalizes raw agent output into validated structured
// results via a staged fallback chain: direct parse, fenced-block extraction,
// mechanical JSON repair, and finally a secondary repair-agent call.
package sanitize

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"causeval/internal/errors"
	"causeval/internal/jsonx"
	"causeval/internal/logging"
)

// Schema is a compiled JSON schema that sanitized output must conform to.
type Schema struct {
	compiled *jsonschema.Schema
	source   string
}

// CompileSchema compiles a JSON schema from its source text.
func CompileSchema(source string) (*Schema, error) {
	compiled, err := jsonschema.CompileString("target.schema.json", source)
	if err != nil {
		return nil, fmt.Errorf("compile target schema: %w", err)
	}
	return &Schema{compiled: compiled, source: source}, nil
}

// Source returns the schema's source text.
func (s *Schema) Source() string {
	if s == nil {
		return ""
	}
	return s.source
}

// RepairAgent is the secondary, more capable call used as the last stage:
// its sole job is extracting a schema-conforming value from broken text.
type RepairAgent interface {
	Repair(ctx context.Context, raw, schemaSource string) (string, error)
}

// RepairFunc adapts a plain function into a RepairAgent.
type RepairFunc func(ctx context.Context, raw, schemaSource string) (string, error)

func (f RepairFunc) Repair(ctx context.Context, raw, schemaSource string) (string, error) {
	return f(ctx, raw, schemaSource)
}

// Config configures a Sanitizer.
type Config struct {
	Repair    RepairAgent // nil disables the repair-agent stage
	CacheSize int         // memo entries, default 256
	Logger    logging.Logger
}

// Sanitizer runs the staged fallback chain. Safe for concurrent use.
type Sanitizer struct {
	repair RepairAgent
	memo   *lru.Cache[string, jsonx.RawMessage]
	logger logging.Logger
}

// New creates a Sanitizer.
func New(config Config) *Sanitizer {
	size := config.CacheSize
	if size <= 0 {
		size = 256
	}
	memo, _ := lru.New[string, jsonx.RawMessage](size)
	return &Sanitizer{
		repair: config.Repair,
		memo:   memo,
		logger: logging.OrNop(config.Logger),
	}
}

// Sanitize normalizes raw into a canonical JSON value conforming to schema
// (schema may be nil to accept any valid JSON). Each stage runs only when
// the previous one failed; when all stages fail the returned error is a
// *errors.UnparseableError, a terminal condition for this attempt.
func (s *Sanitizer) Sanitize(ctx context.Context, raw string, schema *Schema) (jsonx.RawMessage, error) {
	key := memoKey(raw, schema)
	if cached, ok := s.memo.Get(key); ok {
		return cached, nil
	}

	var stageErrs []error

	// Stage 1: direct structural parse.
	if parsed, err := parseAndValidate(raw, schema); err == nil {
		s.memo.Add(key, parsed)
		return parsed, nil
	} else {
		stageErrs = append(stageErrs, fmt.Errorf("direct parse: %w", err))
	}

	// Stage 2: first fenced block.
	if block, ok := extractFencedBlock(raw); ok {
		if parsed, err := parseAndValidate(block, schema); err == nil {
			s.memo.Add(key, parsed)
			return parsed, nil
		} else {
			stageErrs = append(stageErrs, fmt.Errorf("fenced block: %w", err))
		}
	} else {
		stageErrs = append(stageErrs, fmt.Errorf("fenced block: no fence found"))
	}

	// Stage 3: mechanical repair of the most promising candidate.
	candidate := raw
	if block, ok := extractFencedBlock(raw); ok {
		candidate = block
	}
	if repaired, err := jsonrepair.JSONRepair(candidate); err == nil {
		if parsed, err := parseAndValidate(repaired, schema); err == nil {
			s.logger.Debug("sanitize recovered output via json repair")
			s.memo.Add(key, parsed)
			return parsed, nil
		} else {
			stageErrs = append(stageErrs, fmt.Errorf("json repair: %w", err))
		}
	} else {
		stageErrs = append(stageErrs, fmt.Errorf("json repair: %w", err))
	}

	// Stage 4: delegate to the repair agent.
	if s.repair != nil {
		repaired, err := s.repair.Repair(ctx, raw, schema.Source())
		if err != nil {
			stageErrs = append(stageErrs, fmt.Errorf("repair agent: %w", err))
		} else {
			candidate := repaired
			if block, ok := extractFencedBlock(repaired); ok {
				candidate = block
			}
			if parsed, perr := parseAndValidate(candidate, schema); perr == nil {
				s.logger.Debug("sanitize recovered output via repair agent")
				s.memo.Add(key, parsed)
				return parsed, nil
			} else {
				stageErrs = append(stageErrs, fmt.Errorf("repair agent output: %w", perr))
			}
		}
	}

	return nil, &errors.UnparseableError{StageErrs: stageErrs}
}

// parseAndValidate parses text as JSON, validates it against schema, and
// returns the canonical re-marshaled form so sanitization is idempotent.
func parseAndValidate(text string, schema *Schema) (jsonx.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty input")
	}

	var value any
	if err := jsonx.Unmarshal([]byte(trimmed), &value); err != nil {
		return nil, err
	}
	if schema != nil {
		if err := schema.compiled.Validate(value); err != nil {
			return nil, fmt.Errorf("schema validation: %w", err)
		}
	}
	return jsonx.Marshal(value)
}

// extractFencedBlock returns the content of the first ``` fenced block,
// with any language tag stripped.
func extractFencedBlock(text string) (string, bool) {
	start := strings.Index(text, "```")
	if start < 0 {
		return "", false
	}
	rest := text[start+3:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	block := rest[:end]

	// Drop a language tag like ```json on the opening fence.
	if newline := strings.IndexByte(block, '\n'); newline >= 0 {
		firstLine := strings.TrimSpace(block[:newline])
		if firstLine != "" && !strings.ContainsAny(firstLine, "{}[]\"") {
			block = block[newline+1:]
		}
	}
	return strings.TrimSpace(block), true
}

func memoKey(raw string, schema *Schema) string {
	h := fnv.New64a()
	h.Write([]byte(raw))
	h.Write([]byte{0})
	h.Write([]byte(schema.Source()))
	return fmt.Sprintf("%x", h.Sum64())
}
