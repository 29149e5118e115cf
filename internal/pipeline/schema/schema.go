// Package schema validates generated documents against a JSON Schema
// (draft 2020-12). Schemas may be written as JSONC.
package schema

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/xjson"
)

// MaxIssues caps the number of errors reported per validation.
const MaxIssues = 5

const (
	ReportValid   = "Proposal successfully validated against schema"
	ReportEmpty   = "Failed - no proposal generated"
	NoDocumentMsg = "No proposal found to validate"
)

// ReportRepair is recorded when another generation attempt follows.
func ReportRepair(count int) string {
	return fmt.Sprintf("Validation failed, attempting repair. Errors: %d", count)
}

// ReportFinal is recorded when no attempts remain.
func ReportFinal(count int) string {
	return fmt.Sprintf("Validation failed after repair attempt. Errors: %d", count)
}

//go:embed proposal.schema.jsonc
var defaultSchema []byte

// Result is the outcome of validating one candidate.
type Result struct {
	Valid  bool
	Errors []runtime.Issue
	Report string
}

// Validator is the validation collaborator. Implementations must be
// deterministic for a fixed document.
type Validator interface {
	Validate(doc runtime.Document) Result
}

type Schema struct {
	sch    *jsonschema.Schema
	source []byte
}

// Compile compiles a JSON or JSONC schema document.
func Compile(src []byte) (*Schema, error) {
	clean := StripComments(src)
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("schema.json", bytes.NewReader(clean)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{sch: sch, source: clean}, nil
}

// Load reads and compiles a schema file.
func Load(path string) (*Schema, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := Compile(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Default returns the built-in research proposal schema.
func Default() (*Schema, error) {
	return Compile(defaultSchema)
}

// Source returns the comment-free schema text.
func (s *Schema) Source() []byte {
	return append([]byte(nil), s.source...)
}

func (s *Schema) Validate(doc runtime.Document) Result {
	if len(doc) == 0 {
		return Result{
			Errors: []runtime.Issue{{Path: rootPath, Message: NoDocumentMsg}},
			Report: ReportEmpty,
		}
	}
	b, err := xjson.Marshal(doc)
	if err != nil {
		return systemError(err)
	}
	v, err := xjson.UnmarshalNumbers(b)
	if err != nil {
		return systemError(err)
	}
	err = s.sch.Validate(v)
	if err == nil {
		return Result{Valid: true, Report: ReportValid}
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return systemError(err)
	}
	issues := leafIssues(ve)
	if len(issues) > MaxIssues {
		issues = issues[:MaxIssues]
	}
	return Result{Errors: issues, Report: ReportRepair(len(issues))}
}

const rootPath = "(root)"

// leafIssues flattens the cause tree to its leaves, sorted by path then message.
func leafIssues(ve *jsonschema.ValidationError) []runtime.Issue {
	var out []runtime.Issue
	seen := map[runtime.Issue]bool{}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			is := runtime.Issue{Path: dottedPath(e.InstanceLocation), Message: e.Message}
			if !seen[is] {
				seen[is] = true
				out = append(out, is)
			}
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Message < out[j].Message
	})
	return out
}

// dottedPath turns a JSON pointer such as /sections/alpha into sections.alpha.
func dottedPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return rootPath
	}
	parts := strings.Split(ptr, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}

func systemError(err error) Result {
	msg := fmt.Sprintf("Validation system error: %v", err)
	return Result{
		Errors: []runtime.Issue{{Path: rootPath, Message: msg}},
		Report: msg,
	}
}
