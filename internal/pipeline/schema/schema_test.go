package schema

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
)

func validProposal() runtime.Document {
	return runtime.Document{
		"title":      "Momentum reversal in small caps",
		"summary":    "Short-horizon reversal after earnings gaps.",
		"hypothesis": "Gaps larger than 2 sigma mean-revert within 5 sessions.",
		"components": []any{"alpha", "risk"},
		"sections": map[string]any{
			"alpha": map[string]any{"description": "gap reversal signal"},
			"risk":  map[string]any{"description": "position caps"},
		},
		"viability_score": 72,
	}
}

func mustDefault(t *testing.T) *Schema {
	t.Helper()
	s, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	return s
}

func TestValidate_ValidDocument(t *testing.T) {
	res := mustDefault(t).Validate(validProposal())
	if !res.Valid || len(res.Errors) != 0 {
		t.Fatalf("got %+v want valid", res)
	}
	if res.Report != ReportValid {
		t.Fatalf("report: got %q", res.Report)
	}
}

func TestValidate_NormalizesGoValueTypes(t *testing.T) {
	doc := validProposal()
	doc["components"] = []string{"alpha", "risk"}
	doc["sections"] = map[string]map[string]string{
		"alpha": {"description": "gap reversal signal"},
		"risk":  {"description": "position caps"},
	}
	doc["viability_score"] = int64(72)
	res := mustDefault(t).Validate(doc)
	if !res.Valid || len(res.Errors) != 0 {
		t.Fatalf("typed values: got %+v", res)
	}

	doc["viability_score"] = 72.5
	res = mustDefault(t).Validate(doc)
	if res.Valid || len(res.Errors) != 1 || res.Errors[0].Path != "viability_score" {
		t.Fatalf("fractional score: got %+v", res)
	}
}

func TestValidate_RevalidatingValidDocumentIsIdempotent(t *testing.T) {
	s := mustDefault(t)
	doc := validProposal()
	first := s.Validate(doc)
	second := s.Validate(doc)
	if !first.Valid || !second.Valid || len(second.Errors) != 0 {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
}

func TestValidate_InvalidDocumentReportsDottedPaths(t *testing.T) {
	doc := validProposal()
	doc["sections"] = map[string]any{"alpha": map[string]any{}}
	doc["viability_score"] = 140
	res := mustDefault(t).Validate(doc)
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	var paths []string
	for _, is := range res.Errors {
		paths = append(paths, is.Path)
	}
	want := []string{"sections.alpha", "viability_score"}
	if !reflect.DeepEqual(paths, want) {
		t.Fatalf("paths: got %v want %v (%+v)", paths, want, res.Errors)
	}
	if res.Report != ReportRepair(2) {
		t.Fatalf("report: got %q", res.Report)
	}
}

func TestValidate_CapsErrorsAtFive(t *testing.T) {
	doc := runtime.Document{
		"title":           "",
		"summary":         "",
		"hypothesis":      "",
		"components":      []any{},
		"sections":        map[string]any{},
		"viability_score": -1,
		"risks":           []any{1},
	}
	s := mustDefault(t)
	res := s.Validate(doc)
	if len(res.Errors) != MaxIssues {
		t.Fatalf("errors: got %d want %d (%+v)", len(res.Errors), MaxIssues, res.Errors)
	}
	again := s.Validate(doc)
	if !reflect.DeepEqual(res.Errors, again.Errors) {
		t.Fatalf("validation is not deterministic: %v vs %v", res.Errors, again.Errors)
	}
}

func TestValidate_EmptyDocument(t *testing.T) {
	res := mustDefault(t).Validate(nil)
	if res.Valid {
		t.Fatalf("expected invalid")
	}
	if len(res.Errors) != 1 || res.Errors[0].Message != NoDocumentMsg {
		t.Fatalf("errors: got %+v", res.Errors)
	}
	if res.Report != ReportEmpty {
		t.Fatalf("report: got %q", res.Report)
	}
}

func TestLoad_AcceptsJSONC(t *testing.T) {
	p := filepath.Join(t.TempDir(), "s.jsonc")
	src := `{
  // required title
  "type": "object", /* block */
  "required": ["url"],
  "properties": {"url": {"type": "string", "pattern": "^https://"}} // trailing
}`
	if err := os.WriteFile(p, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res := s.Validate(runtime.Document{"url": "https://example.com//x"}); !res.Valid {
		t.Fatalf("expected valid, got %+v", res)
	}
	if res := s.Validate(runtime.Document{"url": "ftp://x"}); res.Valid {
		t.Fatalf("expected invalid")
	}
}

func TestStripComments_KeepsSlashesInStrings(t *testing.T) {
	got := string(StripComments([]byte(`{"a": "http://x // y", "b": "q\"//"} // c`)))
	want := `{"a": "http://x // y", "b": "q\"//"} `
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if got := string(StripComments([]byte("1 /* x\ny */ 2"))); !strings.Contains(got, "\n") || strings.Contains(got, "x") {
		t.Fatalf("block comment: got %q", got)
	}
}

func TestCompile_RejectsMalformedSchema(t *testing.T) {
	if _, err := Compile([]byte(`{"type": 5}`)); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestDottedPath(t *testing.T) {
	cases := map[string]string{"": "(root)", "/a/0/b": "a.0.b", "/a~1b": "a/b"}
	for in, want := range cases {
		if got := dottedPath(in); got != want {
			t.Fatalf("dottedPath(%q): got %q want %q", in, got, want)
		}
	}
}
