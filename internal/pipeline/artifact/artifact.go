// Package artifact writes the final document of a run and a sidecar
// snapshot of the state that produced it.
package artifact

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/danshapiro/proposer/internal/pipeline/runtime"
	"github.com/danshapiro/proposer/internal/xjson"
)

// IOFault is a persistence failure. The engine treats it as fatal.
type IOFault struct {
	Op   string
	Path string
	Err  error
}

func (e *IOFault) Error() string {
	return fmt.Sprintf("artifact %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOFault) Unwrap() error { return e.Err }

// Location describes a persisted artifact.
type Location struct {
	Path      string `json:"path"`
	StatePath string `json:"state_path"`
	Digest    string `json:"blake3"`
	Degraded  bool   `json:"degraded"`
}

// Persister is the persistence collaborator.
type Persister interface {
	Persist(ctx context.Context, doc runtime.Document, st runtime.State) (Location, error)
}

// FSPersister writes <dir>/<slug>.json and <dir>/<slug>_state.json.
type FSPersister struct {
	Dir string
	// Exclude holds doublestar patterns over state field paths (for example
	// "web_research" or "extensions/**") left out of the state sidecar.
	Exclude []string
}

func NewFSPersister(dir string, exclude []string) (*FSPersister, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("artifact dir is empty")
	}
	for _, p := range exclude {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
	}
	return &FSPersister{Dir: dir, Exclude: append([]string(nil), exclude...)}, nil
}

// Persist writes doc, falling back to the last candidate when doc is empty.
func (p *FSPersister) Persist(ctx context.Context, doc runtime.Document, st runtime.State) (Location, error) {
	if err := ctx.Err(); err != nil {
		return Location{}, err
	}
	if len(doc) == 0 {
		doc = st.CandidateDocument
	}
	if len(doc) == 0 {
		return Location{}, &IOFault{Op: "persist", Path: p.Dir, Err: fmt.Errorf("no document to persist")}
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return Location{}, &IOFault{Op: "mkdir", Path: p.Dir, Err: err}
	}
	slug := Slug(st.Topic)
	loc := Location{
		Path:      filepath.Join(p.Dir, slug+".json"),
		StatePath: filepath.Join(p.Dir, slug+"_state.json"),
		Degraded:  st.Degraded(),
	}

	body, err := xjson.MarshalIndent(doc)
	if err != nil {
		return Location{}, &IOFault{Op: "encode", Path: loc.Path, Err: err}
	}
	sum := blake3.Sum256(body)
	loc.Digest = hex.EncodeToString(sum[:])
	if err := writeFile(loc.Path, body); err != nil {
		return Location{}, err
	}

	sidecar, err := p.stateSidecar(st, loc)
	if err != nil {
		return Location{}, &IOFault{Op: "encode", Path: loc.StatePath, Err: err}
	}
	if err := writeFile(loc.StatePath, sidecar); err != nil {
		return Location{}, err
	}
	return loc, nil
}

func writeFile(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return &IOFault{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &IOFault{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// stateSidecar renders the state as a JSON object without the final
// document and without excluded fields, plus the artifact location.
func (p *FSPersister) stateSidecar(st runtime.State, loc Location) ([]byte, error) {
	b, err := xjson.Marshal(st)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := xjson.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	delete(m, "final_document")
	pruneExcluded(m, "", p.Exclude)
	m["artifact"] = map[string]any{"path": loc.Path, "blake3": loc.Digest, "degraded": loc.Degraded}
	return xjson.MarshalIndent(m)
}

func pruneExcluded(m map[string]any, prefix string, patterns []string) {
	if len(patterns) == 0 {
		return
	}
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "/" + k
		}
		if matchAny(patterns, path) {
			delete(m, k)
			continue
		}
		if child, ok := v.(map[string]any); ok {
			pruneExcluded(child, path, patterns)
		}
	}
}

func matchAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives a file-name stem from the first 50 characters of a topic.
func Slug(topic string) string {
	r := []rune(strings.ToLower(strings.TrimSpace(topic)))
	if len(r) > 50 {
		r = r[:50]
	}
	s := strings.Trim(nonAlnum.ReplaceAllString(string(r), "_"), "_")
	if s == "" {
		return "research_proposal"
	}
	return s
}
