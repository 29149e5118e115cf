package engine

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/danshapiro/proposer/internal/xjson"
)

const progressFile = "progress.ndjson"

// progress appends one JSON object per line to the run's progress log and
// mirrors each event to the logger and the optional sink.
type progress struct {
	mu     sync.Mutex
	path   string
	runID  string
	logger hclog.Logger
	sink   func(map[string]any)
}

func newProgress(logsRoot, runID string, logger hclog.Logger, sink func(map[string]any)) *progress {
	return &progress{path: filepath.Join(logsRoot, progressFile), runID: runID, logger: logger, sink: sink}
}

func (p *progress) append(ev map[string]any) {
	if p == nil || ev == nil {
		return
	}
	ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	ev["run_id"] = p.runID

	name, _ := ev["event"].(string)
	keys := make([]string, 0, len(ev))
	for k := range ev {
		if k != "event" && k != "ts" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, ev[k])
	}
	p.logger.Debug(name, args...)

	b, err := xjson.Marshal(ev)
	if err != nil {
		p.logger.Warn("progress event not encodable", "event", name, "error", err)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.write(name, b)
	if p.sink != nil {
		// Sinks receive a decoded copy, never the map written above.
		var cp map[string]any
		if err := xjson.Unmarshal(b, &cp); err == nil {
			p.sink(cp)
		}
	}
}

func (p *progress) write(name string, b []byte) {
	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		p.logger.Warn("progress log unavailable", "path", p.path, "event", name, "error", err)
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = f.Write(append(b, '\n'))
}
