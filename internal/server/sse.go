package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/danshapiro/proposer/internal/xjson"
)

// RunEvent is one progress event of a run, numbered from 1 in emission order.
type RunEvent struct {
	ID    uint64
	Name  string
	Stage string
	Data  map[string]any
}

func newRunEvent(id uint64, data map[string]any) RunEvent {
	ev := RunEvent{ID: id, Data: data}
	ev.Name, _ = data["event"].(string)
	if ev.Name == "" {
		ev.Name = "progress"
	}
	ev.Stage, _ = data["stage"].(string)
	return ev
}

// Broadcaster keeps a run's event log and fans it out to SSE subscribers.
type Broadcaster struct {
	mu      sync.Mutex
	history []RunEvent
	clients map[uint64]chan RunEvent
	nextSub uint64
	closed  bool
	final   any
	// doneCh is closed by Close only, never by a slow-client drop.
	doneCh chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[uint64]chan RunEvent),
		doneCh:  make(chan struct{}),
	}
}

// Send is the engine's progress sink. Each event map is a private copy.
func (b *Broadcaster) Send(data map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	ev := newRunEvent(uint64(len(b.history))+1, data)
	b.history = append(b.history, ev)
	for id, ch := range b.clients {
		select {
		case ch <- ev:
		default:
			// Slow clients are dropped; the engine never waits.
			close(ch)
			delete(b.clients, id)
		}
	}
}

// Subscribe replays events with an id above after, then delivers live ones.
// The done channel closes when the run finishes, not when this subscriber
// is dropped.
func (b *Broadcaster) Subscribe(after uint64) (<-chan RunEvent, <-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var replay []RunEvent
	if after < uint64(len(b.history)) {
		replay = b.history[after:]
	}
	ch := make(chan RunEvent, len(replay)+256)
	for _, ev := range replay {
		ch <- ev
	}
	if b.closed {
		close(ch)
		return ch, b.doneCh, func() {}
	}

	id := b.nextSub
	b.nextSub++
	b.clients[id] = ch
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.clients[id]; ok {
			delete(b.clients, id)
			close(ch)
		}
	}
	return ch, b.doneCh, unsub
}

// Close ends the stream. final is sent as the payload of the done frame.
func (b *Broadcaster) Close(final any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.final = final
	close(b.doneCh)
	for id, ch := range b.clients {
		close(ch)
		delete(b.clients, id)
	}
}

// Final returns the value given to Close, or nil while the run is live.
func (b *Broadcaster) Final() any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.final
}

// History returns a copy of all events received so far.
func (b *Broadcaster) History() []RunEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RunEvent(nil), b.history...)
}

// Last returns the newest event whose name is in names, or any event when
// names is empty.
func (b *Broadcaster) Last(names ...string) (RunEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.history) - 1; i >= 0; i-- {
		ev := b.history[i]
		if len(names) == 0 {
			return ev, true
		}
		for _, n := range names {
			if ev.Name == n {
				return ev, true
			}
		}
	}
	return RunEvent{}, false
}

// lastEventID reads the SSE reconnect cursor from the header or ?after=.
func lastEventID(r *http.Request) uint64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// WriteSSE streams a run's events as Server-Sent Events until the run ends
// or the client goes away. Clients reconnect with Last-Event-ID.
func WriteSSE(w http.ResponseWriter, r *http.Request, b *Broadcaster) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events, doneCh, unsub := b.Subscribe(lastEventID(r))
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				select {
				case <-doneCh:
					writeDone(w, b.Final())
					flusher.Flush()
				default:
				}
				return
			}
			data, err := xjson.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Name, data)
			flusher.Flush()
		}
	}
}

func writeDone(w http.ResponseWriter, final any) {
	data := []byte("{}")
	if final != nil {
		if b, err := xjson.Marshal(final); err == nil {
			data = b
		}
	}
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
}
