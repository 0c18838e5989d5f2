// Package progress carries pipeline progress events from producers to any
// number of subscribers. Publishing never blocks the pipeline.
package progress

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Stage is a step of an acquisition, build or export
type Stage string

const (
	StageQueued      Stage = "queued"
	StageDownloading Stage = "downloading"
	StageExtracting  Stage = "extracting"
	StageReady       Stage = "ready"
	StageFailed      Stage = "failed"

	StageResolving  Stage = "resolving"
	StageLayering   Stage = "layering"
	StageAssembling Stage = "assembling"

	StageTiling    Stage = "tiling"
	StageVectors   Stage = "vectors"
	StageRaster    Stage = "raster"
	StagePackaging Stage = "packaging"
	StagePlacement Stage = "placement"
	StageComplete  Stage = "complete"
)

// Indeterminate marks an event without a meaningful percentage
const Indeterminate = -1.0

// Event is one progress notification
type Event struct {
	ProjectID string    `json:"projectId,omitempty"`
	Stage     Stage     `json:"stage"`
	Label     string    `json:"label"`
	Percent   float64   `json:"percent"`
	Done      int       `json:"done,omitempty"`
	Total     int       `json:"total,omitempty"`
	Time      time.Time `json:"time"`
}

// String renders the event as a single log-friendly line
func (e Event) String() string {
	pct := "…"
	if e.Percent >= 0 {
		pct = fmt.Sprintf("%3.0f%%", e.Percent)
	}
	if e.Total > 0 {
		return fmt.Sprintf("%-11s %s %s (%d/%d)", e.Stage, e.Label, pct, e.Done, e.Total)
	}
	return fmt.Sprintf("%-11s %s %s", e.Stage, e.Label, pct)
}

// Publisher accepts progress events
type Publisher interface {
	Publish(Event)
}

// Nop discards events
type Nop struct{}

// Publish implements Publisher
func (Nop) Publish(Event) {}

// Scoped tags every event with a project ID before forwarding it
type Scoped struct {
	ProjectID string
	Next      Publisher
}

// Publish implements Publisher
func (s Scoped) Publish(e Event) {
	if s.Next == nil {
		return
	}
	if e.ProjectID == "" {
		e.ProjectID = s.ProjectID
	}
	s.Next.Publish(e)
}

// Fraction builds a determinate event from a done/total count
func Fraction(stage Stage, label string, done, total int) Event {
	pct := Indeterminate
	if total > 0 {
		pct = 100 * float64(done) / float64(total)
	}
	return Event{Stage: stage, Label: label, Percent: pct, Done: done, Total: total}
}

// Bus fans events out to subscribers. A subscriber whose buffer is full
// misses events rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
	buffer int
}

type subscription struct {
	projectID string // empty subscribes to everything
	ch        chan Event
}

// NewBus creates a bus whose subscriber channels hold buffer events
func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 64
	}
	return &Bus{subs: make(map[int]*subscription), buffer: buffer}
}

// Subscribe returns a channel of events for projectID ("" for all) and a
// cancel function that closes it
func (b *Bus) Subscribe(projectID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscription{projectID: projectID, ch: make(chan Event, b.buffer)}
	b.subs[id] = sub

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// Publish implements Publisher
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.projectID != "" && sub.projectID != e.ProjectID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Func adapts a function to a Publisher
type Func func(Event)

// Publish implements Publisher
func (f Func) Publish(e Event) {
	if f != nil {
		f(e)
	}
}

// Recorder keeps every event it receives, in order
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Stages returns the stages of the recorded events with the given label
func (r *Recorder) Stages(label string) []Stage {
	var stages []Stage
	for _, e := range r.Events() {
		if e.Label == label {
			stages = append(stages, e.Stage)
		}
	}
	return stages
}

type ctxKey struct{}

// WithPublisher returns a context carrying p
func WithPublisher(ctx context.Context, p Publisher) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the publisher carried by ctx, or fallback when there is
// none. A nil fallback becomes Nop.
func FromContext(ctx context.Context, fallback Publisher) Publisher {
	if p, ok := ctx.Value(ctxKey{}).(Publisher); ok && p != nil {
		return p
	}
	if fallback == nil {
		return Nop{}
	}
	return fallback
}
