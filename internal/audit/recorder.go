package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/huddle/relay/internal/chat"
)

// Inserter is implemented by Store.
type Inserter interface {
	Insert(ctx context.Context, rec Record) error
}

// Recorder turns moderation events into rows on a background goroutine.
// Record never blocks; when the queue is full the record is dropped.
type Recorder struct {
	ins     Inserter
	queue   chan Record
	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewRecorder creates a Recorder with the given queue size. Call Start
// before recording.
func NewRecorder(ins Inserter, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultConfig().QueueSize
	}
	return &Recorder{
		ins:   ins,
		queue: make(chan Record, queueSize),
	}
}

// RecordFromEvent maps a moderation event to a row. It reports false for
// events that are not audited.
func RecordFromEvent(e chat.Event) (Record, bool) {
	var action string
	switch e.Type {
	case chat.EventKick:
		action = ActionKick
	case chat.EventBan:
		action = ActionBan
	case chat.EventUnban:
		action = ActionUnban
	default:
		return Record{}, false
	}

	var created time.Time
	if e.Ts != 0 {
		created = time.Unix(e.Ts, 0).UTC()
	}
	return Record{
		Action:          action,
		Name:            e.Name,
		Device:          e.Device,
		DurationSeconds: e.Duration,
		CreatedAt:       created,
	}, true
}

// Record queues e if it is a moderation event.
func (r *Recorder) Record(e chat.Event) {
	if !e.IsModeration() {
		return
	}
	rec, _ := RecordFromEvent(e)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped++
		log.Printf("[audit] queue full, dropped %s name=%s device=%s", rec.Action, rec.Name, rec.Device)
	}
}

// Dropped returns how many records were dropped because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Start launches the writer goroutine.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.ins.Insert(ctx, rec); err != nil {
			log.Printf("[audit] %v", err)
		}
		cancel()
	}
}

// Close stops accepting records and waits for the queue to drain.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}
