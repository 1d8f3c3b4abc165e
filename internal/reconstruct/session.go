package reconstruct

import (
	"context"
	"slices"
	"sync"
	"time"
)

type ItemStatus string

const (
	ItemPending        ItemStatus = "pending"
	ItemFetching       ItemStatus = "fetching"
	ItemSufficient     ItemStatus = "sufficient"
	ItemReconstructing ItemStatus = "reconstructing"
	ItemComplete       ItemStatus = "complete"
	ItemFailed         ItemStatus = "failed"
)

func (s ItemStatus) Terminal() bool {
	return s == ItemComplete || s == ItemFailed
}

type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionCanceled  SessionStatus = "canceled"
)

// Item is the reconstruction record of one content item.
type Item struct {
	ContentID  string     `json:"content_id"`
	Required   int        `json:"required"`
	Total      int        `json:"total"`
	Retrieved  []int      `json:"retrieved"`
	Failed     []int      `json:"failed"`
	Status     ItemStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Progress is a point-in-time view of a session.
type Progress struct {
	SessionID           string        `json:"session_id"`
	RequestID           string        `json:"request_id"`
	Identity            string        `json:"identity"`
	Status              SessionStatus `json:"status"`
	Total               int           `json:"total"`
	Completed           int           `json:"completed"`
	Failed              int           `json:"failed"`
	Percent             float64       `json:"percent"`
	StartedAt           time.Time     `json:"started_at"`
	EstimatedCompletion *time.Time    `json:"estimated_completion,omitempty"`
	Items               []Item        `json:"items"`
}

// Session is the coordinator-local working state of one recovery. It is a
// projection of the request and its authorizations and can be rebuilt.
type Session struct {
	ID        string
	RequestID string
	Identity  string
	StartedAt time.Time

	mu      sync.Mutex
	status  SessionStatus
	items   map[string]*Item
	order   []string // scope order, for reporting
	queue   []string // pending content ids, head is fetched next
	done    map[string]chan struct{}
	elapsed []time.Duration
	workers int
	now     func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}
}

func newSession(parent context.Context, id, requestID, identity string, contentIDs []string, workers int, now func() time.Time) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		ID:        id,
		RequestID: requestID,
		Identity:  identity,
		StartedAt: now().UTC(),
		status:    SessionRunning,
		items:     make(map[string]*Item, len(contentIDs)),
		done:      make(map[string]chan struct{}, len(contentIDs)),
		workers:   max(workers, 1),
		now:       now,
		ctx:       ctx,
		cancel:    cancel,
		finished:  make(chan struct{}),
	}
	for _, id := range contentIDs {
		if _, dup := s.items[id]; dup {
			continue
		}
		s.items[id] = &Item{ContentID: id, Status: ItemPending}
		s.done[id] = make(chan struct{})
		s.order = append(s.order, id)
		s.queue = append(s.queue, id)
	}
	return s
}

// Contains reports whether contentID is part of the session scope.
func (s *Session) Contains(contentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[contentID]
	return ok
}

// Promote moves a pending item to the head of the fetch queue. It reports
// false if the item is not waiting in the queue.
func (s *Session) Promote(contentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.queue, contentID)
	if i < 0 {
		return false
	}
	if i > 0 {
		s.queue = slices.Delete(s.queue, i, i+1)
		s.queue = slices.Insert(s.queue, 0, contentID)
	}
	return true
}

// QueuePosition is the item's index in the pending queue, or -1 once it has
// been picked up or was never queued.
func (s *Session) QueuePosition(contentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Index(s.queue, contentID)
}

// Done is closed once the item is Complete or Failed.
func (s *Session) Done(contentID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done[contentID]
}

// Finished is closed when every item is terminal or the session is canceled.
func (s *Session) Finished() <-chan struct{} {
	return s.finished
}

func (s *Session) Item(contentID string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[contentID]
	if !ok {
		return Item{}, false
	}
	return cloneItem(it), true
}

func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Progress{
		SessionID: s.ID,
		RequestID: s.RequestID,
		Identity:  s.Identity,
		Status:    s.status,
		Total:     len(s.order),
		StartedAt: s.StartedAt,
		Items:     make([]Item, 0, len(s.order)),
	}
	for _, id := range s.order {
		it := s.items[id]
		switch it.Status {
		case ItemComplete:
			p.Completed++
		case ItemFailed:
			p.Failed++
		}
		p.Items = append(p.Items, cloneItem(it))
	}
	if p.Total == 0 {
		p.Percent = 100
	} else {
		p.Percent = float64(p.Completed) / float64(p.Total) * 100
	}
	remaining := p.Total - p.Completed - p.Failed
	if s.status == SessionRunning && remaining > 0 && len(s.elapsed) > 0 {
		var sum time.Duration
		for _, d := range s.elapsed {
			sum += d
		}
		avg := sum / time.Duration(len(s.elapsed))
		waves := (remaining + s.workers - 1) / s.workers
		eta := s.now().UTC().Add(avg * time.Duration(waves))
		p.EstimatedCompletion = &eta
	}
	return p
}

// next pops the head of the queue.
func (s *Session) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.status != SessionRunning {
		return "", false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, true
}

func (s *Session) update(contentID string, fn func(*Item)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[contentID]
	if !ok || it.Status.Terminal() {
		return
	}
	fn(it)
	now := s.now().UTC()
	if it.StartedAt == nil && it.Status != ItemPending {
		it.StartedAt = &now
	}
	if it.Status.Terminal() {
		it.FinishedAt = &now
		if it.StartedAt != nil {
			s.elapsed = append(s.elapsed, now.Sub(*it.StartedAt))
		}
		s.queue = slices.DeleteFunc(s.queue, func(id string) bool { return id == contentID })
		close(s.done[contentID])
	}
}

// settle marks the session finished if every item is terminal. It reports
// whether this call finished it.
func (s *Session) settle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != SessionRunning {
		return false
	}
	for _, it := range s.items {
		if !it.Status.Terminal() {
			return false
		}
	}
	s.status = SessionCompleted
	close(s.finished)
	return true
}

func (s *Session) abort() bool {
	s.mu.Lock()
	if s.status != SessionRunning {
		s.mu.Unlock()
		return false
	}
	s.status = SessionCanceled
	s.queue = nil
	close(s.finished)
	s.mu.Unlock()
	s.cancel()
	return true
}

func (s *Session) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == SessionRunning
}

func cloneItem(it *Item) Item {
	out := *it
	out.Retrieved = slices.Clone(it.Retrieved)
	out.Failed = slices.Clone(it.Failed)
	return out
}
