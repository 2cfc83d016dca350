package telemetry

import (
	"sync"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// AllCategories subscribes to every category.
const AllCategories = "*"

// StreamOption customizes Stream construction.
type StreamOption func(*Stream)

// Stream delivers events to category subscribers with buffering,
// deduplication and bounded channel semantics.
type Stream struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]Event
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       Logger
}

// Subscription represents an active category subscription.
type Subscription struct {
	Events <-chan Event
	cancel func()
}

// Close terminates the subscription and closes Events.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewStream constructs a stream with default buffer sizes.
func NewStream(opts ...StreamOption) *Stream {
	s := &Stream{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]Event{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		logger:       nopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// StreamWithLogger injects a logger for drop messages.
func StreamWithLogger(logger Logger) StreamOption {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// StreamWithSubscriberCapacity overrides the buffered channel size per subscriber.
func StreamWithSubscriberCapacity(capacity int) StreamOption {
	return func(s *Stream) {
		if capacity > 0 {
			s.channelSize = capacity
		}
	}
}

// StreamWithBacklogLimit overrides the pre-subscription backlog size.
func StreamWithBacklogLimit(limit int) StreamOption {
	return func(s *Stream) {
		if limit > 0 {
			s.backlogLimit = limit
		}
	}
}

// Subscribe registers for one category, or AllCategories. Events published to
// a category before anyone subscribed to it are replayed first.
func (s *Stream) Subscribe(category string) Subscription {
	key := normalizeCategory(category)
	sub := newSubscriber(s.channelSize, s.logger)
	var backlog []Event
	s.mu.Lock()
	if s.subscribers[key] == nil {
		s.subscribers[key] = map[*subscriber]struct{}{}
	}
	s.subscribers[key][sub] = struct{}{}
	if key == AllCategories {
		for cat, queued := range s.backlog {
			backlog = append(backlog, queued...)
			delete(s.backlog, cat)
		}
	} else if queued := s.backlog[key]; len(queued) > 0 {
		backlog = append(backlog, queued...)
		delete(s.backlog, key)
	}
	s.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			s.removeSubscriber(key, sub)
		},
	}
}

// Publish delivers the event to subscribers of its category and to
// AllCategories subscribers, or buffers it when there are none.
func (s *Stream) Publish(event Event) {
	if event.ID != "" && s.isDuplicate(event.ID) {
		return
	}
	category := normalizeCategory(event.Category)
	s.mu.RLock()
	subs := s.snapshotSubscribers(category)
	subs = append(subs, s.snapshotSubscribers(AllCategories)...)
	s.mu.RUnlock()
	if len(subs) == 0 {
		s.bufferEvent(category, event)
		return
	}
	for _, sub := range subs {
		sub.deliver(event)
	}
}

// Close closes every subscription.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, subs := range s.subscribers {
		for sub := range subs {
			sub.close()
		}
		delete(s.subscribers, key)
	}
}

func (s *Stream) snapshotSubscribers(key string) []*subscriber {
	live := s.subscribers[key]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (s *Stream) removeSubscriber(key string, sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if subs := s.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(s.subscribers, key)
		}
	}
	sub.close()
}

func (s *Stream) bufferEvent(category string, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.backlog[category]
	if len(queue) >= s.backlogLimit {
		queue = queue[1:]
		s.logger.Printf("telemetry: backlog drop for %s (limit %d)", category, s.backlogLimit)
	}
	queue = append(queue, event)
	s.backlog[category] = queue
}

func (s *Stream) isDuplicate(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recentIDs[eventID]; ok {
		return true
	}
	s.recentIDs[eventID] = struct{}{}
	s.recentOrder = append(s.recentOrder, eventID)
	if len(s.recentOrder) > s.dedupeWindow {
		oldest := s.recentOrder[0]
		s.recentOrder = s.recentOrder[1:]
		delete(s.recentIDs, oldest)
	}
	return false
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	logger Logger
	closed bool
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan Event, capacity), logger: logger}
}

func (s *subscriber) channel() <-chan Event {
	return s.ch
}

// deliver never blocks. On overflow one event is dropped, chosen by dropIndex
// among the queued events and the incoming one, and the rest keep their order.
func (s *subscriber) deliver(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	// Only deliver sends, and it holds the lock, so the refill cannot block.
	queued := make([]Event, 0, cap(s.ch)+1)
	for drained := false; !drained; {
		select {
		case queuedEvent := <-s.ch:
			queued = append(queued, queuedEvent)
		default:
			drained = true
		}
	}
	queued = append(queued, event)
	if len(queued) > cap(s.ch) {
		i := dropIndex(queued)
		s.logger.Printf("telemetry: dropped %s event for %s (queue overflow)", queued[i].Kind, queued[i].TaskID)
		queued = append(queued[:i], queued[i+1:]...)
	}
	for _, queuedEvent := range queued {
		s.ch <- queuedEvent
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// dropIndex picks the oldest attempt event, then the oldest other
// non-terminal event. Decisions go only when nothing else is queued.
func dropIndex(events []Event) int {
	for i, event := range events {
		if event.Kind == KindAttempt {
			return i
		}
	}
	for i, event := range events {
		if !event.Terminal() {
			return i
		}
	}
	return 0
}
