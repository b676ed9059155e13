package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pulseboard/agentbridge/internal/models"
)

// MemoryStore is an in-memory Store for development and tests. Records are
// copied on the way in and out so callers can never observe a partial or
// mutated record.
type MemoryStore struct {
	mu sync.RWMutex

	events     []*models.WebhookEvent
	executions []*models.AgentExecutionRecord

	// secondary indexes
	latest     map[string]*models.AgentExecutionRecord // agentID -> newest record
	seen       map[string]struct{}                     // correlationID|agentID|offset
	nextOffset map[string]int64                        // correlationID|agentID -> next server offset

	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		latest:     make(map[string]*models.AgentExecutionRecord),
		seen:       make(map[string]struct{}),
		nextOffset: make(map[string]int64),
	}
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *models.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cp := *event
	cp.RawBody = append([]byte(nil), event.RawBody...)
	s.events = append(s.events, &cp)
	return nil
}

func (s *MemoryStore) RecordExecution(ctx context.Context, rec *models.AgentExecutionRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}

	cp := *rec
	if cp.Offset == ServerAssignedOffset {
		seqKey := cp.CorrelationID + "|" + cp.AgentID
		cp.Offset = s.nextOffset[seqKey]
		s.nextOffset[seqKey]++
	} else {
		key := dedupeKey(cp.CorrelationID, cp.AgentID, cp.Offset)
		if _, dup := s.seen[key]; dup {
			return false, nil
		}
		s.seen[key] = struct{}{}
		// Keep the server sequence ahead of upstream offsets.
		seqKey := cp.CorrelationID + "|" + cp.AgentID
		if cp.Offset >= s.nextOffset[seqKey] {
			s.nextOffset[seqKey] = cp.Offset + 1
		}
	}

	s.executions = append(s.executions, &cp)

	if cur, ok := s.latest[cp.AgentID]; !ok || cp.ReceivedAt.After(cur.ReceivedAt) {
		s.latest[cp.AgentID] = &cp
	}
	return true, nil
}

func (s *MemoryStore) LatestByAgent(ctx context.Context, agentID string) (*models.AgentExecutionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}

	rec, ok := s.latest[agentID]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

func (s *MemoryStore) LatestAll(ctx context.Context) ([]*models.AgentExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	out := make([]*models.AgentExecutionRecord, 0, len(s.latest))
	for _, rec := range s.latest {
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (s *MemoryStore) ExecutionsByCorrelation(ctx context.Context, correlationID string) ([]*models.AgentExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []*models.AgentExecutionRecord
	for _, rec := range s.executions {
		if rec.CorrelationID == correlationID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ValidEventAgents(ctx context.Context, correlationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	set := make(map[string]struct{})
	for _, ev := range s.events {
		if ev.CorrelationID == correlationID && ev.SignatureValid && ev.SourceAgentID != "" {
			set[ev.SourceAgentID] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) EventCount(ctx context.Context, correlationID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}

	n := 0
	for _, ev := range s.events {
		if ev.CorrelationID == correlationID {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PruneEvents(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	kept := s.events[:0]
	removed := 0
	for _, ev := range s.events {
		if ev.ReceivedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(s.events); i++ {
		s.events[i] = nil
	}
	s.events = kept
	return removed, nil
}

// Close marks the store closed. Subsequent calls return ErrClosed.
func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func dedupeKey(correlationID, agentID string, offset int64) string {
	return fmt.Sprintf("%s|%s|%d", correlationID, agentID, offset)
}
