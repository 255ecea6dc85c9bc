package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryStore keeps all tables in maps. It honours the same conditional
// semantics as the SQL drivers, which makes it the reference for tests.
type memoryStore struct {
	mu        sync.Mutex
	closed    bool
	cooldowns map[string]CooldownRecord
	leases    map[string]LeaseRecord
	dedup     map[string]time.Time
	audit     []AuditEntry
}

func NewMemory() Store {
	return &memoryStore{
		cooldowns: map[string]CooldownRecord{},
		leases:    map[string]LeaseRecord{},
		dedup:     map[string]time.Time{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetCooldown(ctx context.Context, entityID string) (CooldownRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return CooldownRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return CooldownRecord{}, false, ErrClosed
	}
	r, ok := s.cooldowns[entityID]
	return copyRecord(r), ok, nil
}

func (s *memoryStore) PutCooldown(ctx context.Context, entityID string, u CooldownUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !u.Kind.Valid() {
		return ErrInvalidKind
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	r := s.cooldowns[entityID]
	r.EntityID = entityID
	until := u.Until
	if u.Kind == KindMinor {
		r.MinorUntil = &until
	} else {
		r.MajorUntil = &until
	}
	if u.Locale != nil {
		r.Locale = *u.Locale
	}
	if u.Attribute != nil {
		r.Attribute = *u.Attribute
	}
	r.UpdatedAt = u.At
	s.cooldowns[entityID] = r
	return nil
}

func (s *memoryStore) DeleteCooldown(ctx context.Context, entityID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if _, ok := s.cooldowns[entityID]; !ok {
		return false, nil
	}
	delete(s.cooldowns, entityID)
	return true, nil
}

func (s *memoryStore) RenameCooldown(ctx context.Context, oldID, newID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	r, ok := s.cooldowns[oldID]
	if !ok {
		return false, nil
	}
	r.EntityID = newID
	s.cooldowns[newID] = r
	if oldID != newID {
		delete(s.cooldowns, oldID)
	}
	return true, nil
}

func (s *memoryStore) ListCooldowns(ctx context.Context, locale string, limit int) ([]CooldownRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]CooldownRecord, 0, len(s.cooldowns))
	for _, r := range s.cooldowns {
		if locale != "" && !strings.EqualFold(r.Locale, locale) {
			continue
		}
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ClaimLease(ctx context.Context, req ClaimRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	r, ok := s.leases[req.Task]
	if !ok {
		r = LeaseRecord{Task: req.Task, IntervalSeconds: req.IntervalSeconds, NextEligible: req.Now}
	}
	if req.Now.Before(r.NextEligible) || r.Leased(req.Now) {
		if !ok {
			s.leases[req.Task] = r
		}
		return false, nil
	}
	r.Holder = req.Holder
	r.LeaseUntil = req.LeaseUntil
	r.LastAttempt = req.Now
	s.leases[req.Task] = r
	return true, nil
}

func (s *memoryStore) FinishLease(ctx context.Context, req FinishRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	r, ok := s.leases[req.Task]
	if !ok {
		r = LeaseRecord{Task: req.Task}
	}
	if r.Holder != "" && r.Holder != req.Holder && r.Leased(req.Now) {
		return false, nil
	}
	r.Holder = ""
	r.LeaseUntil = time.Time{}
	if req.NextEligible.After(r.NextEligible) {
		r.NextEligible = req.NextEligible
	}
	if req.Completed {
		r.LastRun = req.Now
	}
	s.leases[req.Task] = r
	return true, nil
}

func (s *memoryStore) GetLease(ctx context.Context, task string) (LeaseRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return LeaseRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return LeaseRecord{}, false, ErrClosed
	}
	r, ok := s.leases[task]
	return r, ok, nil
}

func (s *memoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	if len(s.audit) > 1000 {
		s.audit = s.audit[len(s.audit)-1000:]
	}
	return nil
}

func (s *memoryStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dedup[key] = until
	now := time.Now()
	for k, v := range s.dedup {
		if v.Before(now) {
			delete(s.dedup, k)
		}
	}
	return nil
}

func (s *memoryStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	until, ok := s.dedup[strings.TrimSpace(key)]
	return until, ok, nil
}

func copyRecord(r CooldownRecord) CooldownRecord {
	if r.MinorUntil != nil {
		t := *r.MinorUntil
		r.MinorUntil = &t
	}
	if r.MajorUntil != nil {
		t := *r.MajorUntil
		r.MajorUntil = &t
	}
	return r
}
