package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tbourn/go-queue-registration/internal/domain"
	"github.com/tbourn/go-queue-registration/internal/repo"
)

// ----- Fake store -----

type fakeStore struct {
	mu     sync.Mutex
	nextID uint
	recs   map[uint]*domain.Registration

	createErr error
	getErr    error

	// transitions captures every applied transition target.
	transitions []domain.Status
	// lose makes the next n Transition calls report "not applied" after
	// moving the record to loseTo, simulating a concurrent writer.
	lose   int
	loseTo domain.Status
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: map[uint]*domain.Registration{}}
}

func (f *fakeStore) Create(ctx context.Context, r *domain.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	r.ID = f.nextID
	cp := *r
	f.recs[r.ID] = &cp
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id uint) (*domain.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	r, ok := f.recs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) Count(ctx context.Context, whatsappID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, r := range f.recs {
		if r.WhatsappID == whatsappID {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListPage(ctx context.Context, whatsappID string, offset, limit int) ([]domain.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Registration
	for id := f.nextID; id >= 1; id-- {
		if r, ok := f.recs[id]; ok && r.WhatsappID == whatsappID {
			out = append(out, *r)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) Transition(ctx context.Context, id uint, to domain.Status, ch repo.StatusChange) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recs[id]
	if !ok {
		return false, nil
	}
	if f.lose > 0 {
		f.lose--
		r.Status = f.loseTo
		return false, nil
	}
	if !domain.CanTransition(r.Status, to) {
		return false, nil
	}
	r.Status = to
	r.Notes = domain.TruncateNotes(ch.Notes)
	if to == domain.StatusSuccess && ch.QueueNumber != nil {
		q := *ch.QueueNumber
		r.QueueNumber = &q
	}
	f.transitions = append(f.transitions, to)
	return true, nil
}

func (f *fakeStore) seed(status domain.Status) uint {
	r := &domain.Registration{WhatsappID: "62811", NIK: "3603192309880004", BranchCode: "BINTARO", DateRequested: "2025-11-01", Status: status}
	_ = f.Create(context.Background(), r)
	return r.ID
}

// ----- Fake queue -----

type fakeQueue struct {
	mu  sync.Mutex
	ids []uint
	err error
}

func (q *fakeQueue) Enqueue(ctx context.Context, id uint) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

// ----- Fake keys -----

// fakeKeys writes registrations through store, mirroring the single
// transaction of repo.Keys.
type fakeKeys struct {
	mu        sync.Mutex
	store     *fakeStore
	recs      map[string]*domain.Idempotency
	createErr error
}

func newFakeKeys(store *fakeStore) *fakeKeys {
	return &fakeKeys{store: store, recs: map[string]*domain.Idempotency{}}
}

func (k *fakeKeys) Get(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if r, ok := k.recs[scope+"/"+key]; ok && r.ExpiresAt.After(now) {
		return r, nil
	}
	return nil, repo.ErrNotFound
}

func (k *fakeKeys) CreateWithRegistration(ctx context.Context, scope, key string, reg *domain.Registration, status int, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.createErr != nil {
		return k.createErr
	}
	now := time.Now().UTC()
	if r, ok := k.recs[scope+"/"+key]; ok && r.ExpiresAt.After(now) {
		return repo.ErrDuplicate
	}
	if err := k.store.Create(ctx, reg); err != nil {
		return err
	}
	k.recs[scope+"/"+key] = &domain.Idempotency{Scope: scope, Key: key, RegistrationID: reg.ID, Status: status, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	return nil
}

// ----- Fake notifier -----

type fakeNotifier struct {
	got []domain.Registration
	err error
}

func (n *fakeNotifier) NotifyOutcome(ctx context.Context, r domain.Registration) error {
	n.got = append(n.got, r)
	return n.err
}

var errBoom = errors.New("boom")
