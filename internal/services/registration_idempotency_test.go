package services

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-queue-registration/internal/domain"
	"github.com/tbourn/go-queue-registration/internal/repo"
)

func newSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "services.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA busy_timeout=5000;")
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// gatedKeys holds the first n lookups until all of them have missed, so
// every submitter races past the replay check.
type gatedKeys struct {
	repo.Keys
	n     int32
	calls atomic.Int32
	gate  *sync.WaitGroup
}

func (g *gatedKeys) Get(ctx context.Context, scope, key string, now time.Time) (*domain.Idempotency, error) {
	rec, err := g.Keys.Get(ctx, scope, key, now)
	if g.calls.Add(1) <= g.n {
		g.gate.Done()
		g.gate.Wait()
	}
	return rec, err
}

func TestSubmitOnce_ConcurrentSameKeyPersistsOnce(t *testing.T) {
	db := newSQLite(t)
	const submitters = 4

	gate := &sync.WaitGroup{}
	gate.Add(submitters)
	keys := &gatedKeys{Keys: repo.Keys{DB: db}, n: submitters, gate: gate}
	q := &fakeQueue{}
	s := NewRegistrationService(repo.Registrations{DB: db}, q, keys)

	type result struct {
		id       uint
		replayed bool
		err      error
	}
	results := make([]result, submitters)
	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, replayed, err := s.SubmitOnce(context.Background(), "wa-628-retry", validRequest())
			results[i] = result{id, replayed, err}
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		if r.err != nil {
			t.Fatalf("SubmitOnce: %v", r.err)
		}
		if r.id != results[0].id {
			t.Fatalf("ids differ: %+v", results)
		}
		if !r.replayed {
			fresh++
		}
	}
	if fresh != 1 {
		t.Fatalf("fresh submits = %d; want 1 (%+v)", fresh, results)
	}

	var n int64
	db.Model(&domain.Registration{}).Count(&n)
	if n != 1 {
		t.Fatalf("registrations = %d; want 1", n)
	}
	if len(q.ids) != 1 || q.ids[0] != results[0].id {
		t.Fatalf("enqueued = %v; want [%d]", q.ids, results[0].id)
	}
}
