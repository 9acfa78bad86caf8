package domain

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	if (Registration{}).TableName() != "registrations" {
		t.Fatalf("Registration.TableName() = %q", (Registration{}).TableName())
	}
	if (DispatchJob{}).TableName() != "dispatch_jobs" {
		t.Fatalf("DispatchJob.TableName() = %q", (DispatchJob{}).TableName())
	}
}

func TestStatus_TerminalAndValid(t *testing.T) {
	cases := []struct {
		s        Status
		terminal bool
		valid    bool
	}{
		{StatusPending, false, true},
		{StatusProcessing, false, true},
		{StatusSuccess, true, true},
		{StatusFailed, true, true},
		{Status("done"), false, false},
		{Status(""), false, false},
	}
	for _, tc := range cases {
		if got := tc.s.IsTerminal(); got != tc.terminal {
			t.Errorf("%q.IsTerminal() = %v; want %v", tc.s, got, tc.terminal)
		}
		if got := tc.s.Valid(); got != tc.valid {
			t.Errorf("%q.Valid() = %v; want %v", tc.s, got, tc.valid)
		}
	}
}

func TestCanTransition_ForwardOnly(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusPending, StatusProcessing}: true,
		{StatusPending, StatusSuccess}:    true,
		{StatusPending, StatusFailed}:     true,
		{StatusProcessing, StatusSuccess}: true,
		{StatusProcessing, StatusFailed}:  true,
	}
	all := []Status{StatusPending, StatusProcessing, StatusSuccess, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v; want %v", from, to, got, want)
			}
		}
	}
}

func TestMigrations_Indexes_AndCheckConstraint(t *testing.T) {
	db := newDomainDB(t)
	if err := db.AutoMigrate(&Registration{}, &DispatchJob{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()
	for _, tbl := range []any{&Registration{}, &DispatchJob{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}
	if !m.HasIndex(&DispatchJob{}, "ux_dispatch_registration") {
		t.Fatalf("expected unique index ux_dispatch_registration")
	}
	if !m.HasIndex(&DispatchJob{}, "idx_dispatch_eligible") {
		t.Fatalf("expected index idx_dispatch_eligible")
	}

	now := time.Now().UTC()
	ok := &Registration{WhatsappID: "62811", NIK: "3603192309880004", BranchCode: "BINTARO", DateRequested: "2025-11-01", Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := db.Create(ok).Error; err != nil {
		t.Fatalf("insert registration: %v", err)
	}
	if ok.ID == 0 {
		t.Fatalf("expected auto-increment id")
	}

	bad := &Registration{WhatsappID: "62811", NIK: "3603192309880004", BranchCode: "BINTARO", DateRequested: "2025-11-01", Status: Status("done"), CreatedAt: now, UpdatedAt: now}
	if err := db.Create(bad).Error; err == nil {
		t.Fatalf("expected CHECK constraint to reject unknown status")
	}

	j1 := &DispatchJob{RegistrationID: ok.ID, NextEligibleAt: now}
	if err := db.Create(j1).Error; err != nil {
		t.Fatalf("insert job: %v", err)
	}
	j2 := &DispatchJob{RegistrationID: ok.ID, NextEligibleAt: now}
	if err := db.Create(j2).Error; err == nil {
		t.Fatalf("expected UNIQUE violation for second job on the same registration")
	}
}

func TestIsDispatchFailure(t *testing.T) {
	if !IsDispatchFailure(DispatchFailedNotesPrefix + " after 3 attempt(s): 503") {
		t.Fatalf("dispatcher notes not recognised")
	}
	for _, notes := range []string{"", "captcha tidak terbaca", "forwarded to automation worker"} {
		if IsDispatchFailure(notes) {
			t.Fatalf("%q treated as dispatcher notes", notes)
		}
	}
}
