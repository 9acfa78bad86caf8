package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tbourn/go-queue-registration/internal/domain"
)

func validRequest() RegistrationRequest {
	return RegistrationRequest{
		WhatsappID:    "6281234567890",
		Name:          "Noval FTR",
		NIK:           "3603192309880004",
		BranchCode:    "bintaro",
		DateRequested: "2025-11-01",
	}
}

func TestSubmit_PersistsPendingAndEnqueues(t *testing.T) {
	st, q := newFakeStore(), &fakeQueue{}
	s := NewRegistrationService(st, q, nil)

	id, err := s.Submit(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec := st.recs[id]
	if rec == nil || rec.Status != domain.StatusPending {
		t.Fatalf("expected pending record, got %+v", rec)
	}
	if rec.BranchCode != "BINTARO" {
		t.Fatalf("branch not upper-cased: %q", rec.BranchCode)
	}
	if rec.Name == nil || *rec.Name != "Noval FTR" {
		t.Fatalf("name not stored: %+v", rec.Name)
	}
	if len(q.ids) != 1 || q.ids[0] != id {
		t.Fatalf("enqueued %v; want [%d]", q.ids, id)
	}
}

func TestSubmit_EmptyNameStoredAsNil(t *testing.T) {
	st := newFakeStore()
	s := NewRegistrationService(st, &fakeQueue{}, nil)
	req := validRequest()
	req.Name = "   "

	id, err := s.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if st.recs[id].Name != nil {
		t.Fatalf("expected nil name, got %q", *st.recs[id].Name)
	}
}

func TestSubmit_ValidationEnumeratesAllFields(t *testing.T) {
	st, q := newFakeStore(), &fakeQueue{}
	s := NewRegistrationService(st, q, nil)

	_, err := s.Submit(context.Background(), RegistrationRequest{
		WhatsappID:    "",
		Name:          strings.Repeat("n", 256),
		NIK:           "36031923098800",
		BranchCode:    "",
		DateRequested: "2025/11/01",
	})
	ve, ok := AsValidationError(err)
	if !ok {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	for _, f := range []string{"whatsapp_id", "name", "nik", "branch_code", "date_requested"} {
		if _, ok := ve.Fields[f]; !ok {
			t.Errorf("missing field %q in %v", f, ve.Fields)
		}
	}
	if len(st.recs) != 0 || len(q.ids) != 0 {
		t.Fatalf("nothing should be persisted or enqueued on validation failure")
	}
}

func TestValidate_NIKRules(t *testing.T) {
	s := NewRegistrationService(newFakeStore(), nil, nil)
	cases := map[string]bool{
		"3603192309880004":  true,
		"360319230988000":   false, // 15 digits
		"36031923098800041": false, // 17 digits
		"36031923O9880004":  false, // letter O
		"+603192309880004":  false, // sign
		"3603192309.80004":  false,
	}
	for nik, want := range cases {
		req := validRequest()
		req.NIK = nik
		err := s.Validate(req.Normalize())
		if (err == nil) != want {
			t.Errorf("NIK %q: valid=%v, want %v (err=%v)", nik, err == nil, want, err)
		}
	}
}

func TestValidate_DateAndLengths(t *testing.T) {
	s := NewRegistrationService(newFakeStore(), nil, nil)

	bad := []func(*RegistrationRequest){
		func(r *RegistrationRequest) { r.DateRequested = "2025-13-01" },
		func(r *RegistrationRequest) { r.DateRequested = "01-11-2025" },
		func(r *RegistrationRequest) { r.WhatsappID = "6281234567890123" }, // 16 chars
		func(r *RegistrationRequest) { r.BranchCode = strings.Repeat("B", 21) },
	}
	for i, mut := range bad {
		req := validRequest()
		mut(&req)
		if err := s.Validate(req.Normalize()); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func TestSubmit_EnqueueFailureIsNotAnError(t *testing.T) {
	st := newFakeStore()
	s := NewRegistrationService(st, &fakeQueue{err: errBoom}, nil)

	id, err := s.Submit(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if st.recs[id].Status != domain.StatusPending {
		t.Fatalf("record should stay pending for the orphan sweep")
	}
}

func TestSubmit_PersistFailurePropagates(t *testing.T) {
	st := newFakeStore()
	st.createErr = errBoom
	q := &fakeQueue{}
	s := NewRegistrationService(st, q, nil)

	if _, err := s.Submit(context.Background(), validRequest()); !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped errBoom, got %v", err)
	}
	if len(q.ids) != 0 {
		t.Fatalf("nothing should be enqueued when persist fails")
	}
}

func TestSubmitOnce_ReplaysSameID(t *testing.T) {
	st, q := newFakeStore(), &fakeQueue{}
	keys := newFakeKeys(st)
	s := NewRegistrationService(st, q, keys)
	ctx := context.Background()

	id1, replayed, err := s.SubmitOnce(ctx, "k-1", validRequest())
	if err != nil || replayed {
		t.Fatalf("first SubmitOnce = (%d, %v, %v)", id1, replayed, err)
	}
	id2, replayed, err := s.SubmitOnce(ctx, "k-1", validRequest())
	if err != nil || !replayed || id2 != id1 {
		t.Fatalf("replay = (%d, %v, %v); want (%d, true, nil)", id2, replayed, err, id1)
	}
	if len(st.recs) != 1 || len(q.ids) != 1 {
		t.Fatalf("replay must not persist or enqueue again")
	}

	id3, _, _ := s.SubmitOnce(ctx, "", validRequest())
	if id3 == id1 {
		t.Fatalf("empty key should behave like Submit")
	}
}

func TestGet_NotFoundMapsToServiceError(t *testing.T) {
	s := NewRegistrationService(newFakeStore(), nil, nil)
	if _, err := s.Get(context.Background(), 42); !errors.Is(err, ErrRegistrationNotFound) {
		t.Fatalf("expected ErrRegistrationNotFound, got %v", err)
	}
}

func TestListByRequester_DefaultsAndOrder(t *testing.T) {
	st := newFakeStore()
	a := st.seed(domain.StatusPending)
	b := st.seed(domain.StatusPending)
	s := NewRegistrationService(st, nil, nil)

	items, total, err := s.ListByRequester(context.Background(), "62811", 0, 0)
	if err != nil || total != 2 {
		t.Fatalf("ListByRequester = (%v, %d, %v)", items, total, err)
	}
	if items[0].ID != b || items[1].ID != a {
		t.Fatalf("expected newest first, got %+v", items)
	}

	empty, total, err := s.ListByRequester(context.Background(), "nobody", 1, 10)
	if err != nil || total != 0 || empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil page, got (%v, %d, %v)", empty, total, err)
	}
}

func TestValidationError_MessageIsSorted(t *testing.T) {
	ve := &ValidationError{Fields: map[string]string{"nik": "bad", "branch_code": "bad"}}
	if got := ve.Error(); got != "validation failed: branch_code: bad; nik: bad" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestSubmitOnce_KeyStoreFailureIsReturned(t *testing.T) {
	st, q := newFakeStore(), &fakeQueue{}
	keys := newFakeKeys(st)
	keys.createErr = errBoom
	s := NewRegistrationService(st, q, keys)

	if _, _, err := s.SubmitOnce(context.Background(), "k-1", validRequest()); !errors.Is(err, errBoom) {
		t.Fatalf("expected wrapped errBoom, got %v", err)
	}
	if len(st.recs) != 0 || len(q.ids) != 0 {
		t.Fatalf("failed key write must not persist or enqueue")
	}
}
