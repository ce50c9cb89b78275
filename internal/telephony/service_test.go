package telephony

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"wakecall/internal/faults"
	"wakecall/internal/storage"
	logx "wakecall/pkg/logx"
)

type fakeDriver struct {
	calls atomic.Int32
	err   error
	gate  chan struct{}
}

func (*fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Create(ctx context.Context, c Call) (Acceptance, error) {
	d.calls.Add(1)
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return Acceptance{}, d.err
	}
	return Acceptance{SID: "CA1", Status: "queued"}, nil
}

func newTestService(t *testing.T, d Driver) *Service {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewWithDriver(Config{RatePerSec: 1000, Burst: 100}, d, st, logx.Nop())
}

func TestValidateNumber(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in string
		ok bool
	}{
		{"+15551234567", true},
		{"+442071838750", true},
		{"15551234567", false},
		{"+0123", false},
		{"+1 555 123 4567", false},
		{"", false},
		{"+1234567890123456", false},
	}
	for _, tc := range cases {
		err := ValidateNumber(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("ValidateNumber(%q) = %v, want ok=%v", tc.in, err, tc.ok)
		}
		if err != nil && !faults.IsValidation(err) {
			t.Errorf("ValidateNumber(%q) kind = %s, want validation", tc.in, faults.KindOf(err))
		}
	}
}

func TestMalformedNumberNeverReachesDriver(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{}
	s := newTestService(t, d)
	_, err := s.PlaceCall(context.Background(), Call{To: "555-1234", IdempotencyKey: "k"})
	if !faults.IsValidation(err) {
		t.Fatalf("want validation error, got %v", err)
	}
	if n := d.calls.Load(); n != 0 {
		t.Fatalf("driver called %d times", n)
	}
}

func TestAcceptedKeyIsDeduplicated(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{}
	s := newTestService(t, d)
	ctx := context.Background()

	acc, err := s.PlaceCall(ctx, Call{To: "+15551234567", IdempotencyKey: "rec@2026-01-01T07:00:00Z"})
	if err != nil || acc.Duplicate || acc.SID != "CA1" {
		t.Fatalf("first placement: %+v %v", acc, err)
	}
	acc, err = s.PlaceCall(ctx, Call{To: "+15551234567", IdempotencyKey: "rec@2026-01-01T07:00:00Z"})
	if err != nil || !acc.Duplicate {
		t.Fatalf("second placement: %+v %v", acc, err)
	}
	if n := d.calls.Load(); n != 1 {
		t.Fatalf("driver calls: got %d want 1", n)
	}

	if _, err := s.PlaceCall(ctx, Call{To: "+15551234567", IdempotencyKey: "rec@2026-01-02T07:00:00Z"}); err != nil {
		t.Fatalf("next instant: %v", err)
	}
	if n := d.calls.Load(); n != 2 {
		t.Fatalf("driver calls: got %d want 2", n)
	}
}

func TestFailedPlacementIsNotDeduplicated(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{err: errors.New("connection reset")}
	s := newTestService(t, d)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.PlaceCall(ctx, Call{To: "+15551234567", IdempotencyKey: "k"})
		if !faults.IsTransient(err) {
			t.Fatalf("attempt %d: want transient, got %v", i, err)
		}
	}
	if n := d.calls.Load(); n != 2 {
		t.Fatalf("driver calls: got %d want 2", n)
	}
}

func TestConcurrentSameKeyShareOnePlacement(t *testing.T) {
	t.Parallel()
	d := &fakeDriver{gate: make(chan struct{})}
	s := newTestService(t, d)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.PlaceCall(context.Background(), Call{To: "+15551234567", IdempotencyKey: "same"}); err != nil {
				t.Errorf("PlaceCall: %v", err)
			}
		}()
	}
	for d.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(d.gate)
	wg.Wait()
	if n := d.calls.Load(); n != 1 {
		t.Fatalf("driver calls: got %d want 1", n)
	}
}

func TestLateTwilioAcceptanceIsDeduplicated(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	gate := make(chan struct{})
	d := &twilioDriver{
		from: "+15550000000",
		create: func(*api.CreateCallParams) (*api.ApiV2010Call, error) {
			calls.Add(1)
			<-gate
			sid, status := "CA9", "queued"
			return &api.ApiV2010Call{Sid: &sid, Status: &status}, nil
		},
	}
	s := newTestService(t, d)
	call := Call{To: "+15551234567", IdempotencyKey: "rec@2026-01-01T07:00:00Z"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.PlaceCall(ctx, call); !faults.IsTransient(err) {
		t.Fatalf("timed out placement: want transient, got %v", err)
	}

	// The provider accepts the abandoned request.
	close(gate)
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, ok, err := s.dedup.GetDedup(context.Background(), call.IdempotencyKey)
		if err != nil {
			t.Fatalf("GetDedup: %v", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("late acceptance never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}

	acc, err := s.PlaceCall(context.Background(), call)
	if err != nil || !acc.Duplicate {
		t.Fatalf("retry: %+v %v", acc, err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("provider calls: got %d want 1", n)
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()
	base := errors.New("x")
	cases := []struct {
		status int
		want   faults.Kind
	}{
		{400, faults.KindPermanent},
		{401, faults.KindPermanent},
		{404, faults.KindPermanent},
		{429, faults.KindTransient},
		{500, faults.KindTransient},
		{503, faults.KindTransient},
	}
	for _, tc := range cases {
		if got := faults.KindOf(classifyStatus(tc.status, base)); got != tc.want {
			t.Errorf("status %d: got %s want %s", tc.status, got, tc.want)
		}
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	if _, err := New(Config{Driver: "twilio", From: "+15550000000", URL: "https://example.com/twiml"}, nil, logx.Nop()); err == nil {
		t.Fatalf("want error without credentials")
	}
	if _, err := New(Config{}, nil, logx.Nop()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("empty driver: got %v want ErrDisabled", err)
	}
}
