package job

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/menta2k/photo-cropper/pkg/region"
)

func TestJobHappyPath(t *testing.T) {
	j := New(region.Region{Width: 10, Height: 10, Unit: region.NaturalPixel}, "image/png", 80)
	if _, err := uuid.Parse(j.ID); err != nil {
		t.Errorf("Expected uuid job id, got %q", j.ID)
	}
	if j.State != Idle {
		t.Fatalf("Expected idle, got %s", j.State)
	}

	for _, s := range []State{Scheduled, Extracting, Encoding, Completed} {
		if err := j.Advance(s); err != nil {
			t.Fatalf("Advance(%s) failed: %v", s, err)
		}
	}
	if !j.State.Terminal() || j.FinishedAt.IsZero() {
		t.Errorf("Expected terminal state with finish time, got %s at %v", j.State, j.FinishedAt)
	}
	if j.Duration() < 0 {
		t.Errorf("unexpected negative duration %v", j.Duration())
	}
}

func TestJobRejectsInvalidTransitions(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{Idle, Extracting},
		{Idle, Completed},
		{Scheduled, Encoding},
		{Extracting, Completed},
		{Completed, Failed},
		{Failed, Scheduled},
		{Encoding, Idle},
	}

	for _, tc := range cases {
		j := &Job{State: tc.from}
		err := j.Advance(tc.to)
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tc.from, tc.to, err)
		}
		if j.State != tc.from {
			t.Errorf("%s -> %s: state changed to %s", tc.from, tc.to, j.State)
		}
	}
}

func TestJobFail(t *testing.T) {
	j := New(region.Region{}, "image/jpeg", 80)
	_ = j.Advance(Scheduled)
	_ = j.Advance(Extracting)

	cause := errors.New("boom")
	if err := j.Fail(cause); err != nil {
		t.Fatalf("Fail returned %v", err)
	}
	if j.State != Failed || !errors.Is(j.Err, cause) {
		t.Errorf("Expected failed job with cause, got %s %v", j.State, j.Err)
	}
	if err := j.Fail(cause); err == nil {
		t.Error("Expected failing a terminal job to error")
	}
}

func TestStateString(t *testing.T) {
	if Encoding.String() != "encoding" {
		t.Errorf("Expected encoding, got %s", Encoding)
	}
	if State(42).String() != "state(42)" {
		t.Errorf("unexpected string for unknown state: %s", State(42))
	}
}

func TestGuardSingleAdmission(t *testing.T) {
	var g Guard
	if !g.TryStart() {
		t.Fatal("Expected first start to be admitted")
	}
	if g.TryStart() {
		t.Fatal("Expected second start to be rejected")
	}
	if !g.Processing() {
		t.Error("Expected guard to report processing")
	}

	g.Finish()
	if g.Processing() {
		t.Error("Expected guard to be idle after Finish")
	}
	if !g.TryStart() {
		t.Error("Expected start after Finish to be admitted")
	}
	if g.Started() != 2 || g.Rejected() != 1 {
		t.Errorf("Expected 2 started and 1 rejected, got %d and %d", g.Started(), g.Rejected())
	}
}

func TestGuardStartReportsConcurrentJob(t *testing.T) {
	var g Guard
	if err := g.Start(); err != nil {
		t.Fatalf("Expected first start to be admitted, got %v", err)
	}
	if err := g.Start(); !errors.Is(err, ErrConcurrentJob) {
		t.Errorf("Expected ErrConcurrentJob, got %v", err)
	}
	g.Finish()
	if err := g.Start(); err != nil {
		t.Errorf("Expected start after Finish to be admitted, got %v", err)
	}
}

func TestGuardConcurrentTryStart(t *testing.T) {
	var g Guard
	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryStart() {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Errorf("Expected exactly one admission, got %d", admitted)
	}
	if g.Rejected() != 63 {
		t.Errorf("Expected 63 rejections, got %d", g.Rejected())
	}
}
