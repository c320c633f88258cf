package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/betbot/stakepilot/internal/domain"
)

type fakeReporter struct {
	elapsed float64
	tables  int
	err     error
}

func (f *fakeReporter) LastObserved() (float64, int) { return f.elapsed, f.tables }

func (f *fakeReporter) MissionSnapshot(_ context.Context, elapsed float64, tables int) (domain.MissionSnapshot, error) {
	if f.err != nil {
		return domain.MissionSnapshot{}, f.err
	}
	return domain.MissionSnapshot{ActiveTables: tables, WarmUpActive: elapsed < 10}, nil
}

func (f *fakeReporter) MissionEvaluation(_ context.Context, elapsed float64, tables int) (domain.Evaluation, error) {
	return domain.Evaluation{Message: "Neutral", Velocity: elapsed, Color: "green"}, nil
}

func TestRunReportNow(t *testing.T) {
	rep := &fakeReporter{elapsed: 42, tables: 6}
	s := NewScheduler(context.Background(), rep)

	var got Report
	s.OnReport(func(r Report) { got = r })

	r, err := s.RunReportNow()
	if err != nil {
		t.Fatal(err)
	}
	if r.Snapshot.ActiveTables != 6 || r.Evaluation.Velocity != 42 {
		t.Fatalf("report got=%+v", r)
	}
	if got.Evaluation.Message != "Neutral" {
		t.Fatalf("sink not called: %+v", got)
	}
	last, ok := s.Last()
	if !ok || last.Snapshot.ActiveTables != 6 {
		t.Fatalf("last got=%+v ok=%v", last, ok)
	}
}

func TestRunReportError(t *testing.T) {
	s := NewScheduler(context.Background(), &fakeReporter{err: errors.New("store down")})
	if _, err := s.RunReportNow(); err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := s.Last(); ok {
		t.Fatalf("failed report must not be recorded")
	}
}

func TestRegisterRejectsBadCronExpr(t *testing.T) {
	s := NewScheduler(context.Background(), &fakeReporter{})
	if err := s.Register("not a cron"); err == nil {
		t.Fatalf("expected parse error")
	}
	if err := s.Register("0 */1 * * * *"); err != nil {
		t.Fatal(err)
	}
	if len(s.Cron.Entries()) != 1 {
		t.Fatalf("entries got=%d", len(s.Cron.Entries()))
	}
}
