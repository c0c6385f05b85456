package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAddJobReusesChatRef(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	minDate := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	job, created, err := s.AddJob(ctx, "@example", minDate)
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if !created || job.State != JobPending || !job.MinDate.Equal(minDate) {
		t.Fatalf("job = %+v created=%v", job, created)
	}

	if err = s.MarkJobInProgress(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err = s.MarkJobIdle(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	again, created, err := s.AddJob(ctx, " @example ", time.Time{})
	if err != nil {
		t.Fatalf("AddJob again: %v", err)
	}
	if created || again.ID != job.ID {
		t.Fatalf("AddJob created a second job: %+v", again)
	}
	if again.State != JobPending || !again.MinDate.Equal(minDate) {
		t.Fatalf("reactivated job = %+v", again)
	}
}

func TestJobTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job, _, err := s.AddJob(ctx, "12345", time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	if err = s.RetryJob(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("RetryJob on pending job error = %v, want ErrInvalidTransition", err)
	}
	if err = s.MarkJobInProgress(ctx, job.ID); err != nil {
		t.Fatal(err)
	}
	if err = s.MarkJobInProgress(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second MarkJobInProgress error = %v", err)
	}
	if err = s.MarkJobError(ctx, job.ID, "PermissionError: admin rights required"); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != JobError || got.LastError != "PermissionError: admin rights required" {
		t.Fatalf("job = %+v", got)
	}
	if err = s.RetryJob(ctx, job.ID); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	got, _ = s.GetJob(ctx, job.ID)
	if got.State != JobPending || got.LastError != "" {
		t.Fatalf("job after retry = %+v", got)
	}
	if err = s.RetryJob(ctx, 999); !IsNotFound(err) {
		t.Fatalf("RetryJob(999) error = %v, want NotFoundError", err)
	}
}

func TestAnchorNeverMovesForward(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job, _, err := s.AddJob(ctx, "@example", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	steps := []struct {
		id   int64
		want int64
	}{
		{500, 500},
		{300, 300},
		{400, 300},
		{300, 300},
		{100, 100},
		{900, 100},
	}
	for _, step := range steps {
		err = s.SetJobAnchor(ctx, job.ID, step.id, base.Add(time.Duration(step.id)*time.Minute))
		if err != nil {
			t.Fatal(err)
		}
		got, _ := s.GetJob(ctx, job.ID)
		if got.AnchorMessageID != step.want {
			t.Fatalf("after anchor %d: anchor = %d, want %d", step.id, got.AnchorMessageID, step.want)
		}
	}
}

func TestIngestWithProgressIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job, _, err := s.AddJob(ctx, "1", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	ts := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	bad := []Message{testMessage(1, 20, ts, "ok"), {ChannelID: 1}}
	_, err = s.IngestMessages(ctx, bad, &JobProgress{JobID: job.ID, AnchorMessageID: 20, AnchorTime: ts, Fetched: 2})
	if err == nil {
		t.Fatalf("IngestMessages accepted a message without id")
	}
	assertCount(t, s, `SELECT COUNT(*) FROM messages`, 0)
	got, _ := s.GetJob(ctx, job.ID)
	if got.AnchorMessageID != 0 || got.Fetched != 0 {
		t.Fatalf("job progress leaked from failed batch: %+v", got)
	}

	good := []Message{testMessage(1, 20, ts, "ok"), testMessage(1, 19, ts.Add(-time.Minute), "older")}
	if _, err = s.IngestMessages(ctx, good, &JobProgress{JobID: job.ID, AnchorMessageID: 19, AnchorTime: ts.Add(-time.Minute), Fetched: 2}); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetJob(ctx, job.ID)
	if got.AnchorMessageID != 19 || got.Fetched != 2 {
		t.Fatalf("job = %+v, want anchor 19 fetched 2", got)
	}
}

func TestResetInProgressAndCounts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, _, _ := s.AddJob(ctx, "a", time.Time{})
	b, _, _ := s.AddJob(ctx, "b", time.Time{})
	c, _, _ := s.AddJob(ctx, "c", time.Time{})
	_ = s.MarkJobInProgress(ctx, a.ID)
	_ = s.SetJobAnchor(ctx, a.ID, 77, time.Now())
	_ = s.MarkJobInProgress(ctx, b.ID)
	_ = s.MarkJobIdle(ctx, b.ID)
	_ = s.MarkJobInProgress(ctx, c.ID)
	_ = s.MarkJobError(ctx, c.ID, "boom")

	counts, err := s.CountJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts != (JobCounts{InProgress: 1, Idle: 1, Error: 1}) {
		t.Fatalf("counts = %+v", counts)
	}
	n, err := s.ResetInProgressJobs(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ResetInProgressJobs = %d, %v", n, err)
	}
	got, _ := s.GetJob(ctx, a.ID)
	if got.State != JobPending || got.AnchorMessageID != 77 {
		t.Fatalf("reset job = %+v, want pending with anchor 77", got)
	}
}

func TestNextDueJobFIFOAndBackoff(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	first, _, _ := s.AddJob(ctx, "first", time.Time{})
	second, _, _ := s.AddJob(ctx, "second", time.Time{})
	now := time.Now()

	job, _, err := s.NextDueJob(ctx, now)
	if err != nil || job == nil || job.ID != first.ID {
		t.Fatalf("NextDueJob = %+v, %v; want first job", job, err)
	}
	_ = s.MarkJobInProgress(ctx, first.ID)
	_ = s.RequeueJob(ctx, first.ID, 1, now.Add(time.Minute), "TransientFetchError: rate limited")

	job, _, err = s.NextDueJob(ctx, now)
	if err != nil || job == nil || job.ID != second.ID {
		t.Fatalf("NextDueJob = %+v, %v; want second job while first backs off", job, err)
	}
	_ = s.MarkJobInProgress(ctx, second.ID)
	_ = s.MarkJobIdle(ctx, second.ID)

	job, wake, err := s.NextDueJob(ctx, now)
	if err != nil || job != nil {
		t.Fatalf("NextDueJob = %+v, %v; want none due", job, err)
	}
	if wake.UnixMilli() != now.Add(time.Minute).UnixMilli() {
		t.Fatalf("wake = %v, want %v", wake, now.Add(time.Minute))
	}
}

func TestRequeueJobWithoutDelay(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	job, _, _ := s.AddJob(ctx, "@example", time.Time{})
	_ = s.MarkJobInProgress(ctx, job.ID)
	if err := s.RequeueJob(ctx, job.ID, 0, time.Time{}, ""); err != nil {
		t.Fatalf("RequeueJob: %v", err)
	}
	assertCount(t, s, `SELECT COUNT(*) FROM sync_jobs WHERE id=$1 AND next_run_ts=0`, 1, job.ID)

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if !got.NextRunAt.IsZero() {
		t.Fatalf("NextRunAt got=%v want zero", got.NextRunAt)
	}
	due, _, err := s.NextDueJob(ctx, time.Now())
	if err != nil || due == nil || due.ID != job.ID {
		t.Fatalf("NextDueJob got=%+v err=%v want job %d", due, err, job.ID)
	}
}
