package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type JobState string

const (
	JobPending    JobState = "pending"
	JobInProgress JobState = "in_progress"
	JobIdle       JobState = "idle"
	JobError      JobState = "error"
)

// Job is a persisted backfill job. The anchor is the oldest message already
// stored for the channel when progress was last recorded; it only moves
// further back.
type Job struct {
	ID              int64     `json:"id"`
	ChatRef         string    `json:"chat_ref"`
	ChannelID       *int64    `json:"channel_id,omitempty"`
	MinDate         time.Time `json:"min_date,omitzero"`
	State           JobState  `json:"state"`
	AnchorMessageID int64     `json:"anchor_message_id,omitempty"`
	AnchorTime      time.Time `json:"anchor_time,omitzero"`
	Attempts        int       `json:"attempts"`
	NextRunAt       time.Time `json:"next_run_at,omitzero"`
	Fetched         int64     `json:"fetched"`
	LastError       string    `json:"last_error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type JobCounts struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Idle       int `json:"idle"`
	Error      int `json:"error"`
}

// ErrInvalidTransition is returned when a job isn't in the state an
// explicit request needs.
var ErrInvalidTransition = errors.New("invalid job state transition")

const jobSelectCols = `id, chat_ref, channel_id, min_date_ts, state, anchor_message_id, anchor_ts,
	attempts, next_run_ts, fetched, COALESCE(last_error, ''), created_ts, updated_ts`

// AddJob creates a job for chatRef. There is one job per chat reference: if
// it already exists its min_date is replaced (when given) and an idle or
// failed job is reactivated. The bool result reports whether a row was created.
func (s *Store) AddJob(ctx context.Context, chatRef string, minDate time.Time) (*Job, bool, error) {
	chatRef = strings.TrimSpace(chatRef)
	if chatRef == "" {
		return nil, false, fmt.Errorf("chat reference is empty")
	}
	var minDateTS any
	if !minDate.IsZero() {
		minDateTS = minDate.UnixMilli()
	}
	created := false
	var id int64
	err := s.withTx(ctx, func(ctx context.Context) error {
		nowMS := time.Now().UnixMilli()
		err := s.db.QueryRow(ctx, `SELECT id FROM sync_jobs WHERE chat_ref=$1`, chatRef).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			res, err := s.db.Exec(ctx, `
				INSERT INTO sync_jobs (chat_ref, min_date_ts, state, created_ts, updated_ts)
				VALUES ($1, $2, $3, $4, $5)
			`, chatRef, minDateTS, string(JobPending), nowMS, nowMS)
			if err != nil {
				return err
			}
			created = true
			id, err = res.LastInsertId()
			return err
		} else if err != nil {
			return err
		}
		_, err = s.db.Exec(ctx, `
			UPDATE sync_jobs SET
				min_date_ts=COALESCE($1, min_date_ts),
				state=CASE WHEN state IN ('idle', 'error') THEN 'pending' ELSE state END,
				attempts=CASE WHEN state IN ('idle', 'error') THEN 0 ELSE attempts END,
				next_run_ts=CASE WHEN state IN ('idle', 'error') THEN 0 ELSE next_run_ts END,
				last_error=CASE WHEN state IN ('idle', 'error') THEN NULL ELSE last_error END,
				updated_ts=$2
			WHERE id=$3
		`, minDateTS, nowMS, id)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to add job: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	return job, created, err
}

func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	jobs, err := s.queryJobs(ctx, `WHERE id=$1`, id)
	if err != nil {
		return nil, err
	} else if len(jobs) == 0 {
		return nil, &NotFoundError{Kind: "job", Key: strconv.FormatInt(id, 10)}
	}
	return &jobs[0], nil
}

func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx, `ORDER BY id ASC`)
}

// NextDueJob returns the oldest pending job whose backoff has elapsed. If
// pending jobs exist but none is due yet, it returns nil and the earliest
// time one becomes due.
func (s *Store) NextDueJob(ctx context.Context, now time.Time) (*Job, time.Time, error) {
	jobs, err := s.queryJobs(ctx, `WHERE state='pending' AND next_run_ts<=$1 ORDER BY id ASC LIMIT 1`, now.UnixMilli())
	if err != nil {
		return nil, time.Time{}, err
	} else if len(jobs) > 0 {
		return &jobs[0], time.Time{}, nil
	}
	var next sql.NullInt64
	err = s.db.QueryRow(ctx, `SELECT MIN(next_run_ts) FROM sync_jobs WHERE state='pending'`).Scan(&next)
	if err != nil || !next.Valid {
		return nil, time.Time{}, err
	}
	return nil, time.UnixMilli(next.Int64), nil
}

// MarkJobInProgress moves a pending job to in_progress.
func (s *Store) MarkJobInProgress(ctx context.Context, id int64) error {
	return s.transition(ctx, id, `state='in_progress'`, `state='pending'`)
}

// SetJobChannel records the resolved channel of a job.
func (s *Store) SetJobChannel(ctx context.Context, id, channelID int64) error {
	return s.exec(ctx, `UPDATE sync_jobs SET channel_id=$1, updated_ts=$2 WHERE id=$3`,
		channelID, time.Now().UnixMilli(), id)
}

// SetJobAnchor moves the anchor back to messageID. An anchor that would move
// forward is ignored.
func (s *Store) SetJobAnchor(ctx context.Context, id, messageID int64, ts time.Time) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		return s.applyJobProgressTx(ctx, &JobProgress{JobID: id, AnchorMessageID: messageID, AnchorTime: ts})
	})
}

func (s *Store) applyJobProgressTx(ctx context.Context, p *JobProgress) error {
	nowMS := time.Now().UnixMilli()
	if p.AnchorMessageID > 0 {
		_, err := s.db.Exec(ctx, `
			UPDATE sync_jobs SET anchor_message_id=$1, anchor_ts=$2, updated_ts=$3
			WHERE id=$4 AND (anchor_message_id IS NULL OR anchor_message_id>$5)
		`, p.AnchorMessageID, p.AnchorTime.UnixMilli(), nowMS, p.JobID, p.AnchorMessageID)
		if err != nil {
			return fmt.Errorf("failed to advance job anchor: %w", err)
		}
	}
	_, err := s.db.Exec(ctx, `UPDATE sync_jobs SET fetched=fetched+$1, attempts=0, updated_ts=$2 WHERE id=$3`,
		p.Fetched, nowMS, p.JobID)
	return err
}

// RequeueJob returns an in-progress job to pending after a transient failure.
// The anchor is kept. A zero nextRun makes the job due immediately.
func (s *Store) RequeueJob(ctx context.Context, id int64, attempts int, nextRun time.Time, reason string) error {
	var nextRunTS int64
	if !nextRun.IsZero() {
		nextRunTS = nextRun.UnixMilli()
	}
	return s.exec(ctx, `
		UPDATE sync_jobs SET state='pending', attempts=$1, next_run_ts=$2, last_error=NULLIF($3, ''), updated_ts=$4
		WHERE id=$5
	`, attempts, nextRunTS, reason, time.Now().UnixMilli(), id)
}

// MarkJobIdle finishes a job whose history is exhausted.
func (s *Store) MarkJobIdle(ctx context.Context, id int64) error {
	return s.exec(ctx, `
		UPDATE sync_jobs SET state='idle', attempts=0, next_run_ts=0, last_error=NULL, updated_ts=$1 WHERE id=$2
	`, time.Now().UnixMilli(), id)
}

// MarkJobError stops a job with a fatal reason.
func (s *Store) MarkJobError(ctx context.Context, id int64, reason string) error {
	return s.exec(ctx, `
		UPDATE sync_jobs SET state='error', last_error=$1, updated_ts=$2 WHERE id=$3
	`, reason, time.Now().UnixMilli(), id)
}

// RetryJob moves a failed job back to pending.
func (s *Store) RetryJob(ctx context.Context, id int64) error {
	return s.transition(ctx, id,
		`state='pending', attempts=0, next_run_ts=0, last_error=NULL`, `state='error'`)
}

// ResumeJob reactivates an idle job, e.g. after its min_date was moved back.
func (s *Store) ResumeJob(ctx context.Context, id int64) error {
	return s.transition(ctx, id, `state='pending', attempts=0, next_run_ts=0`, `state='idle'`)
}

// ResetInProgressJobs returns jobs left in_progress by a previous process to
// pending with their anchors intact.
func (s *Store) ResetInProgressJobs(ctx context.Context) (int64, error) {
	var n int64
	err := s.withTx(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `UPDATE sync_jobs SET state='pending', updated_ts=$1 WHERE state='in_progress'`,
			time.Now().UnixMilli())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (s *Store) CountJobs(ctx context.Context) (JobCounts, error) {
	var counts JobCounts
	rows, err := s.db.Query(ctx, `SELECT state, COUNT(*) FROM sync_jobs GROUP BY state`)
	if err != nil {
		return counts, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err = rows.Scan(&state, &n); err != nil {
			return counts, err
		}
		switch JobState(state) {
		case JobPending:
			counts.Pending = n
		case JobInProgress:
			counts.InProgress = n
		case JobIdle:
			counts.Idle = n
		case JobError:
			counts.Error = n
		}
	}
	return counts, rows.Err()
}

func (s *Store) transition(ctx context.Context, id int64, set, from string) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		res, err := s.db.Exec(ctx, `UPDATE sync_jobs SET `+set+`, updated_ts=$1 WHERE id=$2 AND `+from,
			time.Now().UnixMilli(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var state string
		err = s.db.QueryRow(ctx, `SELECT state FROM sync_jobs WHERE id=$1`, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return &NotFoundError{Kind: "job", Key: strconv.FormatInt(id, 10)}
		} else if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %d is %s", ErrInvalidTransition, id, state)
	})
}

func (s *Store) queryJobs(ctx context.Context, where string, args ...any) ([]Job, error) {
	rows, err := s.db.Query(ctx, `SELECT `+jobSelectCols+` FROM sync_jobs `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var job Job
		var channelID, minDate, anchorID, anchorTS sql.NullInt64
		var state string
		var nextRun, created, updated int64
		if err = rows.Scan(
			&job.ID, &job.ChatRef, &channelID, &minDate, &state, &anchorID, &anchorTS,
			&job.Attempts, &nextRun, &job.Fetched, &job.LastError, &created, &updated,
		); err != nil {
			return nil, err
		}
		job.State = JobState(state)
		if channelID.Valid {
			job.ChannelID = &channelID.Int64
		}
		if minDate.Valid {
			job.MinDate = time.UnixMilli(minDate.Int64).UTC()
		}
		if anchorID.Valid {
			job.AnchorMessageID = anchorID.Int64
		}
		if anchorTS.Valid {
			job.AnchorTime = time.UnixMilli(anchorTS.Int64)
		}
		if nextRun > 0 {
			job.NextRunAt = time.UnixMilli(nextRun)
		}
		job.CreatedAt = time.UnixMilli(created)
		job.UpdatedAt = time.UnixMilli(updated)
		out = append(out, job)
	}
	return out, rows.Err()
}
