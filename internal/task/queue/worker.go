package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pacer/internal/eventbus"
	"pacer/internal/storage"
	logx "pacer/pkg/logx"
)

const sessionOwner = "command-worker"

// Run is the single consumer. It pops with the poll interval as timeout so
// housekeeping also runs while the queue is idle. It returns when ctx is
// done.
func (s *Service[S]) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	s.log.Info("command worker started", logx.Int("queue", cap(s.q)))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("command worker stopped", logx.Int("discarded", len(s.q)))
			return nil
		case job := <-s.q:
			s.execOne(ctx, job)
		case <-t.C:
			if s.housekeeping != nil {
				s.housekeeping(ctx)
			}
		}
	}
}

func (s *Service[S]) execOne(ctx context.Context, job Job) {
	start := time.Now()
	delay := start.Sub(job.EnqueuedAt)
	if delay < 0 {
		delay = 0
	}
	reg, ok := s.lookup(job.Action)
	var (
		text string
		err  error
	)
	if !ok {
		err = fmt.Errorf("%w: %s", ErrUnknownAction, job.Action)
	} else {
		text, err = s.run(ctx, reg, job)
	}
	took := time.Since(start)
	s.processed.Add(1)

	item := HistoryItem{
		ID: job.ID, Action: job.Action, Source: job.Source, Actor: job.Actor,
		Started: start, QueueDelay: delay, Took: took,
	}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("job failed", logx.String("action", job.Action), logx.String("id", job.ID), logx.Err(err))
	} else {
		s.log.Debug("job done", logx.String("action", job.Action), logx.String("id", job.ID), logx.Duration("took", took))
	}
	s.appendHistory(item)
	s.record(ctx, job, took, err)

	if job.Reply != nil {
		if err != nil {
			text = "error: " + err.Error()
		}
		if text != "" {
			job.Reply(ctx, text)
		}
	}
}

func (s *Service[S]) run(ctx context.Context, reg registration[S], job Job) (text string, err error) {
	jctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", job.Action, r)
		}
	}()

	var session S
	if job.NeedsSession && s.arb != nil {
		l, err := s.arb.Acquire(jctx, sessionOwner)
		if err != nil {
			return "", fmt.Errorf("session unavailable: %w", err)
		}
		defer l.Release()
		session = l.Session()
	}
	return reg.h(jctx, job, session)
}

func (s *Service[S]) record(ctx context.Context, job Job, took time.Duration, err error) {
	if s.bus != nil {
		d := eventbus.JobData{JobID: job.ID, Action: job.Action, Source: job.Source, OK: err == nil, Took: took}
		if err != nil {
			d.Err = err.Error()
		}
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeJobFinished, Data: d})
	}
	if s.audit == nil {
		return
	}
	e := storage.AuditEntry{
		At:     job.EnqueuedAt,
		JobID:  job.ID,
		Source: job.Source,
		Actor:  job.Actor,
		Action: job.Action,
		OK:     err == nil,
		TookMS: took.Milliseconds(),
	}
	if len(job.Params) > 0 {
		if b, mErr := json.Marshal(job.Params); mErr == nil {
			e.Params = string(b)
		}
	}
	if err != nil {
		e.Error = err.Error()
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if aErr := s.audit.AppendAudit(actx, e); aErr != nil {
		s.log.Debug("audit write failed", logx.Err(aErr))
	}
}
