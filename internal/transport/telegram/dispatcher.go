package telegram

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"pacer/internal/task/queue"
	kit "pacer/internal/transport"
	logx "pacer/pkg/logx"
)

// Enqueuer accepts jobs without blocking.
type Enqueuer interface {
	Enqueue(job queue.Job) (string, error)
}

// Replier sends text back to a chat.
type Replier interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Dispatcher turns owner messages into queue jobs. Messages from anyone
// else are ignored; malformed commands and rejected jobs get a short reply.
type Dispatcher struct {
	Owners  func() []int64
	Queue   Enqueuer
	Replies Replier
	Log     logx.Logger
}

// Run consumes in until ctx is done or in is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan kit.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-in:
			if !ok {
				return nil
			}
			d.Handle(ctx, m)
		}
	}
}

// Handle processes one message.
func (d *Dispatcher) Handle(ctx context.Context, m kit.Message) {
	cmd, err := ParseCommand(m.Text)
	if errors.Is(err, ErrNotCommand) {
		return
	}
	if !d.isOwner(m.FromID) {
		d.Log.Debug("command from non-owner ignored", logx.Int64("from_id", m.FromID), logx.String("text", m.Text))
		return
	}
	to := kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
	if err != nil {
		d.reply(ctx, to, "bad command: "+err.Error())
		return
	}

	job := queue.Job{
		Action:     cmd.Action,
		Params:     cmd.Params,
		Source:     "telegram",
		Actor:      strconv.FormatInt(m.FromID, 10),
		EnqueuedAt: time.Now(),
		Reply: func(ctx context.Context, text string) {
			d.reply(ctx, to, text)
		},
	}
	id, err := d.Queue.Enqueue(job)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		d.reply(ctx, to, "busy, try again shortly")
	case errors.Is(err, queue.ErrUnknownAction):
		d.reply(ctx, to, "unknown action: "+cmd.Action)
	case err != nil:
		d.reply(ctx, to, "rejected: "+err.Error())
	default:
		d.Log.Info("command queued", logx.String("action", cmd.Action), logx.String("id", id), logx.Int64("from_id", m.FromID))
	}
}

func (d *Dispatcher) isOwner(id int64) bool {
	if d.Owners == nil {
		return false
	}
	return slices.Contains(d.Owners(), id)
}

func (d *Dispatcher) reply(ctx context.Context, to kit.ChatTarget, text string) {
	if d.Replies == nil {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if _, err := d.Replies.SendText(cctx, to, text, &kit.SendOptions{DisablePreview: true}); err != nil {
		d.Log.Warn("reply failed", logx.Err(err))
	}
}
