package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/juanfont/impersonate/database"
	"github.com/juanfont/impersonate/impersonate"
	"github.com/juanfont/impersonate/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	opts  [][]asynq.Option
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	f.opts = append(f.opts, opts)
	return &asynq.TaskInfo{ID: uuid.NewString(), Type: task.Type(), Payload: task.Payload()}, nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) interface{} {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func TestExpirySchedulerEnqueues(t *testing.T) {
	fake := &fakeEnqueuer{}
	s := NewExpiryScheduler(NewClientWithEnqueuer(fake), 30*time.Minute)

	since := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	ev := impersonate.Event{
		ImpersonatorID:  uuid.New(),
		ImpersonatingID: uuid.New(),
		SessionKey:      "abc123",
		StartedAt:       since,
		At:              since,
	}
	require.NoError(t, s.ImpersonationBegan(context.Background(), ev))
	require.Len(t, fake.tasks, 1)

	task := fake.tasks[0]
	assert.Equal(t, TaskTypeExpireImpersonation, task.Type())

	var p ExpireImpersonationPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, ev.SessionKey, p.SessionKey)
	assert.Equal(t, ev.ImpersonatorID, p.ImpersonatorID)
	assert.True(t, p.ExpiresAt.Equal(since.Add(30*time.Minute)))

	assert.Equal(t, ExpiryTaskID("abc123"), optionValue(fake.opts[0], asynq.TaskIDOpt))
	assert.Equal(t, QueueImpersonation, optionValue(fake.opts[0], asynq.QueueOpt))
	processAt, ok := optionValue(fake.opts[0], asynq.ProcessAtOpt).(time.Time)
	require.True(t, ok)
	assert.True(t, processAt.Equal(since.Add(30*time.Minute)))

	require.NoError(t, s.ImpersonationEnded(context.Background(), ev))
	assert.Len(t, fake.tasks, 1)
}

func TestExpirySchedulerWithoutLimit(t *testing.T) {
	fake := &fakeEnqueuer{}
	s := NewExpiryScheduler(NewClientWithEnqueuer(fake), 0)

	require.NoError(t, s.ImpersonationBegan(context.Background(), impersonate.Event{SessionKey: "k", At: time.Now()}))
	assert.Empty(t, fake.tasks)
}

func TestExpirySchedulerErrors(t *testing.T) {
	ev := impersonate.Event{SessionKey: "k", At: time.Now()}

	conflict := NewExpiryScheduler(NewClientWithEnqueuer(&fakeEnqueuer{err: asynq.ErrTaskIDConflict}), time.Minute)
	assert.NoError(t, conflict.ImpersonationBegan(context.Background(), ev))

	down := NewExpiryScheduler(NewClientWithEnqueuer(&fakeEnqueuer{err: errors.New("connection refused")}), time.Minute)
	assert.ErrorContains(t, down.ImpersonationBegan(context.Background(), ev), "connection refused")
}

func TestExpireHandler(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "impersonate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	admin := &types.User{ID: uuid.New(), Username: "root", Email: "root@example.com", IsAdmin: true}
	target := &types.User{ID: uuid.New(), Username: "alice", Email: "alice@example.com"}
	require.NoError(t, db.CreateUser(ctx, admin))
	require.NoError(t, db.CreateUser(ctx, target))

	since := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	l := &types.ImpersonationLog{
		ImpersonatorID:   admin.ID,
		ImpersonatingID:  target.ID,
		SessionKey:       "session1",
		SessionStartedAt: sql.NullTime{Time: since, Valid: true},
	}
	require.NoError(t, db.CreateImpersonationLog(ctx, l))

	payload, err := json.Marshal(ExpireImpersonationPayload{
		ImpersonatorID:  admin.ID,
		ImpersonatingID: target.ID,
		SessionKey:      "session1",
		StartedAt:       since,
		ExpiresAt:       since.Add(30 * time.Minute),
	})
	require.NoError(t, err)
	task := asynq.NewTask(TaskTypeExpireImpersonation, payload)

	h := NewExpireHandler(db)
	require.NoError(t, h.ProcessTask(ctx, task))

	got, err := db.GetImpersonationLog(ctx, l.ID)
	require.NoError(t, err)
	require.True(t, got.SessionEndedAt.Valid)
	assert.True(t, got.SessionEndedAt.Time.Equal(since.Add(30*time.Minute)))

	audit, err := db.ListAuditLogs(ctx, target.ID.String(), 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, types.ActionImpersonationExpired, audit[0].Action)
	assert.Equal(t, admin.ID, audit[0].ActorUserID.UUID)
	assert.Equal(t, "00:30:00", audit[0].Changes["duration"])
	assert.Equal(t, "worker", audit[0].Changes["source"])

	// A second run finds the session closed and writes nothing.
	require.NoError(t, h.ProcessTask(ctx, task))
	audit, err = db.ListAuditLogs(ctx, target.ID.String(), 10)
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestTaskHandlerBadPayload(t *testing.T) {
	h := NewExpireHandler(nil)

	err := h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeExpireImpersonation, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = h.ProcessTask(context.Background(), asynq.NewTask(TaskTypeExpireImpersonation, []byte("{}")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
