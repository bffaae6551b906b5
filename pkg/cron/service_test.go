package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helpers

type mockLauncher struct {
	mu       sync.Mutex
	started  []*Job
	events   []Event
	startErr error
	fired    chan Event
}

func newMockLauncher() *mockLauncher {
	return &mockLauncher{fired: make(chan Event, 16)}
}

func (m *mockLauncher) startSession(job *Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, job)
	if m.startErr != nil {
		return "", m.startErr
	}
	return fmt.Sprintf("sess-%d", len(m.started)), nil
}

func (m *mockLauncher) setStartErr(err error) {
	m.mu.Lock()
	m.startErr = err
	m.mu.Unlock()
}

func (m *mockLauncher) onEvent(evt Event) {
	m.mu.Lock()
	m.events = append(m.events, evt)
	m.mu.Unlock()
	if evt.Action == EventActionFired {
		m.fired <- evt
	}
}

func (m *mockLauncher) startedJobs() []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Job(nil), m.started...)
}

func (m *mockLauncher) waitFired(t *testing.T) Event {
	t.Helper()
	select {
	case evt := <-m.fired:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fired event")
		return Event{}
	}
}

func createTestService(t *testing.T) (*Service, *mockLauncher, string) {
	t.Helper()
	storePath := filepath.Join(t.TempDir(), "jobs.json")

	launcher := newMockLauncher()

	service, err := NewService(ServiceOptions{
		StorePath:    storePath,
		Enabled:      true,
		StartSession: launcher.startSession,
		OnEvent:      launcher.onEvent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = service.Stop() })

	return service, launcher, storePath
}

func createTestJob() AddParams {
	return AddParams{
		Name:    "Nightly summary",
		Enabled: true,
		Schedule: Schedule{
			Kind:    ScheduleKindEvery,
			EveryMs: 60000,
		},
		Session: SessionSpec{
			Prompt: "Summarize the day's sessions",
		},
	}
}

func TestNewService(t *testing.T) {
	t.Run("requires store path", func(t *testing.T) {
		_, err := NewService(ServiceOptions{StartSession: func(*Job) (string, error) { return "", nil }})
		assert.Error(t, err)
	})

	t.Run("requires start callback", func(t *testing.T) {
		_, err := NewService(ServiceOptions{StorePath: filepath.Join(t.TempDir(), "jobs.json")})
		assert.Error(t, err)
	})

	t.Run("starts with empty registry", func(t *testing.T) {
		service, _, _ := createTestService(t)
		assert.Empty(t, service.ListJobs(nil))
	})
}

func TestAddJob(t *testing.T) {
	t.Run("creates and persists job", func(t *testing.T) {
		service, launcher, storePath := createTestService(t)

		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		assert.NotEmpty(t, job.ID)
		assert.Equal(t, "Nightly summary", job.Name)
		require.NotNil(t, job.State.NextRunAtMs)
		assert.Greater(t, *job.State.NextRunAtMs, Now())

		data, err := os.ReadFile(storePath)
		require.NoError(t, err)
		var persisted []*Job
		require.NoError(t, json.Unmarshal(data, &persisted))
		require.Len(t, persisted, 1)
		assert.Equal(t, job.ID, persisted[0].ID)

		launcher.mu.Lock()
		defer launcher.mu.Unlock()
		require.NotEmpty(t, launcher.events)
		assert.Equal(t, EventActionAdded, launcher.events[0].Action)
	})

	t.Run("rejects missing name", func(t *testing.T) {
		service, _, _ := createTestService(t)
		params := createTestJob()
		params.Name = ""
		_, err := service.AddJob(params)
		assert.Error(t, err)
	})

	t.Run("rejects missing prompt", func(t *testing.T) {
		service, _, _ := createTestService(t)
		params := createTestJob()
		params.Session.Prompt = ""
		_, err := service.AddJob(params)
		assert.Error(t, err)
	})

	t.Run("rejects invalid schedule", func(t *testing.T) {
		service, _, _ := createTestService(t)
		params := createTestJob()
		params.Schedule = Schedule{Kind: ScheduleKindCron, Expr: "bogus"}
		_, err := service.AddJob(params)
		assert.Error(t, err)
	})
}

func TestUpdateJob(t *testing.T) {
	t.Run("applies patch fields", func(t *testing.T) {
		service, _, _ := createTestService(t)
		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		updated, err := service.UpdateJob(job.ID, JobPatch{
			Name:    StringPtr("Weekly summary"),
			Enabled: BoolPtr(false),
		})
		require.NoError(t, err)
		assert.Equal(t, "Weekly summary", updated.Name)
		assert.False(t, updated.Enabled)
	})

	t.Run("recalculates next run on schedule change", func(t *testing.T) {
		service, _, _ := createTestService(t)
		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)
		firstNext := *job.State.NextRunAtMs

		updated, err := service.UpdateJob(job.ID, JobPatch{
			Schedule: &Schedule{Kind: ScheduleKindEvery, EveryMs: 3600000},
		})
		require.NoError(t, err)
		require.NotNil(t, updated.State.NextRunAtMs)
		assert.Greater(t, *updated.State.NextRunAtMs, firstNext)
	})

	t.Run("unknown job", func(t *testing.T) {
		service, _, _ := createTestService(t)
		_, err := service.UpdateJob("nope", JobPatch{})
		assert.Error(t, err)
	})
}

func TestRemoveJob(t *testing.T) {
	service, launcher, _ := createTestService(t)
	job, err := service.AddJob(createTestJob())
	require.NoError(t, err)

	require.NoError(t, service.RemoveJob(job.ID))
	assert.Nil(t, service.GetJob(job.ID))
	assert.Error(t, service.RemoveJob(job.ID))

	launcher.mu.Lock()
	defer launcher.mu.Unlock()
	last := launcher.events[len(launcher.events)-1]
	assert.Equal(t, EventActionDeleted, last.Action)
	assert.Equal(t, job.ID, last.JobID)
}

func TestRunJob(t *testing.T) {
	t.Run("force starts the session", func(t *testing.T) {
		service, launcher, _ := createTestService(t)
		params := createTestJob()
		params.Enabled = false
		job, err := service.AddJob(params)
		require.NoError(t, err)

		require.NoError(t, service.RunJob(job.ID, RunModeForce))
		evt := launcher.waitFired(t)

		assert.Equal(t, "ok", evt.Status)
		assert.Equal(t, "sess-1", evt.SessionID)
		started := launcher.startedJobs()
		require.Len(t, started, 1)
		assert.Equal(t, "Summarize the day's sessions", started[0].Session.Prompt)
	})

	t.Run("due mode skips disabled job", func(t *testing.T) {
		service, launcher, _ := createTestService(t)
		params := createTestJob()
		params.Enabled = false
		job, err := service.AddJob(params)
		require.NoError(t, err)

		require.NoError(t, service.RunJob(job.ID, RunModeDue))
		time.Sleep(50 * time.Millisecond)
		assert.Empty(t, launcher.startedJobs())
	})

	t.Run("start failure recorded without killing scheduler", func(t *testing.T) {
		service, launcher, _ := createTestService(t)
		launcher.setStartErr(fmt.Errorf("session already running"))
		job, err := service.AddJob(createTestJob())
		require.NoError(t, err)

		require.NoError(t, service.RunJob(job.ID, RunModeForce))
		evt := launcher.waitFired(t)

		assert.Equal(t, "error", evt.Status)
		assert.Contains(t, evt.Error, "already running")

		stored := service.GetJob(job.ID)
		require.NotNil(t, stored)
		assert.Equal(t, 1, stored.State.ConsecutiveErrors)

		// Scheduler keeps accepting work after a failed start.
		launcher.setStartErr(nil)
		require.NoError(t, service.RunJob(job.ID, RunModeForce))
		evt = launcher.waitFired(t)
		assert.Equal(t, "ok", evt.Status)
		assert.Zero(t, service.GetJob(job.ID).State.ConsecutiveErrors)
	})

	t.Run("unknown job", func(t *testing.T) {
		service, _, _ := createTestService(t)
		assert.Error(t, service.RunJob("nope", RunModeForce))
	})
}

func TestDeleteAfterRun(t *testing.T) {
	service, launcher, _ := createTestService(t)
	params := createTestJob()
	params.DeleteAfterRun = true
	job, err := service.AddJob(params)
	require.NoError(t, err)

	require.NoError(t, service.RunJob(job.ID, RunModeForce))
	launcher.waitFired(t)

	assert.Eventually(t, func() bool {
		return service.GetJob(job.ID) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOneShotScheduleDisablesAfterRun(t *testing.T) {
	service, launcher, _ := createTestService(t)
	job, err := service.AddJob(AddParams{
		Name:    "One shot",
		Enabled: true,
		Schedule: Schedule{
			Kind: ScheduleKindAt,
			At:   time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		},
		Session: SessionSpec{Prompt: "run once"},
	})
	require.NoError(t, err)

	require.NoError(t, service.RunJob(job.ID, RunModeForce))
	launcher.waitFired(t)

	stored := service.GetJob(job.ID)
	require.NotNil(t, stored)
	assert.False(t, stored.Enabled)
	assert.Nil(t, stored.State.NextRunAtMs)
}

func TestTimerFiresDueJob(t *testing.T) {
	service, launcher, _ := createTestService(t)
	_, err := service.AddJob(AddParams{
		Name:    "Soon",
		Enabled: true,
		Schedule: Schedule{
			Kind: ScheduleKindAt,
			At:   time.Now().Add(50 * time.Millisecond).UTC().Format(time.RFC3339),
		},
		Session: SessionSpec{Prompt: "fire soon"},
	})
	require.NoError(t, err)

	evt := launcher.waitFired(t)
	assert.Equal(t, "ok", evt.Status)
}

func TestListJobs(t *testing.T) {
	service, _, _ := createTestService(t)

	first, err := service.AddJob(createTestJob())
	require.NoError(t, err)
	params := createTestJob()
	params.Name = "Second"
	params.Enabled = false
	second, err := service.AddJob(params)
	require.NoError(t, err)

	all := service.ListJobs(nil)
	require.Len(t, all, 2)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)

	enabledOnly := service.ListJobs(BoolPtr(true))
	require.Len(t, enabledOnly, 1)
	assert.Equal(t, first.ID, enabledOnly[0].ID)
}

func TestPersistence(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	launcher := newMockLauncher()
	opts := ServiceOptions{
		StorePath:    storePath,
		Enabled:      true,
		StartSession: launcher.startSession,
		OnEvent:      launcher.onEvent,
	}

	service, err := NewService(opts)
	require.NoError(t, err)
	job, err := service.AddJob(createTestJob())
	require.NoError(t, err)
	require.NoError(t, service.Stop())

	reloaded, err := NewService(opts)
	require.NoError(t, err)
	defer func() { _ = reloaded.Stop() }()

	stored := reloaded.GetJob(job.ID)
	require.NotNil(t, stored)
	assert.Equal(t, job.Name, stored.Name)
	assert.Nil(t, stored.State.RunningAtMs)
}

func TestStop(t *testing.T) {
	service, _, _ := createTestService(t)
	_, err := service.AddJob(createTestJob())
	require.NoError(t, err)

	require.NoError(t, service.Stop())
	require.NoError(t, service.Stop())

	_, err = service.AddJob(createTestJob())
	assert.Error(t, err)
}
