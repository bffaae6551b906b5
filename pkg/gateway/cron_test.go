package gateway

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reza/kapten/pkg/cron"
	"github.com/reza/kapten/pkg/engine"
)

func attachTestCron(t *testing.T, s *Server) *cron.Service {
	t.Helper()

	svc, err := cron.NewService(cron.ServiceOptions{
		StorePath:    filepath.Join(t.TempDir(), "jobs.json"),
		Enabled:      true,
		StartSession: s.StartScheduledSession,
		OnEvent:      s.BroadcastCronEvent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })

	s.AttachCron(svc)
	return svc
}

func TestCronAddListRemove(t *testing.T) {
	s := newTestServer(t, &engine.ScriptedEngine{})
	attachTestCron(t, s)

	resp := call(t, s, "cron.add", map[string]any{
		"name":    "Morning review",
		"enabled": true,
		"schedule": map[string]any{
			"kind":    "every",
			"everyMs": 3600000,
		},
		"session": map[string]any{
			"prompt": "Review open sessions",
		},
	})
	require.Nil(t, resp.Error)
	job := resp.Result.(*cron.Job)
	assert.NotEmpty(t, job.ID)

	resp = call(t, s, "cron.list", map[string]any{})
	require.Nil(t, resp.Error)
	jobs := resp.Result.(map[string]any)["jobs"].([]*cron.Job)
	require.Len(t, jobs, 1)
	assert.Equal(t, "Morning review", jobs[0].Name)

	resp = call(t, s, "cron.remove", map[string]any{"jobId": job.ID})
	require.Nil(t, resp.Error)

	resp = call(t, s, "cron.get", map[string]any{"jobId": job.ID})
	require.NotNil(t, resp.Error)
	assert.Equal(t, NotFound, resp.Error.Code)
}

func TestCronAddRejectsBadSchedule(t *testing.T) {
	s := newTestServer(t, &engine.ScriptedEngine{})
	attachTestCron(t, s)

	resp := call(t, s, "cron.add", map[string]any{
		"name":     "Broken",
		"schedule": map[string]any{"kind": "cron", "expr": "nope"},
		"session":  map[string]any{"prompt": "x"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}

func TestCronRunLaunchesSession(t *testing.T) {
	eng := &engine.ScriptedEngine{
		EngineSessionID: "engine-cron",
		Turns:           []engine.ScriptedTurn{{Assistant: []string{"scheduled run done"}}},
	}
	s := newTestServer(t, eng)
	attachTestCron(t, s)

	resp := call(t, s, "cron.add", map[string]any{
		"name":    "One off",
		"enabled": false,
		"schedule": map[string]any{
			"kind": "at",
			"at":   time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
		},
		"session": map[string]any{
			"prompt": "do the scheduled thing",
			"title":  "scheduled",
		},
	})
	require.Nil(t, resp.Error)
	job := resp.Result.(*cron.Job)

	resp = call(t, s, "cron.run", map[string]any{"jobId": job.ID, "mode": "force"})
	require.Nil(t, resp.Error)

	// The fired job creates a session record and runs it to completion.
	var sessionID string
	require.Eventually(t, func() bool {
		sessions, err := s.store.List()
		require.NoError(t, err)
		for _, sess := range sessions {
			if sess.Title == "scheduled" && sess.Status == "completed" {
				sessionID = sess.ID
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	sess, err := s.store.Get(sessionID)
	require.NoError(t, err)
	assert.Equal(t, "engine-cron", sess.EngineSessionID)
}

func TestCronRunInvalidMode(t *testing.T) {
	s := newTestServer(t, &engine.ScriptedEngine{})
	attachTestCron(t, s)

	resp := call(t, s, "cron.run", map[string]any{"jobId": "whatever", "mode": "sideways"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, InvalidParams, resp.Error.Code)
}
