package handlers

import (
	"context"
	"net/http"
	"testing"

	"dbflow/internal/models"
	"dbflow/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertFlowConfig(t *testing.T) {
	env := newHandlerEnv(t)

	// 缺 scope
	w := env.request(t, http.MethodPost, "/api/flow-configs", map[string]interface{}{
		"ticket_type": "SWITCH",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.request(t, http.MethodPost, "/api/flow-configs", map[string]interface{}{
		"ticket_type": "SWITCH",
		"scope":       models.ConfigScopePlatform,
		"configs":     map[string]interface{}{"need_approval": true},
		"editable":    true,
	})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	w = env.request(t, http.MethodGet, "/api/flow-configs?ticket_type=SWITCH", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var configs []models.FlowConfig
	mustUnmarshal(t, w, &configs)
	require.Len(t, configs, 1)
	assert.Equal(t, models.ConfigScopePlatform, configs[0].Scope)
}

func TestTaskEndpoints(t *testing.T) {
	env := newHandlerEnv(t)

	job := services.SchedulerJob{
		Name: "demo_task",
		Cron: "@hourly",
		Run:  func(context.Context) error { return nil },
	}
	require.NoError(t, env.scheduler.Register(job))

	w := env.request(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []models.RecurringTask
	mustUnmarshal(t, w, &tasks)
	require.Len(t, tasks, 1)
	assert.False(t, tasks[0].Frozen)

	w = env.request(t, http.MethodPost, "/api/tasks/demo_task/freeze", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var task models.RecurringTask
	require.NoError(t, env.db.Where("name = ?", "demo_task").First(&task).Error)
	assert.True(t, task.Frozen)

	// 不存在的任务
	w = env.request(t, http.MethodPost, "/api/tasks/no_such/freeze", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
