package services

import (
	"context"
	"testing"

	"dbflow/internal/models"
)

func TestNextFlowSkipsHumanStagesInDevMode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	store := NewFlowStore(env.db, testLogger(), true)

	ticket := env.mustTicket(t, "SWITCH", nil)
	flows := env.mustFlows(t, ticket.ID,
		FlowDescriptor{FlowType: models.FlowTypeApproval, Alias: "单据审批"},
		FlowDescriptor{FlowType: models.FlowTypeHumanConfirm, Alias: "人工确认"},
		FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "执行"},
	)

	next, err := store.NextFlow(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("next flow: %v", err)
	}
	if next == nil || next.FlowType != models.FlowTypeInnerFlow {
		t.Fatalf("next flow = %+v, want the inner flow", next)
	}
	for _, id := range []uint{flows[0].ID, flows[1].ID} {
		if got := env.reloadFlow(t, id).Status; got != models.FlowStatusSkipped {
			t.Fatalf("human stage %d status = %s, want SKIPPED", id, got)
		}
	}
}

func TestCurrentFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ticket := env.mustTicket(t, "SWITCH", nil)
	flows := env.mustFlows(t, ticket.ID,
		FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "一"},
		FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "二"},
	)

	// 全 PENDING 时当前节点是第一个
	current, err := env.store.CurrentFlow(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("current flow: %v", err)
	}
	if current == nil || current.ID != flows[0].ID {
		t.Fatalf("current = %+v, want first pending flow", current)
	}

	// 有启动过的节点时取最近启动的那个
	if err := env.store.UpdateStatus(ctx, &flows[0], models.FlowStatusSucceeded); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := env.store.UpdateStatus(ctx, &flows[1], models.FlowStatusRunning); err != nil {
		t.Fatalf("update: %v", err)
	}
	current, err = env.store.CurrentFlow(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("current flow: %v", err)
	}
	if current == nil || current.ID != flows[1].ID {
		t.Fatalf("current = %+v, want the running flow", current)
	}
}

func TestUpdateContextMerges(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ticket := env.mustTicket(t, "SWITCH", nil)
	flows := env.mustFlows(t, ticket.ID, FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "执行"})

	if err := env.store.UpdateContext(ctx, &flows[0], models.JSONMap{"a": "1"}); err != nil {
		t.Fatalf("update context: %v", err)
	}
	if err := env.store.UpdateContext(ctx, &flows[0], models.JSONMap{"b": "2"}); err != nil {
		t.Fatalf("update context: %v", err)
	}

	reloaded := env.reloadFlow(t, flows[0].ID)
	if reloaded.Context.GetString("a") != "1" || reloaded.Context.GetString("b") != "2" {
		t.Fatalf("context not merged: %+v", reloaded.Context)
	}
}
