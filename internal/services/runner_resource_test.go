package services

import (
	"context"
	"strings"
	"testing"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"
)

func TestResourceApplyWritesAllocation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	broker := &fakeResource{}
	runner := NewResourceApplyRunner(env.store, broker, testLogger())

	ticket := env.mustTicket(t, models.TicketMySQLHAApply, models.JSONMap{})
	flows := env.mustFlows(t, ticket.ID, FlowDescriptor{
		FlowType: models.FlowTypeResourceApply,
		Alias:    "申请主机资源",
		Details:  models.JSONMap{"resource_spec": map[string]interface{}{"count": 2}},
	})

	outcome := runner.Run(ctx, ticket, &flows[0])
	if outcome.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %+v, want success", outcome)
	}

	flow := env.reloadFlow(t, flows[0].ID)
	if flow.Context.GetString("resource_request_id") != "req-1" {
		t.Fatalf("request id = %q, want req-1", flow.Context.GetString("resource_request_id"))
	}
	hosts := flow.Context["hosts"].([]interface{})
	if len(hosts) != 1 {
		t.Fatalf("allocated hosts = %d, want 1", len(hosts))
	}
}

func TestResourceApplyLakeRejected(t *testing.T) {
	env := newTestEnv(t)
	broker := &fakeResource{result: &bkapi.ResourceApplyResult{Code: bkapi.ResourceCodeLake}}
	runner := NewResourceApplyRunner(env.store, broker, testLogger())

	ticket := env.mustTicket(t, models.TicketMySQLHAApply, models.JSONMap{})
	flows := env.mustFlows(t, ticket.ID, FlowDescriptor{FlowType: models.FlowTypeResourceApply, Alias: "申请主机资源"})

	outcome := runner.Run(context.Background(), ticket, &flows[0])
	if outcome.Kind != OutcomeFail {
		t.Fatalf("outcome = %+v, want fail", outcome)
	}
	if outcome.ErrCode != models.ErrCodeResource {
		t.Fatalf("err code = %d, want %d", outcome.ErrCode, models.ErrCodeResource)
	}
	if !strings.Contains(outcome.ErrMsg, "RESOURCE_LAKE") {
		t.Fatalf("err msg %q does not name the lake rejection", outcome.ErrMsg)
	}
}

func TestResourceBatchApply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	broker := &fakeResource{}
	runner := NewResourceApplyRunner(env.store, broker, testLogger())

	ticket := env.mustTicket(t, models.TicketMySQLHAApply, models.JSONMap{})
	flows := env.mustFlows(t, ticket.ID, FlowDescriptor{
		FlowType: models.FlowTypeResourceBatch,
		Alias:    "分批申请",
		Details: models.JSONMap{
			"batch_params": []interface{}{
				map[string]interface{}{"group": "master"},
				map[string]interface{}{"group": "slave"},
			},
		},
	})

	outcome := runner.Run(ctx, ticket, &flows[0])
	if outcome.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %+v, want success", outcome)
	}
	flow := env.reloadFlow(t, flows[0].ID)
	groups := flow.Context["batch_allocations"].([]interface{})
	if len(groups) != 2 {
		t.Fatalf("batch allocations = %d, want 2", len(groups))
	}
}

func TestResourceBatchWithoutParams(t *testing.T) {
	env := newTestEnv(t)
	runner := NewResourceApplyRunner(env.store, &fakeResource{}, testLogger())

	ticket := env.mustTicket(t, models.TicketMySQLHAApply, models.JSONMap{})
	flows := env.mustFlows(t, ticket.ID, FlowDescriptor{FlowType: models.FlowTypeResourceBatch, Alias: "分批申请"})

	outcome := runner.Run(context.Background(), ticket, &flows[0])
	if outcome.Kind != OutcomeFail || outcome.ErrCode != models.ErrCodeValidation {
		t.Fatalf("outcome = %+v, want validation failure", outcome)
	}
}
