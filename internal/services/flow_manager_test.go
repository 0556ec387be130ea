package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"
)

func TestFlowManagerRunToSuccess(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.runners[models.FlowTypeInnerFlow] = &stubRunner{outcome: outcomeSuccess()}
	var hooked []uint
	env.manager.SetTerminalHook(func(_ context.Context, ticket *models.Ticket) {
		hooked = append(hooked, ticket.ID)
	})

	ticket := env.mustTicket(t, "SWITCH", nil)
	flows := env.mustFlows(t, ticket.ID,
		FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "一"},
		FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "二"},
	)

	if err := env.manager.Run(ctx, ticket); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusSucceeded {
		t.Fatalf("ticket status = %s, want SUCCEEDED", got)
	}
	for _, f := range flows {
		if got := env.reloadFlow(t, f.ID).Status; got != models.FlowStatusSucceeded {
			t.Fatalf("flow %d status = %s, want SUCCEEDED", f.ID, got)
		}
	}
	if len(hooked) != 1 || hooked[0] != ticket.ID {
		t.Fatalf("terminal hook calls = %v, want exactly one for ticket %d", hooked, ticket.ID)
	}
}

func TestFlowManagerAwaitingApproval(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.runners[models.FlowTypeApproval] = &stubRunner{outcome: outcomeAwaitingExternal()}

	ticket := env.mustTicket(t, "SWITCH", nil)
	env.mustFlows(t, ticket.ID,
		FlowDescriptor{FlowType: models.FlowTypeApproval, Alias: "单据审批"},
		FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "执行"},
	)

	if err := env.manager.Run(ctx, ticket); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusApproveWaiting {
		t.Fatalf("ticket status = %s, want APPROVE_WAITING", got)
	}
}

func TestFlowManagerFailureSetsErrCode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.runners[models.FlowTypeInnerFlow] = &stubRunner{outcome: outcomeFail("boom", models.ErrCodeWorkflow)}

	ticket := env.mustTicket(t, "SWITCH", nil)
	flows := env.mustFlows(t, ticket.ID, FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "执行"})

	if err := env.manager.Run(ctx, ticket); err != nil {
		t.Fatalf("run: %v", err)
	}
	flow := env.reloadFlow(t, flows[0].ID)
	if flow.Status != models.FlowStatusFailed || flow.ErrMsg != "boom" || flow.ErrCode != models.ErrCodeWorkflow {
		t.Fatalf("flow = %s/%q/%d, want FAILED/boom/%d", flow.Status, flow.ErrMsg, flow.ErrCode, models.ErrCodeWorkflow)
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusFailed {
		t.Fatalf("ticket status = %s, want FAILED", got)
	}
}

func TestFlowManagerMissingRunner(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ticket := env.mustTicket(t, "SWITCH", nil)
	flows := env.mustFlows(t, ticket.ID, FlowDescriptor{FlowType: "NO_SUCH_TYPE", Alias: "执行"})

	if err := env.manager.Run(ctx, ticket); err != nil {
		t.Fatalf("run: %v", err)
	}
	flow := env.reloadFlow(t, flows[0].ID)
	if flow.Status != models.FlowStatusFailed || flow.ErrCode != models.ErrCodeValidation {
		t.Fatalf("flow = %s/%d, want FAILED/%d", flow.Status, flow.ErrCode, models.ErrCodeValidation)
	}
}

func runToExternalWait(t *testing.T, env *testEnv, objID string) (*models.Ticket, *models.Flow) {
	t.Helper()
	ctx := context.Background()
	env.runners[models.FlowTypeInnerFlow] = &stubRunner{outcome: outcomeAwaitingExternal()}

	ticket := env.mustTicket(t, "SWITCH", nil)
	flows := env.mustFlows(t, ticket.ID,
		FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "执行"},
		FlowDescriptor{FlowType: models.FlowTypeHumanConfirm, Alias: "人工确认"},
	)
	if err := env.manager.Run(ctx, ticket); err != nil {
		t.Fatalf("run: %v", err)
	}
	flow := env.reloadFlow(t, flows[0].ID)
	if flow.Status != models.FlowStatusRunning {
		t.Fatalf("flow status = %s, want RUNNING", flow.Status)
	}
	if err := env.store.UpdateObjID(ctx, flow, objID); err != nil {
		t.Fatalf("bind obj id: %v", err)
	}
	if _, err := env.ledger.Begin(ctx, 1, flow, ticket, nil); err != nil {
		t.Fatalf("ledger begin: %v", err)
	}
	return ticket, flow
}

func TestWorkflowCallbackFinished(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, flow := runToExternalWait(t, env, "wf-1")

	// 下一个节点留在待确认，避免继续推进
	env.runners[models.FlowTypeHumanConfirm] = &stubRunner{outcome: outcomeAwaitingHuman()}

	outputs := map[string]interface{}{"backup_id": "bk-9"}
	if err := env.manager.HandleWorkflowCallback(ctx, "wf-1", bkapi.WorkflowStateFinished, outputs); err != nil {
		t.Fatalf("callback: %v", err)
	}

	reloaded := env.reloadFlow(t, flow.ID)
	if reloaded.Status != models.FlowStatusSucceeded {
		t.Fatalf("flow status = %s, want SUCCEEDED", reloaded.Status)
	}
	out, ok := reloaded.Context["__flow_output_v2"].(map[string]interface{})
	if !ok || out["backup_id"] != "bk-9" {
		t.Fatalf("flow output not merged: %+v", reloaded.Context)
	}
	records, err := env.ledger.ListByTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("ledger must be cleared on success, got %d records", len(records))
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusTodoWaiting {
		t.Fatalf("ticket status = %s, want TODO_WAITING", got)
	}
}

func TestWorkflowCallbackFailedKeepsLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, flow := runToExternalWait(t, env, "wf-2")

	if err := env.manager.HandleWorkflowCallback(ctx, "wf-2", bkapi.WorkflowStateFailed, nil); err != nil {
		t.Fatalf("callback: %v", err)
	}

	reloaded := env.reloadFlow(t, flow.ID)
	if reloaded.Status != models.FlowStatusFailed || reloaded.ErrCode != models.ErrCodeWorkflow {
		t.Fatalf("flow = %s/%d, want FAILED/%d", reloaded.Status, reloaded.ErrCode, models.ErrCodeWorkflow)
	}
	if !strings.Contains(reloaded.ErrMsg, "workflow wf-2 failed") {
		t.Fatalf("err msg = %q", reloaded.ErrMsg)
	}
	// 失败节点仍占着集群台账
	records, err := env.ledger.ListByTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("ledger must survive workflow failure, got %d records", len(records))
	}
}

func TestWorkflowCallbackRevoked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, flow := runToExternalWait(t, env, "wf-3")

	if err := env.manager.HandleWorkflowCallback(ctx, "wf-3", bkapi.WorkflowStateRevoked, nil); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if got := env.reloadFlow(t, flow.ID).Status; got != models.FlowStatusRevoked {
		t.Fatalf("flow status = %s, want REVOKED", got)
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusRevoked {
		t.Fatalf("ticket status = %s, want REVOKED", got)
	}
	records, err := env.ledger.ListByTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("ledger must be cleared on revoke, got %d records", len(records))
	}
}

func TestWorkflowCallbackIntermediateIgnored(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, flow := runToExternalWait(t, env, "wf-4")

	if err := env.manager.HandleWorkflowCallback(ctx, "wf-4", bkapi.WorkflowStateRunning, nil); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if got := env.reloadFlow(t, flow.ID).Status; got != models.FlowStatusRunning {
		t.Fatalf("flow status = %s, intermediate state must not change it", got)
	}
}

func runToApprovalWait(t *testing.T, env *testEnv, handle string) (*models.Ticket, *models.Flow) {
	t.Helper()
	ctx := context.Background()
	env.runners[models.FlowTypeApproval] = &stubRunner{outcome: outcomeAwaitingExternal()}
	env.runners[models.FlowTypeInnerFlow] = &stubRunner{outcome: outcomeSuccess()}

	ticket := env.mustTicket(t, "SWITCH", nil)
	flows := env.mustFlows(t, ticket.ID,
		FlowDescriptor{FlowType: models.FlowTypeApproval, Alias: "单据审批"},
		FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "执行"},
	)
	if err := env.manager.Run(ctx, ticket); err != nil {
		t.Fatalf("run: %v", err)
	}
	flow := env.reloadFlow(t, flows[0].ID)
	if err := env.store.UpdateObjID(ctx, flow, handle); err != nil {
		t.Fatalf("bind handle: %v", err)
	}
	return ticket, flow
}

func TestApprovalCallbackApproved(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, flow := runToApprovalWait(t, env, "appr-1")

	if err := env.manager.HandleApprovalCallback(ctx, "appr-1", bkapi.ApprovalResultApproved, "alice"); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if got := env.reloadFlow(t, flow.ID).Status; got != models.FlowStatusSucceeded {
		t.Fatalf("approval flow status = %s, want SUCCEEDED", got)
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusSucceeded {
		t.Fatalf("ticket status = %s, want SUCCEEDED", got)
	}
}

func TestApprovalCallbackRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, flow := runToApprovalWait(t, env, "appr-2")

	if err := env.manager.HandleApprovalCallback(ctx, "appr-2", bkapi.ApprovalResultRejected, "bob"); err != nil {
		t.Fatalf("callback: %v", err)
	}
	reloaded := env.reloadFlow(t, flow.ID)
	if reloaded.Status != models.FlowStatusRevoked || reloaded.ErrCode != models.ErrCodeUserTerminated {
		t.Fatalf("flow = %s/%d, want REVOKED/%d", reloaded.Status, reloaded.ErrCode, models.ErrCodeUserTerminated)
	}
	if reloaded.ErrMsg != "bob handled (approval rejected)" {
		t.Fatalf("err msg = %q", reloaded.ErrMsg)
	}

	// 审批节点连同后续节点一起吊销，工单终态取 REVOKED
	var flows []models.Flow
	if err := env.db.Where("ticket_id = ? AND status = ?", ticket.ID, models.FlowStatusRevoked).Find(&flows).Error; err != nil {
		t.Fatalf("list revoked flows: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("expected 2 revoked flows, got %d", len(flows))
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusRevoked {
		t.Fatalf("ticket status = %s, want REVOKED", got)
	}
}

func TestApprovalCallbackBadResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runToApprovalWait(t, env, "appr-3")

	if err := env.manager.HandleApprovalCallback(ctx, "appr-3", "maybe", "bob"); err == nil {
		t.Fatalf("expected error for unknown approval result")
	}
}

func TestApprovalCallbackWrongFlowType(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runToExternalWait(t, env, "wf-not-approval")

	if err := env.manager.HandleApprovalCallback(ctx, "wf-not-approval", bkapi.ApprovalResultApproved, "alice"); err == nil {
		t.Fatalf("expected error for non-approval flow handle")
	}
}

func runToHumanConfirm(t *testing.T, env *testEnv) (*models.Ticket, *models.Flow, *models.Todo) {
	t.Helper()
	ctx := context.Background()
	env.runners[models.FlowTypeHumanConfirm] = &confirmStubRunner{todos: env.todos}
	env.runners[models.FlowTypeInnerFlow] = &stubRunner{outcome: outcomeSuccess()}

	ticket := env.mustTicket(t, "SWITCH", nil)
	flows := env.mustFlows(t, ticket.ID,
		FlowDescriptor{FlowType: models.FlowTypeHumanConfirm, Alias: "人工确认"},
		FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "执行"},
	)
	if err := env.manager.Run(ctx, ticket); err != nil {
		t.Fatalf("run: %v", err)
	}
	open, err := env.todos.ListOpenByFlow(ctx, flows[0].ID)
	if err != nil || len(open) != 1 {
		t.Fatalf("expected 1 open todo, got %d (err=%v)", len(open), err)
	}
	return ticket, env.reloadFlow(t, flows[0].ID), &open[0]
}

// confirmStubRunner 挂待办后停在等人状态
type confirmStubRunner struct {
	todos *TodoService
}

func (r *confirmStubRunner) Run(ctx context.Context, ticket *models.Ticket, flow *models.Flow) StageOutcome {
	if _, err := r.todos.CreateTodo(ctx, ticket, flow, "确认继续"); err != nil {
		return outcomeFail(err.Error(), models.ErrCodeTransient)
	}
	return outcomeAwaitingHuman()
}

func TestConfirmAdvances(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, _, todo := runToHumanConfirm(t, env)

	if err := env.manager.Confirm(ctx, ticket, todo.ID, "alice", true, ""); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusSucceeded {
		t.Fatalf("ticket status = %s, want SUCCEEDED", got)
	}
	var reloaded models.Todo
	if err := env.db.First(&reloaded, todo.ID).Error; err != nil {
		t.Fatalf("reload todo: %v", err)
	}
	if reloaded.Status != models.TodoStatusDoneSuccess || reloaded.DoneBy != "alice" {
		t.Fatalf("todo = %s/%s, want DONE_SUCCESS/alice", reloaded.Status, reloaded.DoneBy)
	}
}

func TestConfirmRejectedTerminates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, flow, todo := runToHumanConfirm(t, env)

	if err := env.manager.Confirm(ctx, ticket, todo.ID, "bob", false, "wrong window"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	reloadedFlow := env.reloadFlow(t, flow.ID)
	if reloadedFlow.Status != models.FlowStatusTerminated || reloadedFlow.ErrCode != models.ErrCodeUserTerminated {
		t.Fatalf("flow = %s/%d, want TERMINATED/%d", reloadedFlow.Status, reloadedFlow.ErrCode, models.ErrCodeUserTerminated)
	}
	want := GetTerminateReason("bob", "wrong window")
	if reloadedFlow.ErrMsg != want {
		t.Fatalf("err msg = %q, want %q", reloadedFlow.ErrMsg, want)
	}

	var reloadedTodo models.Todo
	if err := env.db.First(&reloadedTodo, todo.ID).Error; err != nil {
		t.Fatalf("reload todo: %v", err)
	}
	if reloadedTodo.Status != models.TodoStatusDoneFailed {
		t.Fatalf("todo status = %s, want DONE_FAILED", reloadedTodo.Status)
	}
	if reloadedTodo.Context.GetString("terminate_reason") != want {
		t.Fatalf("todo context = %+v, missing terminate reason", reloadedTodo.Context)
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusTerminated {
		t.Fatalf("ticket status = %s, want TERMINATED", got)
	}
}

func TestConfirmTodoOwnership(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, _, todo := runToHumanConfirm(t, env)

	stranger := env.mustTicket(t, "MIGRATE", nil)
	if err := env.manager.Confirm(ctx, stranger, todo.ID, "alice", true, ""); err == nil {
		t.Fatalf("expected error confirming someone else's todo")
	}
}

func TestTerminateCancelsWorkflowAndClearsLedger(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, flow := runToExternalWait(t, env, "wf-term")

	// 编排应声停下，终止当场收尾
	env.actuator.status = bkapi.WorkflowStateRevoked
	if err := env.manager.Terminate(ctx, ticket, "alice", "abort"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if len(env.actuator.cancelled) != 1 || env.actuator.cancelled[0] != "wf-term" {
		t.Fatalf("actuator cancellations = %v, want [wf-term]", env.actuator.cancelled)
	}
	records, err := env.ledger.ListByTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("ledger must be cleared on terminate, got %d records", len(records))
	}
	if got := env.reloadFlow(t, flow.ID).Status; got != models.FlowStatusTerminated {
		t.Fatalf("flow status = %s, want TERMINATED", got)
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusTerminated {
		t.Fatalf("ticket status = %s, want TERMINATED", got)
	}
}

func TestTerminateDefersWhileWorkflowRunning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, flow := runToExternalWait(t, env, "wf-defer")

	// 编排没停下来：台账和节点都不动，终止请求挂起
	if err := env.manager.Terminate(ctx, ticket, "alice", "abort"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if len(env.actuator.cancelled) != 1 || env.actuator.cancelled[0] != "wf-defer" {
		t.Fatalf("actuator cancellations = %v, want [wf-defer]", env.actuator.cancelled)
	}
	reloaded := env.reloadFlow(t, flow.ID)
	if reloaded.Status != models.FlowStatusRunning {
		t.Fatalf("flow status = %s, must stay RUNNING until workflow stops", reloaded.Status)
	}
	if reloaded.Context.GetString("terminate_requested_by") != "alice" {
		t.Fatalf("terminate request not recorded: %+v", reloaded.Context)
	}
	records, err := env.ledger.ListByTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("ledger must be held while workflow runs, got %d records", len(records))
	}

	// 编排撤单回调到了才真正收尾
	if err := env.manager.HandleWorkflowCallback(ctx, "wf-defer", bkapi.WorkflowStateRevoked, nil); err != nil {
		t.Fatalf("callback: %v", err)
	}
	reloaded = env.reloadFlow(t, flow.ID)
	if reloaded.Status != models.FlowStatusTerminated || reloaded.ErrCode != models.ErrCodeUserTerminated {
		t.Fatalf("flow = %s/%d, want TERMINATED/%d", reloaded.Status, reloaded.ErrCode, models.ErrCodeUserTerminated)
	}
	if want := GetTerminateReason("alice", "abort"); reloaded.ErrMsg != want {
		t.Fatalf("err msg = %q, want %q", reloaded.ErrMsg, want)
	}
	records, err = env.ledger.ListByTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("ledger must be cleared once workflow stopped, got %d records", len(records))
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusTerminated {
		t.Fatalf("ticket status = %s, want TERMINATED", got)
	}
}

func TestTerminateDeferredTimeoutFailsFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, flow := runToExternalWait(t, env, "wf-stuck")

	if err := env.manager.Terminate(ctx, ticket, "alice", "abort"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	// 把挂起时间推出窗口外
	past := time.Now().Add(-time.Hour).Format(time.RFC3339)
	if err := env.store.UpdateContext(ctx, env.reloadFlow(t, flow.ID),
		models.JSONMap{"terminate_requested_at": past}); err != nil {
		t.Fatalf("backdate request: %v", err)
	}

	count, err := env.manager.TerminateStuckFlows(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("swept = %d, want 1", count)
	}
	reloaded := env.reloadFlow(t, flow.ID)
	if reloaded.Status != models.FlowStatusFailed || reloaded.ErrCode != models.ErrCodeSystemTerminated {
		t.Fatalf("flow = %s/%d, want FAILED/%d", reloaded.Status, reloaded.ErrCode, models.ErrCodeSystemTerminated)
	}
	if reloaded.ErrMsg != "timeout auto-terminate" {
		t.Fatalf("err msg = %q", reloaded.ErrMsg)
	}
	records, err := env.ledger.ListByTicket(ctx, ticket.ID)
	if err != nil {
		t.Fatalf("list ledger: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("ledger must be cleared after giving up, got %d records", len(records))
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusFailed {
		t.Fatalf("ticket status = %s, want FAILED", got)
	}
}

func TestRetryFailedFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	runner := &stubRunner{outcome: outcomeFail("transient", models.ErrCodeTransient)}
	env.runners[models.FlowTypeInnerFlow] = runner

	ticket := env.mustTicket(t, "SWITCH", nil)
	flows := env.mustFlows(t, ticket.ID, FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "执行"})
	if err := env.manager.Run(ctx, ticket); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := env.reloadFlow(t, flows[0].ID).Status; got != models.FlowStatusFailed {
		t.Fatalf("flow status = %s, want FAILED", got)
	}

	// 重试后这次跑成功
	runner.outcome = outcomeSuccess()
	if err := env.manager.Retry(ctx, env.reloadTicket(t, ticket.ID), "alice"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	reloaded := env.reloadFlow(t, flows[0].ID)
	if reloaded.Status != models.FlowStatusSucceeded || reloaded.ErrMsg != "" || reloaded.ErrCode != models.ErrCodeOK {
		t.Fatalf("flow after retry = %s/%q/%d", reloaded.Status, reloaded.ErrMsg, reloaded.ErrCode)
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusSucceeded {
		t.Fatalf("ticket status = %s, want SUCCEEDED", got)
	}
}

func TestRetryRejectedWithoutFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ticket := env.mustTicket(t, "SWITCH", nil)
	env.mustFlows(t, ticket.ID, FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "执行"})

	if err := env.manager.Retry(ctx, ticket, "alice"); err == nil {
		t.Fatalf("expected error retrying a ticket with no failed flow")
	}
}

func TestRetryRejectedForRetryNone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.runners[models.FlowTypeInnerFlow] = &stubRunner{outcome: outcomeFail("boom", models.ErrCodeWorkflow)}

	ticket := env.mustTicket(t, "SWITCH", nil)
	env.mustFlows(t, ticket.ID, FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: "执行", RetryType: models.RetryNone})
	if err := env.manager.Run(ctx, ticket); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := env.manager.Retry(ctx, env.reloadTicket(t, ticket.ID), "alice"); err == nil {
		t.Fatalf("expected error retrying a RETRY_NONE flow")
	}
}

func TestTerminateStuckFlows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, flow := runToHumanConfirmTicket(t, env)

	// 把等待时间推出窗口外
	past := time.Now().Add(-time.Hour)
	if err := env.db.Model(&models.Ticket{}).Where("id = ?", ticket.ID).
		UpdateColumn("updated_at", past).Error; err != nil {
		t.Fatalf("backdate ticket: %v", err)
	}

	count, err := env.manager.TerminateStuckFlows(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("terminated = %d, want 1", count)
	}
	reloaded := env.reloadFlow(t, flow.ID)
	if reloaded.Status != models.FlowStatusTerminated || reloaded.ErrCode != models.ErrCodeSystemTerminated {
		t.Fatalf("flow = %s/%d, want TERMINATED/%d", reloaded.Status, reloaded.ErrCode, models.ErrCodeSystemTerminated)
	}
	if reloaded.ErrMsg != "timeout auto-terminate" {
		t.Fatalf("err msg = %q", reloaded.ErrMsg)
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusTerminated {
		t.Fatalf("ticket status = %s, want TERMINATED", got)
	}
}

func runToHumanConfirmTicket(t *testing.T, env *testEnv) (*models.Ticket, *models.Flow) {
	t.Helper()
	ticket, flow, _ := runToHumanConfirm(t, env)
	return ticket, flow
}

func TestTerminateStuckFlowsSkipsFresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ticket, _ := runToHumanConfirmTicket(t, env)

	count, err := env.manager.TerminateStuckFlows(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 0 {
		t.Fatalf("terminated = %d, want 0 for fresh waits", count)
	}
	if got := env.reloadTicket(t, ticket.ID).Status; got != models.TicketStatusTodoWaiting {
		t.Fatalf("ticket status = %s, want TODO_WAITING", got)
	}
}

func TestFinishTicketPrecedence(t *testing.T) {
	cases := []struct {
		name     string
		statuses []string
		want     string
	}{
		{"all_succeeded", []string{models.FlowStatusSucceeded, models.FlowStatusSucceeded}, models.TicketStatusSucceeded},
		{"failed_wins_over_success", []string{models.FlowStatusSucceeded, models.FlowStatusFailed}, models.TicketStatusFailed},
		{"revoked_wins_over_failed", []string{models.FlowStatusFailed, models.FlowStatusRevoked}, models.TicketStatusRevoked},
		{"terminated_wins_over_all", []string{models.FlowStatusTerminated, models.FlowStatusRevoked, models.FlowStatusFailed}, models.TicketStatusTerminated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			ticket := env.mustTicket(t, "SWITCH", nil)
			var descriptors []FlowDescriptor
			for i := range tc.statuses {
				descriptors = append(descriptors, FlowDescriptor{FlowType: models.FlowTypeInnerFlow, Alias: fmt.Sprintf("节点%d", i)})
			}
			flows := env.mustFlows(t, ticket.ID, descriptors...)
			for i, status := range tc.statuses {
				if err := env.store.UpdateStatus(ctx, &flows[i], status); err != nil {
					t.Fatalf("update status: %v", err)
				}
			}
			if err := env.manager.Run(ctx, ticket); err != nil {
				t.Fatalf("run: %v", err)
			}
			if got := env.reloadTicket(t, ticket.ID).Status; got != tc.want {
				t.Fatalf("ticket status = %s, want %s", got, tc.want)
			}
		})
	}
}
