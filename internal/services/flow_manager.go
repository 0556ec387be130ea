package services

import (
	"context"
	"fmt"
	"time"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// FlowManager 流水线引擎：驱动工单沿流程节点推进，消化外部回调
// 与人工动作，并在流水线走完时按节点终态推导工单终态。
// 终态优先级 TERMINATED > REVOKED > FAILED > SUCCEEDED。
type FlowManager struct {
	db       *gorm.DB
	logger   *logrus.Logger
	tracer   trace.Tracer
	store    *FlowStore
	ledger   *LedgerService
	todos    *TodoService
	actuator bkapi.ActuatorDispatcher
	pause    *PauseRunner
	runners  map[string]FlowRunner

	autoRetryBackoff    time.Duration
	terminateWaitWindow time.Duration

	// terminalHook 工单收束后的善后回调（资源回收分发等）
	terminalHook func(ctx context.Context, ticket *models.Ticket)
}

// SetTerminalHook 注册工单终态回调。建管器时设置一次，不做并发防护。
func (m *FlowManager) SetTerminalHook(hook func(ctx context.Context, ticket *models.Ticket)) {
	m.terminalHook = hook
}

func NewFlowManager(
	db *gorm.DB,
	logger *logrus.Logger,
	store *FlowStore,
	ledger *LedgerService,
	todos *TodoService,
	actuator bkapi.ActuatorDispatcher,
	pause *PauseRunner,
	runners map[string]FlowRunner,
	autoRetryBackoff time.Duration,
	terminateWaitWindow time.Duration,
) *FlowManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &FlowManager{
		db:                  db,
		logger:              logger,
		tracer:              otel.Tracer("dbflow.flowmanager"),
		store:               store,
		ledger:              ledger,
		todos:               todos,
		actuator:            actuator,
		pause:               pause,
		runners:             runners,
		autoRetryBackoff:    autoRetryBackoff,
		terminateWaitWindow: terminateWaitWindow,
	}
}

// GetTicket 按 id 取工单
func (m *FlowManager) GetTicket(ctx context.Context, ticketID uint) (*models.Ticket, error) {
	var ticket models.Ticket
	if err := m.db.WithContext(ctx).First(&ticket, ticketID).Error; err != nil {
		return nil, fmt.Errorf("ticket %d not found: %w", ticketID, err)
	}
	return &ticket, nil
}

// Run 推进工单：逐个执行待执行节点直到流水线停在等待点、
// 失败点或走完。同步完成的节点不落地等待，直接进下一个。
func (m *FlowManager) Run(ctx context.Context, ticket *models.Ticket) error {
	ctx, span := m.tracer.Start(ctx, "flowmanager.run")
	defer span.End()
	span.SetAttributes(attribute.Int64("ticket.id", int64(ticket.ID)))

	for {
		flow, err := m.store.NextFlow(ctx, ticket.ID)
		if err != nil {
			return err
		}
		if flow == nil {
			return m.finishTicket(ctx, ticket)
		}

		if err := m.store.UpdateStatus(ctx, flow, models.FlowStatusRunning); err != nil {
			return err
		}
		if err := m.setTicketStatus(ctx, ticket, flow, models.TicketStatusRunning, "system", ""); err != nil {
			return err
		}

		runner, ok := m.runners[flow.FlowType]
		if !ok {
			return m.applyFailure(ctx, ticket, flow,
				fmt.Sprintf("no runner registered for flow type %s", flow.FlowType), models.ErrCodeValidation)
		}

		outcome := runner.Run(ctx, ticket, flow)
		switch outcome.Kind {
		case OutcomeSuccess:
			if err := m.completeFlow(ctx, ticket, flow); err != nil {
				return err
			}
		case OutcomeFail:
			return m.applyFailure(ctx, ticket, flow, outcome.ErrMsg, outcome.ErrCode)
		case OutcomeAwaitingHuman:
			return m.setTicketStatus(ctx, ticket, flow, models.TicketStatusTodoWaiting, "system", "")
		case OutcomeAwaitingExternal:
			status := models.TicketStatusRunning
			if flow.FlowType == models.FlowTypeApproval {
				status = models.TicketStatusApproveWaiting
			}
			return m.setTicketStatus(ctx, ticket, flow, status, "system", "")
		}
	}
}

// completeFlow 节点成功收尾：清台账、记 SUCCEEDED，不推进流水线
func (m *FlowManager) completeFlow(ctx context.Context, ticket *models.Ticket, flow *models.Flow) error {
	if err := m.ledger.EndByFlow(ctx, flow.ID); err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, flow, models.FlowStatusSucceeded); err != nil {
		return err
	}
	m.logger.Infof("Flow %d (%s) of ticket %d succeeded", flow.ID, flow.FlowType, ticket.ID)
	return nil
}

// applyFailure 节点失败：记错误、节点 FAILED、工单 FAILED；
// 瞬时错误且节点允许自动重试时延迟补一次
func (m *FlowManager) applyFailure(ctx context.Context, ticket *models.Ticket, flow *models.Flow, errMsg string, errCode int) error {
	if err := m.store.UpdateError(ctx, flow, errMsg, errCode); err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, flow, models.FlowStatusFailed); err != nil {
		return err
	}
	if err := m.setTicketStatus(ctx, ticket, flow, models.TicketStatusFailed, "system", errMsg); err != nil {
		return err
	}
	m.logger.Warnf("Flow %d (%s) of ticket %d failed: %s", flow.ID, flow.FlowType, ticket.ID, errMsg)

	if flow.RetryType == models.RetryAuto && models.IsRetriableErrCode(errCode) {
		m.scheduleAutoRetry(ticket.ID, flow.ID)
	}
	return nil
}

// scheduleAutoRetry 退避后台自动重试一次瞬时失败的节点
func (m *FlowManager) scheduleAutoRetry(ticketID, flowID uint) {
	time.AfterFunc(m.autoRetryBackoff, func() {
		ctx := context.Background()
		ticket, err := m.GetTicket(ctx, ticketID)
		if err != nil {
			m.logger.Errorf("Auto retry load ticket %d failed: %v", ticketID, err)
			return
		}
		flow, err := m.store.GetFlow(ctx, flowID)
		if err != nil {
			m.logger.Errorf("Auto retry load flow %d failed: %v", flowID, err)
			return
		}
		// 期间被人工处理过就不再插手
		if flow.Status != models.FlowStatusFailed {
			return
		}
		if err := m.Retry(ctx, ticket, "system"); err != nil {
			m.logger.Errorf("Auto retry of ticket %d flow %d failed: %v", ticketID, flowID, err)
		}
	})
}

// finishTicket 流水线走完，按节点终态推导工单终态
func (m *FlowManager) finishTicket(ctx context.Context, ticket *models.Ticket) error {
	flows, err := m.store.ListFlows(ctx, ticket.ID)
	if err != nil {
		return err
	}
	status := models.TicketStatusSucceeded
	for _, f := range flows {
		switch f.Status {
		case models.FlowStatusTerminated:
			status = models.TicketStatusTerminated
		case models.FlowStatusRevoked:
			if status != models.TicketStatusTerminated {
				status = models.TicketStatusRevoked
			}
		case models.FlowStatusFailed:
			if status == models.TicketStatusSucceeded {
				status = models.TicketStatusFailed
			}
		}
	}
	if err := m.setTicketStatus(ctx, ticket, nil, status, "system", ""); err != nil {
		return err
	}
	if m.terminalHook != nil {
		m.terminalHook(ctx, ticket)
	}
	return nil
}

// HandleWorkflowCallback 编排完成回调：按终态收尾节点并推进/收束工单。
// outputs 合并进节点输出袋的 __flow_output_v2，供后续节点消费。
func (m *FlowManager) HandleWorkflowCallback(ctx context.Context, rootID, state string, outputs map[string]interface{}) error {
	flow, err := m.store.GetFlowByObjID(ctx, rootID)
	if err != nil {
		return err
	}
	ticket, err := m.GetTicket(ctx, flow.TicketID)
	if err != nil {
		return err
	}
	terminatePending := flow.Context.GetString("terminate_requested_at") != ""
	switch state {
	case bkapi.WorkflowStateFinished:
		if len(outputs) > 0 {
			if err := m.store.UpdateContext(ctx, flow, models.JSONMap{"__flow_output_v2": outputs}); err != nil {
				return err
			}
		}
		if err := m.completeFlow(ctx, ticket, flow); err != nil {
			return err
		}
		if terminatePending {
			// 编排抢在撤单前跑完了：本节点算成功，但后面不再推进
			if err := m.revokePendingFlows(ctx, ticket); err != nil {
				return err
			}
			return m.finishTicket(ctx, ticket)
		}
		return m.Run(ctx, ticket)
	case bkapi.WorkflowStateFailed:
		if terminatePending {
			return m.finalizeDeferredTerminate(ctx, ticket, flow)
		}
		// 台账保留：失败节点仍占着集群，直到重试成功或被终止
		return m.applyFailure(ctx, ticket, flow, fmt.Sprintf("workflow %s failed", rootID), models.ErrCodeWorkflow)
	case bkapi.WorkflowStateRevoked:
		if terminatePending {
			return m.finalizeDeferredTerminate(ctx, ticket, flow)
		}
		if err := m.ledger.EndByFlow(ctx, flow.ID); err != nil {
			return err
		}
		if err := m.store.UpdateStatus(ctx, flow, models.FlowStatusRevoked); err != nil {
			return err
		}
		return m.finishTicket(ctx, ticket)
	default:
		m.logger.Debugf("Workflow %s reported intermediate state %s, ignored", rootID, state)
		return nil
	}
}

// finalizeDeferredTerminate 编排停下来后补完挂起的终止请求
func (m *FlowManager) finalizeDeferredTerminate(ctx context.Context, ticket *models.Ticket, flow *models.Flow) error {
	reason := flow.Context.GetString("terminate_reason")
	doneBy := flow.Context.GetString("terminate_requested_by")
	if err := m.ledger.EndByFlow(ctx, flow.ID); err != nil {
		return err
	}
	if err := m.store.UpdateError(ctx, flow, reason, int(flow.Context.GetUint("terminate_err_code"))); err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, flow, models.FlowStatusTerminated); err != nil {
		return err
	}
	if err := m.revokePendingFlows(ctx, ticket); err != nil {
		return err
	}
	m.recordStatusLog(ctx, ticket.ID, flow.ID, ticket.Status, models.TicketStatusTerminated, doneBy, reason)
	return m.finishTicket(ctx, ticket)
}

// HandleApprovalCallback 审批结果回调。通过则推进；驳回则审批节点
// 连同后续节点一起吊销，工单收束为 REVOKED。
func (m *FlowManager) HandleApprovalCallback(ctx context.Context, handle, result, operator string) error {
	flow, err := m.store.GetFlowByObjID(ctx, handle)
	if err != nil {
		return err
	}
	if flow.FlowType != models.FlowTypeApproval {
		return fmt.Errorf("flow %d bound to handle %s is not an approval flow", flow.ID, handle)
	}
	ticket, err := m.GetTicket(ctx, flow.TicketID)
	if err != nil {
		return err
	}
	switch result {
	case bkapi.ApprovalResultApproved:
		if err := m.completeFlow(ctx, ticket, flow); err != nil {
			return err
		}
		return m.Run(ctx, ticket)
	case bkapi.ApprovalResultRejected:
		reason := fmt.Sprintf("%s handled (approval rejected)", operator)
		if err := m.store.UpdateError(ctx, flow, reason, models.ErrCodeUserTerminated); err != nil {
			return err
		}
		if err := m.store.UpdateStatus(ctx, flow, models.FlowStatusRevoked); err != nil {
			return err
		}
		if err := m.revokePendingFlows(ctx, ticket); err != nil {
			return err
		}
		return m.finishTicket(ctx, ticket)
	default:
		return fmt.Errorf("unknown approval result %q for handle %s", result, handle)
	}
}

// Confirm 人工确认/暂停放行。confirmed=false 走人工终止路径。
// 暂停门放行前重查互斥：仍被挡时不动待办，把阻塞方工单报给调用方。
func (m *FlowManager) Confirm(ctx context.Context, ticket *models.Ticket, todoID uint, doneBy string, confirmed bool, remark string) error {
	var todo models.Todo
	if err := m.db.WithContext(ctx).First(&todo, todoID).Error; err != nil {
		return fmt.Errorf("todo %d not found: %w", todoID, err)
	}
	if todo.TicketID != ticket.ID {
		return fmt.Errorf("todo %d does not belong to ticket %d", todoID, ticket.ID)
	}
	flow, err := m.store.GetFlow(ctx, todo.FlowID)
	if err != nil {
		return err
	}
	if flow.Status != models.FlowStatusRunning {
		return fmt.Errorf("flow %d is %s, not waiting for confirmation", flow.ID, flow.Status)
	}

	if !confirmed {
		return m.Terminate(ctx, ticket, doneBy, remark)
	}

	if flow.FlowType == models.FlowTypePause {
		resumed, conflicts, err := m.pause.TryResume(ctx, ticket, flow)
		if err != nil {
			return err
		}
		if !resumed {
			// 确认意向记下来，阻塞方撤走后由补扫放行，不用再点一次
			if err := m.store.UpdateContext(ctx, flow, models.JSONMap{
				"resume_requested_by": doneBy,
				"resume_requested_at": time.Now().Format(time.RFC3339),
			}); err != nil {
				return err
			}
			return fmt.Errorf("waiting on ticket %d", conflicts[0].TicketID)
		}
	}

	if err := m.todos.Resolve(ctx, &todo, doneBy, true, nil); err != nil {
		return err
	}
	if err := m.completeFlow(ctx, ticket, flow); err != nil {
		return err
	}
	return m.Run(ctx, ticket)
}

// GetTerminateReason 人工终止的标准化原因串
func GetTerminateReason(doneBy, remark string) string {
	return fmt.Sprintf("%s handled (manual terminate, remark: %s)", doneBy, remark)
}

// Terminate 人工终止工单：撤在跑的编排、清台账、关待办，
// 当前节点 TERMINATED、后续节点 REVOKED，工单收束。
// 编排侧未停下来之前不动台账：终止请求挂在节点上，等编排回调
// 或超时补扫来收尾，期间互斥照常生效。
func (m *FlowManager) Terminate(ctx context.Context, ticket *models.Ticket, doneBy, remark string) error {
	return m.terminate(ctx, ticket, doneBy, GetTerminateReason(doneBy, remark), models.ErrCodeUserTerminated)
}

func (m *FlowManager) terminate(ctx context.Context, ticket *models.Ticket, doneBy, reason string, errCode int) error {
	flow, err := m.store.CurrentFlow(ctx, ticket.ID)
	if err != nil {
		return err
	}
	if flow == nil {
		return fmt.Errorf("ticket %d has no flows to terminate", ticket.ID)
	}
	if flow.Status != models.FlowStatusRunning && flow.Status != models.FlowStatusFailed {
		return fmt.Errorf("ticket %d is not terminable in flow status %s", ticket.ID, flow.Status)
	}

	if flow.FlowType == models.FlowTypeInnerFlow && flow.FlowObjID != "" {
		if err := m.actuator.Cancel(ctx, flow.FlowObjID); err != nil {
			m.logger.Warnf("Cancel workflow %s for ticket %d failed: %v", flow.FlowObjID, ticket.ID, err)
		}
		if flow.Status == models.FlowStatusRunning {
			state, err := m.actuator.Status(ctx, flow.FlowObjID)
			if err != nil {
				m.logger.Warnf("Query workflow %s status for ticket %d failed: %v", flow.FlowObjID, ticket.ID, err)
				state = bkapi.WorkflowStateRunning
			}
			if state == bkapi.WorkflowStateRunning {
				// 编排还在跑，台账不能先放：挂终止请求等回调/补扫收尾
				if err := m.store.UpdateContext(ctx, flow, models.JSONMap{
					"terminate_requested_at": time.Now().Format(time.RFC3339),
					"terminate_requested_by": doneBy,
					"terminate_reason":       reason,
					"terminate_err_code":     errCode,
				}); err != nil {
					return err
				}
				m.logger.Infof("Terminate of ticket %d deferred: workflow %s still running", ticket.ID, flow.FlowObjID)
				return nil
			}
		}
	}
	if err := m.ledger.EndByFlow(ctx, flow.ID); err != nil {
		return err
	}

	open, err := m.todos.ListOpenByFlow(ctx, flow.ID)
	if err != nil {
		return err
	}
	for i := range open {
		if err := m.todos.Resolve(ctx, &open[i], doneBy, false, models.JSONMap{"terminate_reason": reason}); err != nil {
			return err
		}
	}

	if err := m.store.UpdateError(ctx, flow, reason, errCode); err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, flow, models.FlowStatusTerminated); err != nil {
		return err
	}
	if err := m.revokePendingFlows(ctx, ticket); err != nil {
		return err
	}
	m.recordStatusLog(ctx, ticket.ID, flow.ID, ticket.Status, models.TicketStatusTerminated, doneBy, reason)
	return m.finishTicket(ctx, ticket)
}

// revokePendingFlows 吊销尚未启动的后续节点
func (m *FlowManager) revokePendingFlows(ctx context.Context, ticket *models.Ticket) error {
	if err := m.db.WithContext(ctx).Model(&models.Flow{}).
		Where("ticket_id = ? AND status = ?", ticket.ID, models.FlowStatusPending).
		Update("status", models.FlowStatusRevoked).Error; err != nil {
		return fmt.Errorf("failed to revoke pending flows for ticket %d: %w", ticket.ID, err)
	}
	return nil
}

// Retry 人工/自动重试失败节点：清残账、复位节点、重进流水线
func (m *FlowManager) Retry(ctx context.Context, ticket *models.Ticket, operator string) error {
	flow, err := m.store.CurrentFlow(ctx, ticket.ID)
	if err != nil {
		return err
	}
	if flow == nil || flow.Status != models.FlowStatusFailed {
		return fmt.Errorf("ticket %d has no failed flow to retry", ticket.ID)
	}
	if flow.RetryType == models.RetryNone {
		return fmt.Errorf("flow %d (%s) does not allow retry", flow.ID, flow.FlowType)
	}

	if err := m.ledger.EndByFlow(ctx, flow.ID); err != nil {
		return err
	}
	if err := m.store.UpdateError(ctx, flow, "", models.ErrCodeOK); err != nil {
		return err
	}
	if err := m.store.UpdateStatus(ctx, flow, models.FlowStatusPending); err != nil {
		return err
	}
	m.recordStatusLog(ctx, ticket.ID, flow.ID, models.FlowStatusFailed, models.FlowStatusPending, operator, "retry")
	m.logger.Infof("Ticket %d flow %d retried by %s", ticket.ID, flow.ID, operator)
	return m.Run(ctx, ticket)
}

// TerminateStuckFlows 超时自动终止：停在审批/待办等待超过窗口的
// 工单由系统收掉，防止长期占着互斥台账；终止请求挂起超窗仍等不到
// 编排回调的节点也在这里兜底收尾
func (m *FlowManager) TerminateStuckFlows(ctx context.Context) (int, error) {
	if m.terminateWaitWindow <= 0 {
		return 0, nil
	}
	deadline := time.Now().Add(-m.terminateWaitWindow)
	var tickets []models.Ticket
	if err := m.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]string{models.TicketStatusApproveWaiting, models.TicketStatusTodoWaiting}, deadline).
		Find(&tickets).Error; err != nil {
		return 0, fmt.Errorf("failed to scan stuck tickets: %w", err)
	}
	terminated := 0
	for i := range tickets {
		if err := m.terminate(ctx, &tickets[i], "system", "timeout auto-terminate", models.ErrCodeSystemTerminated); err != nil {
			m.logger.Errorf("Auto terminate ticket %d failed: %v", tickets[i].ID, err)
			continue
		}
		terminated++
	}

	// 挂起的终止请求超窗还没等到编排回调：放弃等待，节点按系统终止
	// 记失败、清台账，工单收束走回收
	var flows []models.Flow
	if err := m.db.WithContext(ctx).
		Where("status = ? AND flow_type = ? AND context LIKE ?",
			models.FlowStatusRunning, models.FlowTypeInnerFlow, "%terminate_requested_at%").
		Find(&flows).Error; err != nil {
		return terminated, fmt.Errorf("failed to scan deferred terminations: %w", err)
	}
	for i := range flows {
		flow := &flows[i]
		requestedAt, err := time.Parse(time.RFC3339, flow.Context.GetString("terminate_requested_at"))
		if err != nil || requestedAt.After(deadline) {
			continue
		}
		ticket, err := m.GetTicket(ctx, flow.TicketID)
		if err != nil {
			m.logger.Errorf("Deferred terminate load ticket %d failed: %v", flow.TicketID, err)
			continue
		}
		if err := m.ledger.EndByFlow(ctx, flow.ID); err != nil {
			m.logger.Errorf("Deferred terminate of ticket %d failed to clear ledger: %v", ticket.ID, err)
			continue
		}
		if err := m.store.UpdateError(ctx, flow, "timeout auto-terminate", models.ErrCodeSystemTerminated); err != nil {
			m.logger.Errorf("Deferred terminate of ticket %d failed: %v", ticket.ID, err)
			continue
		}
		if err := m.store.UpdateStatus(ctx, flow, models.FlowStatusFailed); err != nil {
			m.logger.Errorf("Deferred terminate of ticket %d failed: %v", ticket.ID, err)
			continue
		}
		if err := m.finishTicket(ctx, ticket); err != nil {
			m.logger.Errorf("Deferred terminate of ticket %d failed to finish: %v", ticket.ID, err)
			continue
		}
		m.logger.Warnf("Workflow %s ignored cancellation for ticket %d, flow %d failed by timeout",
			flow.FlowObjID, ticket.ID, flow.ID)
		terminated++
	}

	if terminated > 0 {
		m.logger.Infof("Auto terminated %d stuck tickets", terminated)
	}
	return terminated, nil
}

// ResumeBlockedPauses 暂停门放行补扫：人已确认但当时被互斥挡住的
// 暂停节点，阻塞方撤走后自动放行并推进流水线
func (m *FlowManager) ResumeBlockedPauses(ctx context.Context) (int, error) {
	var flows []models.Flow
	if err := m.db.WithContext(ctx).
		Where("status = ? AND flow_type = ? AND context LIKE ?",
			models.FlowStatusRunning, models.FlowTypePause, "%resume_requested_by%").
		Find(&flows).Error; err != nil {
		return 0, fmt.Errorf("failed to scan blocked pause flows: %w", err)
	}
	resumed := 0
	for i := range flows {
		flow := &flows[i]
		ticket, err := m.GetTicket(ctx, flow.TicketID)
		if err != nil {
			m.logger.Errorf("Pause resume load ticket %d failed: %v", flow.TicketID, err)
			continue
		}
		ok, _, err := m.pause.TryResume(ctx, ticket, flow)
		if err != nil {
			m.logger.Errorf("Pause resume of ticket %d failed: %v", ticket.ID, err)
			continue
		}
		if !ok {
			continue
		}
		doneBy := flow.Context.GetString("resume_requested_by")
		open, err := m.todos.ListOpenByFlow(ctx, flow.ID)
		if err != nil {
			return resumed, err
		}
		for j := range open {
			if err := m.todos.Resolve(ctx, &open[j], doneBy, true, nil); err != nil {
				return resumed, err
			}
		}
		if err := m.completeFlow(ctx, ticket, flow); err != nil {
			return resumed, err
		}
		if err := m.Run(ctx, ticket); err != nil {
			m.logger.Errorf("Pause resume of ticket %d failed to advance: %v", ticket.ID, err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		m.logger.Infof("Resumed %d previously blocked pause gates", resumed)
	}
	return resumed, nil
}

// setTicketStatus 写工单状态并落审计日志；状态未变化时为空操作
func (m *FlowManager) setTicketStatus(ctx context.Context, ticket *models.Ticket, flow *models.Flow, status, operator, reason string) error {
	if ticket.Status == status {
		return nil
	}
	from := ticket.Status
	if err := m.db.WithContext(ctx).Model(&models.Ticket{}).
		Where("id = ?", ticket.ID).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("failed to update ticket %d status: %w", ticket.ID, err)
	}
	ticket.Status = status
	var flowID uint
	if flow != nil {
		flowID = flow.ID
	}
	m.recordStatusLog(ctx, ticket.ID, flowID, from, status, operator, reason)
	return nil
}

func (m *FlowManager) recordStatusLog(ctx context.Context, ticketID, flowID uint, from, to, operator, reason string) {
	log := models.TicketStatusLog{
		TicketID:   ticketID,
		FlowID:     flowID,
		FromStatus: from,
		ToStatus:   to,
		Operator:   operator,
		Reason:     reason,
	}
	if err := m.db.WithContext(ctx).Create(&log).Error; err != nil {
		m.logger.Errorf("Failed to record status log for ticket %d: %v", ticketID, err)
	}
}
