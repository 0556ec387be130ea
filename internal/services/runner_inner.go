package services

import (
	"context"
	"errors"
	"fmt"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// InnerFlowRunner 任务编排阶段：互斥落账 → 启动编排树 → 等完成回调。
// 落账失败（冲突）时节点直接 FAILED，等人工重试；落账成功但
// 启动失败时回滚台账，避免留下挡住别人的孤儿记录。
type InnerFlowRunner struct {
	store    *FlowStore
	ledger   *LedgerService
	actuator bkapi.ActuatorDispatcher
	logger   *logrus.Logger
}

func NewInnerFlowRunner(store *FlowStore, ledger *LedgerService, actuator bkapi.ActuatorDispatcher, logger *logrus.Logger) *InnerFlowRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &InnerFlowRunner{store: store, ledger: ledger, actuator: actuator, logger: logger}
}

func (r *InnerFlowRunner) Run(ctx context.Context, ticket *models.Ticket, flow *models.Flow) StageOutcome {
	clusterIDs := ticketClusterIDs(ticket, flow)
	unlockTypes := flow.Details.GetStringSlice("unlock_ticket_types")

	if len(clusterIDs) > 0 {
		if _, err := r.ledger.BeginAll(ctx, clusterIDs, flow, ticket, unlockTypes, false); err != nil {
			var conflictErr *ExclusionConflictError
			if errors.As(err, &conflictErr) {
				return outcomeFail(conflictErr.Error(), models.ErrCodeInnerFail)
			}
			return outcomeFail(err.Error(), models.ErrCodeTransient)
		}
	}

	// 每次执行（含重试）都换新的编排根节点 id
	rootID := uuid.New().String()
	payload := map[string]interface{}{
		"ticket_id":   ticket.ID,
		"ticket_type": ticket.TicketType,
		"flow_id":     flow.ID,
		"created_by":  ticket.Creator,
		"details":     map[string]interface{}(flow.Details),
	}
	if err := r.actuator.Start(ctx, rootID, payload); err != nil {
		if endErr := r.ledger.EndByFlow(ctx, flow.ID); endErr != nil {
			r.logger.Errorf("Failed to roll back ledger for flow %d: %v", flow.ID, endErr)
		}
		return outcomeFail(fmt.Sprintf("start workflow failed: %v", err), models.ErrCodeTransient)
	}
	if err := r.store.UpdateObjID(ctx, flow, rootID); err != nil {
		return outcomeFail(err.Error(), models.ErrCodeTransient)
	}

	r.logger.Infof("Workflow %s started for ticket %d flow %d on clusters %v", rootID, ticket.ID, flow.ID, clusterIDs)
	return outcomeAwaitingExternal()
}
