package services

import (
	"context"
	"fmt"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"

	"github.com/sirupsen/logrus"
)

// ApprovalRunner 外部审批阶段：建审批单、存句柄、等回调
type ApprovalRunner struct {
	store    *FlowStore
	approval bkapi.ApprovalGateway
	logger   *logrus.Logger
}

func NewApprovalRunner(store *FlowStore, approval bkapi.ApprovalGateway, logger *logrus.Logger) *ApprovalRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &ApprovalRunner{store: store, approval: approval, logger: logger}
}

func (r *ApprovalRunner) Run(ctx context.Context, ticket *models.Ticket, flow *models.Flow) StageOutcome {
	// 重入（回调丢失后的人工重试）直接复用已有审批单
	if flow.FlowObjID != "" {
		return outcomeAwaitingExternal()
	}

	handle, err := r.approval.CreateApproval(ctx, map[string]interface{}{
		"ticket_id":   ticket.ID,
		"ticket_type": ticket.TicketType,
		"bk_biz_id":   ticket.BizID,
		"creator":     ticket.Creator,
		"remark":      ticket.Remark,
	})
	if err != nil {
		return outcomeFail(fmt.Sprintf("create approval failed: %v", err), models.ErrCodeTransient)
	}
	if err := r.store.UpdateObjID(ctx, flow, handle); err != nil {
		return outcomeFail(err.Error(), models.ErrCodeTransient)
	}

	r.logger.Infof("Approval %s created for ticket %d", handle, ticket.ID)
	return outcomeAwaitingExternal()
}
