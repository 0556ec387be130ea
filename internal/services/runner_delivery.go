package services

import (
	"context"
	"fmt"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"

	"github.com/sirupsen/logrus"
)

// DeliveryRunner 交付阶段：登记关联工单、发通知，同步完成。
// 通知失败不阻塞交付，只记日志。
type DeliveryRunner struct {
	store      *FlowStore
	notifier   bkapi.Notifier
	channelIDs []string
	logger     *logrus.Logger
}

func NewDeliveryRunner(store *FlowStore, notifier bkapi.Notifier, channelIDs []string, logger *logrus.Logger) *DeliveryRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &DeliveryRunner{store: store, notifier: notifier, channelIDs: channelIDs, logger: logger}
}

func (r *DeliveryRunner) Run(ctx context.Context, ticket *models.Ticket, flow *models.Flow) StageOutcome {
	if related := flow.Details.GetUint("related_ticket"); related != 0 {
		if err := r.store.UpdateContext(ctx, flow, models.JSONMap{"related_ticket": related}); err != nil {
			return outcomeFail(err.Error(), models.ErrCodeTransient)
		}
	}

	if r.notifier != nil && len(r.channelIDs) > 0 {
		title := fmt.Sprintf("[%s] 工单 %d 已交付", ticket.TicketType, ticket.ID)
		body := fmt.Sprintf("creator=%s biz=%d remark=%s", ticket.Creator, ticket.BizID, ticket.Remark)
		if err := r.notifier.Send(ctx, title, body, r.channelIDs); err != nil {
			r.logger.Warnf("Delivery notification for ticket %d failed: %v", ticket.ID, err)
		}
	}
	return outcomeSuccess()
}
