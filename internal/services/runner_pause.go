package services

import (
	"context"
	"fmt"

	"dbflow/internal/models"

	"github.com/sirupsen/logrus"
)

// PauseRunner 暂停门：落带暂停标记的台账占位（不参与阻塞他人，
// 也不在入场时查冲突），按需收紧前序节点放出的豁免，再开待办
// 等人工放行。放行时由 TryResume 复查互斥，通过才让流水线继续。
type PauseRunner struct {
	store  *FlowStore
	ledger *LedgerService
	todos  *TodoService
	logger *logrus.Logger
}

func NewPauseRunner(store *FlowStore, ledger *LedgerService, todos *TodoService, logger *logrus.Logger) *PauseRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &PauseRunner{store: store, ledger: ledger, todos: todos, logger: logger}
}

func (r *PauseRunner) Run(ctx context.Context, ticket *models.Ticket, flow *models.Flow) StageOutcome {
	// 占位记录先继承节点声明的豁免集，收回动作统一在下面做
	unlock := flow.Details.GetStringSlice("unlock_ticket_types")
	for _, clusterID := range ticketClusterIDs(ticket, flow) {
		record, err := r.ledger.Begin(ctx, clusterID, flow, ticket, unlock)
		if err != nil {
			return outcomeFail(err.Error(), models.ErrCodeTransient)
		}
		if !record.IsPaused {
			if err := r.ledger.MarkPaused(ctx, record, true); err != nil {
				return outcomeFail(err.Error(), models.ErrCodeTransient)
			}
		}
	}

	// 前面节点放出、不许带进暂停期的豁免，从本单全部在账记录上收回
	// （前序节点成功收尾时记录已清，通常只剩暂停占位本身）
	if release := flow.Details.GetStringSlice("release_unlock_ticket_type_list"); len(release) > 0 {
		records, err := r.ledger.ListByTicket(ctx, ticket.ID)
		if err != nil {
			return outcomeFail(err.Error(), models.ErrCodeTransient)
		}
		for i := range records {
			if err := r.ledger.RetractUnlock(ctx, &records[i], release); err != nil {
				return outcomeFail(err.Error(), models.ErrCodeTransient)
			}
		}
	}

	open, err := r.todos.ListOpenByFlow(ctx, flow.ID)
	if err != nil {
		return outcomeFail(err.Error(), models.ErrCodeTransient)
	}
	if len(open) == 0 {
		name := fmt.Sprintf("%s 暂停中，确认后继续", ticket.TicketType)
		if _, err := r.todos.CreateTodo(ctx, ticket, flow, name); err != nil {
			return outcomeFail(err.Error(), models.ErrCodeTransient)
		}
	}
	return outcomeAwaitingHuman()
}

// TryResume 人工放行后的互斥复查。仍有阻塞方时返回 false 和冲突
// 明细，节点保持等待；全部集群无阻塞才清掉暂停标记放流水线通过。
// 复查会剔除其它暂停记录，两个同点暂停的工单不会互相等死。
func (r *PauseRunner) TryResume(ctx context.Context, ticket *models.Ticket, flow *models.Flow) (bool, []ConflictInfo, error) {
	records, err := r.ledger.ListByTicket(ctx, ticket.ID)
	if err != nil {
		return false, nil, err
	}
	var paused []*models.ClusterOperationRecord
	var blocking []ConflictInfo
	for i := range records {
		if records[i].FlowID != flow.ID {
			continue
		}
		paused = append(paused, &records[i])
		conflicts, err := r.ledger.ConflictsForPause(ctx, &records[i])
		if err != nil {
			return false, nil, err
		}
		blocking = append(blocking, conflicts...)
	}
	if len(blocking) > 0 {
		r.logger.Infof("Ticket %d still blocked at pause flow %d, waiting on ticket %d",
			ticket.ID, flow.ID, blocking[0].TicketID)
		return false, blocking, nil
	}
	for _, record := range paused {
		if err := r.ledger.MarkPaused(ctx, record, false); err != nil {
			return false, nil, err
		}
	}
	return true, nil, nil
}
