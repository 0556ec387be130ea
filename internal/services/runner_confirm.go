package services

import (
	"context"
	"fmt"

	"dbflow/internal/models"

	"github.com/sirupsen/logrus"
)

// HumanConfirmRunner 人工确认阶段：开待办给业务 DBA（平台 DBA 兜底）
type HumanConfirmRunner struct {
	todos  *TodoService
	logger *logrus.Logger
}

func NewHumanConfirmRunner(todos *TodoService, logger *logrus.Logger) *HumanConfirmRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &HumanConfirmRunner{todos: todos, logger: logger}
}

func (r *HumanConfirmRunner) Run(ctx context.Context, ticket *models.Ticket, flow *models.Flow) StageOutcome {
	open, err := r.todos.ListOpenByFlow(ctx, flow.ID)
	if err != nil {
		return outcomeFail(err.Error(), models.ErrCodeTransient)
	}
	if len(open) == 0 {
		name := fmt.Sprintf("%s 待确认", ticket.TicketType)
		if _, err := r.todos.CreateTodo(ctx, ticket, flow, name); err != nil {
			return outcomeFail(err.Error(), models.ErrCodeTransient)
		}
	}
	return outcomeAwaitingHuman()
}
