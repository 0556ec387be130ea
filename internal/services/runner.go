package services

import (
	"context"

	"dbflow/internal/models"
)

// OutcomeKind 阶段执行的去向
type OutcomeKind int

const (
	// OutcomeSuccess 阶段同步完成，流水线立即推进
	OutcomeSuccess OutcomeKind = iota
	// OutcomeFail 阶段失败，流水线停在当前节点等待处理
	OutcomeFail
	// OutcomeAwaitingHuman 等待人工（待办）
	OutcomeAwaitingHuman
	// OutcomeAwaitingExternal 等待外部回调（审批结果/编排完成）
	OutcomeAwaitingExternal
)

// StageOutcome 一次 Run 的结果
type StageOutcome struct {
	Kind    OutcomeKind
	ErrMsg  string
	ErrCode int
}

func outcomeSuccess() StageOutcome {
	return StageOutcome{Kind: OutcomeSuccess}
}

func outcomeFail(errMsg string, errCode int) StageOutcome {
	return StageOutcome{Kind: OutcomeFail, ErrMsg: errMsg, ErrCode: errCode}
}

func outcomeAwaitingHuman() StageOutcome {
	return StageOutcome{Kind: OutcomeAwaitingHuman}
}

func outcomeAwaitingExternal() StageOutcome {
	return StageOutcome{Kind: OutcomeAwaitingExternal}
}

// FlowRunner 单个流程节点的执行器。Run 只负责把阶段推进到
// 下一个稳定点；节点状态的持久化由 FlowManager 统一处理。
type FlowRunner interface {
	Run(ctx context.Context, ticket *models.Ticket, flow *models.Flow) StageOutcome
}

// ticketClusterIDs 节点/工单涉及的集群集合。
// 节点明细优先，其次工单明细；单集群写法 cluster_id 兜底。
func ticketClusterIDs(ticket *models.Ticket, flow *models.Flow) []uint {
	if flow != nil {
		if ids := flow.Details.GetUintSlice("cluster_ids"); len(ids) > 0 {
			return ids
		}
		if id := flow.Details.GetUint("cluster_id"); id != 0 {
			return []uint{id}
		}
	}
	if ids := ticket.Details.GetUintSlice("cluster_ids"); len(ids) > 0 {
		return ids
	}
	if id := ticket.Details.GetUint("cluster_id"); id != 0 {
		return []uint{id}
	}
	return nil
}
