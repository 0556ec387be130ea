package services

import (
	"context"
	"fmt"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"

	"github.com/sirupsen/logrus"
)

// ResourceApplyRunner 资源申请阶段：向资源池要主机，分配结果写进
// 节点输出袋供后续编排节点消费。RESOURCE_BATCH 按组逐批申请，
// 任何一批失败整个节点失败（已申请的批次由资源池侧回收策略兜底）。
type ResourceApplyRunner struct {
	store  *FlowStore
	broker bkapi.ResourceBroker
	logger *logrus.Logger
}

func NewResourceApplyRunner(store *FlowStore, broker bkapi.ResourceBroker, logger *logrus.Logger) *ResourceApplyRunner {
	if logger == nil {
		logger = logrus.New()
	}
	return &ResourceApplyRunner{store: store, broker: broker, logger: logger}
}

func (r *ResourceApplyRunner) Run(ctx context.Context, ticket *models.Ticket, flow *models.Flow) StageOutcome {
	if flow.FlowType == models.FlowTypeResourceBatch {
		return r.runBatch(ctx, ticket, flow)
	}

	params := r.applyParams(ticket, flow, nil)
	result, outcome := r.applyOnce(ctx, params)
	if outcome != nil {
		return *outcome
	}
	patch := models.JSONMap{
		"resource_request_id": result.RequestID,
		"hosts":               hostsToMaps(result.Hosts),
	}
	if err := r.store.UpdateContext(ctx, flow, patch); err != nil {
		return outcomeFail(err.Error(), models.ErrCodeTransient)
	}
	r.logger.Infof("Resource apply for ticket %d flow %d allocated %d hosts (request %s)",
		ticket.ID, flow.ID, len(result.Hosts), result.RequestID)
	return outcomeSuccess()
}

func (r *ResourceApplyRunner) runBatch(ctx context.Context, ticket *models.Ticket, flow *models.Flow) StageOutcome {
	raw, _ := flow.Details["batch_params"].([]interface{})
	if len(raw) == 0 {
		return outcomeFail("resource batch flow has no batch_params", models.ErrCodeValidation)
	}
	groups := make([]map[string]interface{}, 0, len(raw))
	for i, item := range raw {
		group, ok := item.(map[string]interface{})
		if !ok {
			return outcomeFail(fmt.Sprintf("batch_params[%d] is not an object", i), models.ErrCodeValidation)
		}
		result, outcome := r.applyOnce(ctx, r.applyParams(ticket, flow, group))
		if outcome != nil {
			return *outcome
		}
		groups = append(groups, map[string]interface{}{
			"resource_request_id": result.RequestID,
			"hosts":               hostsToMaps(result.Hosts),
		})
	}
	if err := r.store.UpdateContext(ctx, flow, models.JSONMap{"batch_allocations": groups}); err != nil {
		return outcomeFail(err.Error(), models.ErrCodeTransient)
	}
	r.logger.Infof("Resource batch apply for ticket %d flow %d finished %d groups", ticket.ID, flow.ID, len(groups))
	return outcomeSuccess()
}

func (r *ResourceApplyRunner) applyOnce(ctx context.Context, params map[string]interface{}) (*bkapi.ResourceApplyResult, *StageOutcome) {
	result, err := r.broker.Apply(ctx, params)
	if err != nil {
		o := outcomeFail(fmt.Sprintf("resource apply failed: %v", err), models.ErrCodeTransient)
		return nil, &o
	}
	if result.Code != bkapi.ResourceCodeOK {
		msg := fmt.Sprintf("resource apply rejected: code=%d", result.Code)
		if result.Code == bkapi.ResourceCodeLake {
			msg = fmt.Sprintf("resource pool lacks matching hosts (RESOURCE_LAKE, code=%d)", result.Code)
		}
		o := outcomeFail(msg, models.ErrCodeResource)
		return nil, &o
	}
	return result, nil
}

func (r *ResourceApplyRunner) applyParams(ticket *models.Ticket, flow *models.Flow, group map[string]interface{}) map[string]interface{} {
	params := map[string]interface{}{
		"ticket_id":  ticket.ID,
		"bk_biz_id":  ticket.BizID,
		"applicant":  ticket.Creator,
		"group_mark": fmt.Sprintf("flow-%d", flow.ID),
	}
	if spec, ok := flow.Details["resource_spec"].(map[string]interface{}); ok {
		params["resource_spec"] = spec
	}
	for k, v := range group {
		params[k] = v
	}
	return params
}

func hostsToMaps(hosts []bkapi.ResourceHost) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, map[string]interface{}{
			"bk_host_id":  h.HostID,
			"ip":          h.IP,
			"bk_cloud_id": h.CloudID,
			"spec":        h.Spec,
		})
	}
	return out
}
