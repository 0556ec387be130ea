package handlers

import (
	"net/http"

	"dbflow/internal/metrics"
	"dbflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CallbackHandler 外部回调处理器：编排完成、审批结果、告警推送
type CallbackHandler struct {
	manager *services.FlowManager
	alarms  *services.AlarmService
	logger  *logrus.Logger
}

// NewCallbackHandler 创建回调处理器
func NewCallbackHandler(manager *services.FlowManager, alarms *services.AlarmService, logger *logrus.Logger) *CallbackHandler {
	return &CallbackHandler{manager: manager, alarms: alarms, logger: logger}
}

// WorkflowCallbackRequest 编排完成回调
type WorkflowCallbackRequest struct {
	RootID string                 `json:"root_id" binding:"required"`
	Result string                 `json:"result" binding:"required"`
	Output map[string]interface{} `json:"output"`
}

// WorkflowCallback 编排树终态通知
func (h *CallbackHandler) WorkflowCallback(c *gin.Context) {
	var req WorkflowCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.IncCallbacksDropped()
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	if err := h.manager.HandleWorkflowCallback(c.Request.Context(), req.RootID, req.Result, req.Output); err != nil {
		metrics.IncCallbacksDropped()
		h.logger.Errorf("Workflow callback %s failed: %v", req.RootID, err)
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Failed to process workflow callback", Message: err.Error()})
		return
	}
	metrics.IncCallbacksHandled()
	c.JSON(http.StatusOK, SuccessResponse{Message: "callback processed"})
}

// ApprovalCallbackRequest 审批结果回调
type ApprovalCallbackRequest struct {
	Handle   string `json:"handle" binding:"required"`
	Result   string `json:"result" binding:"required,oneof=approved rejected"`
	Operator string `json:"operator"`
}

// ApprovalCallback 审批网关异步回调
func (h *CallbackHandler) ApprovalCallback(c *gin.Context) {
	var req ApprovalCallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.IncCallbacksDropped()
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	if err := h.manager.HandleApprovalCallback(c.Request.Context(), req.Handle, req.Result, req.Operator); err != nil {
		metrics.IncCallbacksDropped()
		h.logger.Errorf("Approval callback %s failed: %v", req.Handle, err)
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Failed to process approval callback", Message: err.Error()})
		return
	}
	metrics.IncCallbacksHandled()
	c.JSON(http.StatusOK, SuccessResponse{Message: "callback processed"})
}

// AlarmCallback 告警推送入口
func (h *CallbackHandler) AlarmCallback(c *gin.Context) {
	var event services.AlarmEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	ticketIDs, err := h.alarms.HandleAlarm(c.Request.Context(), &event)
	if err != nil {
		h.logger.Errorf("Alarm handling failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to process alarm", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "alarm processed", Data: ticketIDs})
}
