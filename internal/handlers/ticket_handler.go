package handlers

import (
	"net/http"
	"strconv"

	"dbflow/internal/metrics"
	"dbflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// TicketHandler 工单接口处理器
type TicketHandler struct {
	tickets *services.TicketService
	manager *services.FlowManager
	store   *services.FlowStore
	logger  *logrus.Logger
}

// NewTicketHandler 创建工单处理器
func NewTicketHandler(tickets *services.TicketService, manager *services.FlowManager, store *services.FlowStore, logger *logrus.Logger) *TicketHandler {
	return &TicketHandler{tickets: tickets, manager: manager, store: store, logger: logger}
}

// CreateTicket 创建工单
func (h *TicketHandler) CreateTicket(c *gin.Context) {
	var req services.CreateTicketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	ticket, err := h.tickets.CreateTicket(c.Request.Context(), &req)
	if err != nil {
		if ticket == nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "Failed to create ticket",
				Message: err.Error(),
			})
			return
		}
		// 单已建出但首个节点启动失败，返回单号让用户重试
		h.logger.Errorf("Ticket %d created but start failed: %v", ticket.ID, err)
	}
	metrics.IncTicketsCreated()
	c.JSON(http.StatusCreated, ticket)
}

// GetTicket 工单详情（含流程节点与待办）
func (h *TicketHandler) GetTicket(c *gin.Context) {
	id, ok := h.ticketID(c)
	if !ok {
		return
	}
	ticket, err := h.tickets.GetTicketWithFlows(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "Ticket not found",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// ListTickets 工单列表
func (h *TicketHandler) ListTickets(c *gin.Context) {
	bizID, _ := strconv.ParseUint(c.Query("bk_biz_id"), 10, 32)
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}

	tickets, total, err := h.tickets.ListTickets(c.Request.Context(),
		uint(bizID), c.Query("status"), c.Query("ticket_type"), pageSize, (page-1)*pageSize)
	if err != nil {
		h.logger.Errorf("Failed to list tickets: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to list tickets",
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, PaginatedResponse{
		Data:     tickets,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}

// ApproveRequest 手工审批请求（绕过外部审批网关的内部通道）
type ApproveRequest struct {
	Operator string `json:"operator" binding:"required"`
	Result   string `json:"result" binding:"required,oneof=approved rejected"`
}

// ApproveTicket 手工录入审批结果
func (h *TicketHandler) ApproveTicket(c *gin.Context) {
	id, ok := h.ticketID(c)
	if !ok {
		return
	}
	var req ApproveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	flow, err := h.store.CurrentFlow(c.Request.Context(), id)
	if err != nil || flow == nil || flow.FlowObjID == "" {
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "Ticket is not awaiting approval",
			Message: "no approval handle bound to the current flow",
		})
		return
	}
	if err := h.manager.HandleApprovalCallback(c.Request.Context(), flow.FlowObjID, req.Result, req.Operator); err != nil {
		h.logger.Errorf("Manual approval on ticket %d failed: %v", id, err)
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Failed to process approval", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "approval processed"})
}

// TodoActionRequest 待办处理请求
type TodoActionRequest struct {
	TodoID uint   `json:"todo_id" binding:"required"`
	DoneBy string `json:"done_by" binding:"required"`
	Remark string `json:"remark"`
}

// ConfirmTicket 人工确认 / 暂停放行
func (h *TicketHandler) ConfirmTicket(c *gin.Context) {
	h.todoAction(c, true)
}

// TerminateRequest 终止请求（不要求带待办 id）
type TerminateRequest struct {
	DoneBy string `json:"done_by" binding:"required"`
	Remark string `json:"remark"`
}

// TerminateTicket 人工终止
func (h *TicketHandler) TerminateTicket(c *gin.Context) {
	id, ok := h.ticketID(c)
	if !ok {
		return
	}
	var req TerminateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	ticket, err := h.manager.GetTicket(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Ticket not found", Message: err.Error()})
		return
	}
	if err := h.manager.Terminate(c.Request.Context(), ticket, req.DoneBy, req.Remark); err != nil {
		h.logger.Errorf("Failed to terminate ticket %d: %v", id, err)
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Failed to terminate ticket", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ticket terminated"})
}

// RetryTicket 重试失败节点
func (h *TicketHandler) RetryTicket(c *gin.Context) {
	id, ok := h.ticketID(c)
	if !ok {
		return
	}
	operator := c.DefaultQuery("operator", "unknown")
	ticket, err := h.manager.GetTicket(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Ticket not found", Message: err.Error()})
		return
	}
	if err := h.manager.Retry(c.Request.Context(), ticket, operator); err != nil {
		h.logger.Errorf("Failed to retry ticket %d: %v", id, err)
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Failed to retry ticket", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ticket retried"})
}

func (h *TicketHandler) todoAction(c *gin.Context, confirmed bool) {
	id, ok := h.ticketID(c)
	if !ok {
		return
	}
	var req TodoActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	ticket, err := h.manager.GetTicket(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Ticket not found", Message: err.Error()})
		return
	}
	if err := h.manager.Confirm(c.Request.Context(), ticket, req.TodoID, req.DoneBy, confirmed, req.Remark); err != nil {
		h.logger.Warnf("Confirm on ticket %d todo %d failed: %v", id, req.TodoID, err)
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Failed to process todo", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "todo processed"})
}

func (h *TicketHandler) ticketID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid ticket ID",
			Message: "ID must be a valid number",
		})
		return 0, false
	}
	return uint(id), true
}
