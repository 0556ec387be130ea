package handlers

import (
	"net/http"
	"strconv"

	"dbflow/internal/models"
	"dbflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminHandler 运维管理接口：流程配置、互斥矩阵重载、周期任务
type AdminHandler struct {
	flowConfigs *services.FlowConfigService
	exclusion   *services.ExclusionService
	scheduler   *services.SchedulerService
	logger      *logrus.Logger
}

// NewAdminHandler 创建管理处理器
func NewAdminHandler(
	flowConfigs *services.FlowConfigService,
	exclusion *services.ExclusionService,
	scheduler *services.SchedulerService,
	logger *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		flowConfigs: flowConfigs,
		exclusion:   exclusion,
		scheduler:   scheduler,
		logger:      logger,
	}
}

// ListFlowConfigs 流程配置列表
func (h *AdminHandler) ListFlowConfigs(c *gin.Context) {
	configs, err := h.flowConfigs.List(c.Request.Context(), c.Query("ticket_type"))
	if err != nil {
		h.logger.Errorf("Failed to list flow configs: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list flow configs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, configs)
}

// UpsertFlowConfig 新建/更新流程配置
func (h *AdminHandler) UpsertFlowConfig(c *gin.Context) {
	var cfg models.FlowConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}
	if cfg.TicketType == "" || cfg.Scope == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid flow config",
			Message: "ticket_type and scope are required",
		})
		return
	}
	if err := h.flowConfigs.Upsert(c.Request.Context(), &cfg); err != nil {
		h.logger.Errorf("Failed to upsert flow config: %v", err)
		c.JSON(http.StatusConflict, ErrorResponse{Error: "Failed to save flow config", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// ReloadExclusions 重载互斥矩阵（原子替换快照）
func (h *AdminHandler) ReloadExclusions(c *gin.Context) {
	if err := h.exclusion.Reload(); err != nil {
		h.logger.Errorf("Failed to reload exclusion matrix: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to reload exclusion matrix", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "exclusion matrix reloaded"})
}

// ListTasks 周期任务目录
func (h *AdminHandler) ListTasks(c *gin.Context) {
	tasks, err := h.scheduler.ListTasks(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Failed to list tasks: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list tasks", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// ListTaskRuns 某任务最近执行记录
func (h *AdminHandler) ListTaskRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := h.scheduler.ListRuns(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		h.logger.Errorf("Failed to list task runs: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list task runs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

// FreezeTask 冻结周期任务
func (h *AdminHandler) FreezeTask(c *gin.Context) {
	h.setFrozen(c, true)
}

// UnfreezeTask 解冻周期任务
func (h *AdminHandler) UnfreezeTask(c *gin.Context) {
	h.setFrozen(c, false)
}

func (h *AdminHandler) setFrozen(c *gin.Context, frozen bool) {
	name := c.Param("name")
	if err := h.scheduler.SetFrozen(c.Request.Context(), name, frozen); err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Failed to update task", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "task updated"})
}
