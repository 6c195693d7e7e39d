package handlers

import (
	"net/http"

	"leadflow/internal/services"

	"github.com/gin-gonic/gin"
)

// AutomationHandler 自动化运行、任务队列与审计日志
type AutomationHandler struct {
	service   *services.AutomationService
	processor *services.JobProcessor
}

func NewAutomationHandler(service *services.AutomationService, processor *services.JobProcessor) *AutomationHandler {
	return &AutomationHandler{service: service, processor: processor}
}

// RunAutomationRequest 手动运行请求
type RunAutomationRequest struct {
	LeadID *uint                  `json:"lead_id"`
	Data   map[string]interface{} `json:"data"`
}

// TemplateVariablesRequest 模板变量解析请求
type TemplateVariablesRequest struct {
	Template string                 `json:"template" binding:"required"`
	Data     map[string]interface{} `json:"data"`
}

// ListAutomations 获取自动化列表
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	var req services.AutomationListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	automations, err := h.service.ListAutomations(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list automations", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, automations)
}

// RunAutomation 手动触发一次自动化
func (h *AutomationHandler) RunAutomation(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req RunAutomationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
			return
		}
	}

	res, err := h.service.RunAutomation(c.Request.Context(), id, req.LeadID, req.Data)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to run automation", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ProcessJobs 立即执行一次任务处理
func (h *AutomationHandler) ProcessJobs(c *gin.Context) {
	res, err := h.processor.ProcessDueJobs(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to process jobs", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// ListJobs 分页查询计划任务
func (h *AutomationHandler) ListJobs(c *gin.Context) {
	var req services.JobListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	jobs, total, err := h.processor.ListJobs(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list jobs", Message: err.Error()})
		return
	}
	page, size := pageParams(req.Page, req.PageSize)
	c.JSON(http.StatusOK, PaginatedResponse{Data: jobs, Total: total, Page: page, PageSize: size})
}

// RequeueJob 重新入队失败的任务
func (h *AutomationHandler) RequeueJob(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	job, err := h.processor.RequeueJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to requeue job", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, job)
}

// ListLogs 分页查询审计日志
func (h *AutomationHandler) ListLogs(c *gin.Context) {
	var req services.LogListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query", Message: err.Error()})
		return
	}
	logs, total, err := h.service.ListLogs(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list logs", Message: err.Error()})
		return
	}
	page, size := pageParams(req.Page, req.PageSize)
	c.JSON(http.StatusOK, PaginatedResponse{Data: logs, Total: total, Page: page, PageSize: size})
}

// TemplateVariables 返回模板引用的变量，并可选地渲染预览
func (h *AutomationHandler) TemplateVariables(c *gin.Context) {
	var req TemplateVariablesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	resp := gin.H{"variables": services.ExtractVariables(req.Template)}
	if req.Data != nil {
		resp["preview"] = services.Interpolate(req.Template, req.Data)
	}
	c.JSON(http.StatusOK, resp)
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("", handler.ListAutomations)
		auto.POST("/:id/run", handler.RunAutomation)
		auto.POST("/jobs/process", handler.ProcessJobs)
		auto.GET("/jobs", handler.ListJobs)
		auto.POST("/jobs/:id/requeue", handler.RequeueJob)
		auto.GET("/logs", handler.ListLogs)
		auto.POST("/templates/variables", handler.TemplateVariables)
	}
}
