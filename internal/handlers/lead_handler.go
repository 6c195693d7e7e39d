package handlers

import (
	"net/http"

	"leadflow/internal/models"
	"leadflow/internal/services"

	"github.com/gin-gonic/gin"
)

// LeadHandler 接收线索提交与状态变更事件
type LeadHandler struct {
	service *services.AutomationService
}

func NewLeadHandler(service *services.AutomationService) *LeadHandler {
	return &LeadHandler{service: service}
}

// UpdateLeadStatusRequest 状态变更请求
type UpdateLeadStatusRequest struct {
	Status models.LeadStatus `json:"status" binding:"required"`
}

// CreateLead 新提交，触发 FORM_SUBMISSION / FIELD_VALUE 自动化
func (h *LeadHandler) CreateLead(c *gin.Context) {
	var req services.LeadCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	lead, triggered, err := h.service.CreateLead(c.Request.Context(), &req)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to create lead", Message: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"lead": lead, "triggered": triggered})
}

// UpdateStatus 状态变更，触发 SUBMISSION_STATUS 自动化
func (h *LeadHandler) UpdateStatus(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req UpdateLeadStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	lead, enqueued, err := h.service.UpdateLeadStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		c.JSON(statusFor(err), ErrorResponse{Error: "Failed to update lead status", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lead": lead, "enqueued": enqueued})
}

// RegisterLeadRoutes 注册路由
func RegisterLeadRoutes(r *gin.RouterGroup, handler *LeadHandler) {
	leads := r.Group("/leads")
	{
		leads.POST("", handler.CreateLead)
		leads.PUT("/:id/status", handler.UpdateStatus)
	}
}
