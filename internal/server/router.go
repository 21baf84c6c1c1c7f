package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hearthlabs/hearth/internal/auth"
	"github.com/hearthlabs/hearth/internal/family"
	"github.com/hearthlabs/hearth/internal/realtime"
	"github.com/hearthlabs/hearth/internal/schedule"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "hearth_user_id"
	familyIDContextKey = "hearth_family_id"
)

var (
	errMissingTokens          = errors.New("token validator dependency required")
	errMissingScheduleService = errors.New("schedule service dependency required")
	errMissingFamilyService   = errors.New("family service dependency required")
	errMissingHub             = errors.New("realtime hub dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenValidator checks a bearer token and returns its scope.
type TokenValidator interface {
	Validate(token string) (auth.Scope, error)
}

// Dependencies wires the HTTP surface to the services behind it.
type Dependencies struct {
	Tokens      TokenValidator
	Schedule    *schedule.Service
	Families    *family.Service
	Hub         *realtime.Hub
	Logger      *zap.Logger
	ToastBuffer int
}

// NewHTTPHandler builds the gin router: schedule CRUD pass-through, family
// membership reads, and the realtime websocket bridge.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokens
	}
	if deps.Schedule == nil {
		return nil, errMissingScheduleService
	}
	if deps.Families == nil {
		return nil, errMissingFamilyService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:      deps.Tokens,
		schedules:   deps.Schedule,
		families:    deps.Families,
		hub:         deps.Hub,
		logger:      logger,
		toastBuffer: deps.ToastBuffer,
	}

	// The websocket upgrade cannot carry an Authorization header from a
	// browser, so it authenticates via query parameter.
	router.GET("/realtime/ws", handler.handleRealtimeWS)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/schedule/:date", handler.handleGetSchedule)
	protected.POST("/schedule/:date/blocks", handler.handleCreateBlock)
	protected.PATCH("/blocks/:blockID/times", handler.handleUpdateBlockTimes)
	protected.POST("/blocks/:blockID/items", handler.handleCreateItem)
	protected.DELETE("/items/:itemID", handler.handleDeleteItem)
	protected.PATCH("/items/:itemID/completion", handler.handleItemCompletion)
	protected.POST("/items/:itemID/template", handler.handleAttachTemplate)
	protected.PATCH("/steps/:stepID/completion", handler.handleStepCompletion)
	protected.GET("/templates", handler.handleListTemplates)
	protected.POST("/templates", handler.handleCreateTemplate)
	protected.DELETE("/templates/:templateID", handler.handleDeleteTemplate)
	protected.GET("/members", handler.handleListMembers)

	return router, nil
}

type httpHandler struct {
	tokens      TokenValidator
	schedules   *schedule.Service
	families    *family.Service
	hub         *realtime.Hub
	logger      *zap.Logger
	toastBuffer int
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	scope, err := h.tokens.Validate(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, scope.UserID)
	c.Set(familyIDContextKey, scope.FamilyID)
	c.Next()
}

func (h *httpHandler) requestScope(c *gin.Context) (auth.Scope, bool) {
	scope := auth.Scope{
		UserID:   c.GetString(userIDContextKey),
		FamilyID: c.GetString(familyIDContextKey),
	}
	if scope.UserID == "" || scope.FamilyID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return auth.Scope{}, false
	}
	return scope, true
}

func (h *httpHandler) handleGetSchedule(c *gin.Context) {
	scope, ok := h.requestScope(c)
	if !ok {
		return
	}
	date, err := schedule.NewDate(c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return
	}
	day, err := h.schedules.ScheduleForDate(c.Request.Context(), scope.FamilyID, date.String())
	if err != nil {
		h.logger.Error("failed to load schedule", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "schedule_load_failed"})
		return
	}
	c.JSON(http.StatusOK, day)
}

type createBlockPayload struct {
	Title     string `json:"title"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (h *httpHandler) handleCreateBlock(c *gin.Context) {
	scope, ok := h.requestScope(c)
	if !ok {
		return
	}
	date, err := schedule.NewDate(c.Param("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date"})
		return
	}
	var request createBlockPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	familyID, err := schedule.NewFamilyID(scope.FamilyID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_family"})
		return
	}
	block, err := h.schedules.CreateTimeBlock(c.Request.Context(), familyID, date, request.Title, request.StartTime, request.EndTime)
	if err != nil {
		h.logger.Error("failed to create time block", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "block_create_failed"})
		return
	}
	c.JSON(http.StatusCreated, block)
}

type blockTimesPayload struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

func (h *httpHandler) handleUpdateBlockTimes(c *gin.Context) {
	if _, ok := h.requestScope(c); !ok {
		return
	}
	var request blockTimesPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	block, err := h.schedules.UpdateTimeBlockTimes(c.Request.Context(), c.Param("blockID"), request.StartTime, request.EndTime)
	if err != nil {
		h.respondStoreError(c, "block_update_failed", err)
		return
	}
	c.JSON(http.StatusOK, block)
}

type createItemPayload struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleCreateItem(c *gin.Context) {
	scope, ok := h.requestScope(c)
	if !ok {
		return
	}
	var request createItemPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	item, err := h.schedules.CreateItem(c.Request.Context(), c.Param("blockID"), request.Title, scope.UserID)
	if err != nil {
		h.respondStoreError(c, "item_create_failed", err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *httpHandler) handleDeleteItem(c *gin.Context) {
	if _, ok := h.requestScope(c); !ok {
		return
	}
	if err := h.schedules.DeleteItem(c.Request.Context(), c.Param("itemID")); err != nil {
		h.respondStoreError(c, "item_delete_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type completionPayload struct {
	Completed bool `json:"completed"`
}

func (h *httpHandler) handleItemCompletion(c *gin.Context) {
	scope, ok := h.requestScope(c)
	if !ok {
		return
	}
	var request completionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	item, err := h.schedules.SetItemCompletion(c.Request.Context(), c.Param("itemID"), request.Completed, scope.UserID)
	if err != nil {
		h.respondStoreError(c, "item_completion_failed", err)
		return
	}
	c.JSON(http.StatusOK, item)
}

type attachTemplatePayload struct {
	TemplateID string `json:"template_id"`
}

func (h *httpHandler) handleAttachTemplate(c *gin.Context) {
	if _, ok := h.requestScope(c); !ok {
		return
	}
	var request attachTemplatePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.TemplateID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	instance, err := h.schedules.AttachTemplate(c.Request.Context(), c.Param("itemID"), request.TemplateID)
	if err != nil {
		h.respondStoreError(c, "template_attach_failed", err)
		return
	}
	c.JSON(http.StatusCreated, instance)
}

func (h *httpHandler) handleStepCompletion(c *gin.Context) {
	if _, ok := h.requestScope(c); !ok {
		return
	}
	var request completionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	step, err := h.schedules.SetStepCompletion(c.Request.Context(), c.Param("stepID"), request.Completed)
	if err != nil {
		h.respondStoreError(c, "step_completion_failed", err)
		return
	}
	c.JSON(http.StatusOK, step)
}

func (h *httpHandler) handleListTemplates(c *gin.Context) {
	scope, ok := h.requestScope(c)
	if !ok {
		return
	}
	templates, err := h.schedules.TemplatesForFamily(c.Request.Context(), scope.FamilyID)
	if err != nil {
		h.logger.Error("failed to list templates", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "template_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

type createTemplatePayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	StepTitles  []string `json:"step_titles"`
}

func (h *httpHandler) handleCreateTemplate(c *gin.Context) {
	scope, ok := h.requestScope(c)
	if !ok {
		return
	}
	var request createTemplatePayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	familyID, err := schedule.NewFamilyID(scope.FamilyID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_family"})
		return
	}
	template, err := h.schedules.CreateTemplate(c.Request.Context(), familyID, request.Title, request.Description, request.StepTitles)
	if err != nil {
		h.respondStoreError(c, "template_create_failed", err)
		return
	}
	c.JSON(http.StatusCreated, template)
}

func (h *httpHandler) handleDeleteTemplate(c *gin.Context) {
	if _, ok := h.requestScope(c); !ok {
		return
	}
	if err := h.schedules.DeleteTemplate(c.Request.Context(), c.Param("templateID")); err != nil {
		h.respondStoreError(c, "template_delete_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	scope, ok := h.requestScope(c)
	if !ok {
		return
	}
	members, err := h.families.MembersForFamily(scope.FamilyID)
	if err != nil {
		h.logger.Error("failed to list members", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "member_list_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (h *httpHandler) respondStoreError(c *gin.Context, code string, err error) {
	if schedule.IsNotFound(err) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	h.logger.Error("schedule mutation failed", zap.String("code", code), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": code})
}
