package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/domain"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/subscription"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/xray"
)

type Router struct {
	service *service.Facade
}

func NewRouter(svc *service.Facade) *gin.Engine {
	r := &Router{service: svc}
	engine := gin.New()
	engine.Use(gin.Recovery())
	r.register(engine)
	return engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

func (r *Router) register(engine *gin.Engine) {
	engine.Use(corsMiddleware())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now()})
	})

	engine.GET("/snapshot", func(c *gin.Context) {
		c.JSON(http.StatusOK, r.service.Snapshot())
	})

	engine.GET("/status", r.getStatus)
	engine.GET("/logs", r.getAppLogs)

	nodes := engine.Group("/nodes")
	{
		nodes.GET("", r.listNodes)
		nodes.GET("/all", r.listAllNodes)
		nodes.DELETE(":id", r.deleteNode)
		nodes.POST(":id/start", r.startNode)
		nodes.POST(":id/stop", r.stopNode)
		nodes.POST(":id/test", r.testNode)
		nodes.POST("/test-all", r.testAllNodes)
		nodes.POST("/stop-all", r.stopAllNodes)
		nodes.PUT(":id/rename", r.renameNode)
		nodes.PUT(":id/port", r.pinNodePort)
	}

	subs := engine.Group("/subscriptions")
	{
		subs.GET("", r.listSubscriptions)
		subs.POST("", r.createSubscription)
		subs.PUT(":id", r.updateSubscription)
		subs.DELETE(":id", r.deleteSubscription)
		subs.POST(":id/refresh", r.refreshSubscription)
		subs.POST(":id/import", r.importLinks)
		subs.GET(":id/progress", r.subscriptionProgress)
	}

	settings := engine.Group("/settings")
	{
		settings.GET("", r.getSettings)
		settings.PUT("/filter", r.updateFilter)
		settings.PUT("/sort", r.updateSort)
		settings.PUT("/ports", r.updatePortRange)
	}
}

// ========== 节点 ==========

func (r *Router) listNodes(c *gin.Context) {
	views, err := r.service.ListNodes(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": views})
}

func (r *Router) listAllNodes(c *gin.Context) {
	nodes, err := r.service.ListAllNodes(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"nodes": nodes})
}

func (r *Router) deleteNode(c *gin.Context) {
	if err := r.service.DeleteNode(c.Request.Context(), c.Param("id")); err != nil {
		r.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) startNode(c *gin.Context) {
	port, err := r.service.StartNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"localPort": port})
}

func (r *Router) stopNode(c *gin.Context) {
	if err := r.service.StopNode(c.Request.Context(), c.Param("id")); err != nil {
		r.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) stopAllNodes(c *gin.Context) {
	if err := r.service.StopAll(c.Request.Context()); err != nil {
		r.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) testNode(c *gin.Context) {
	latency, err := r.service.TestNode(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"latencyMs": latency})
}

func (r *Router) testAllNodes(c *gin.Context) {
	started := r.service.TestAllNodes()
	c.JSON(http.StatusAccepted, gin.H{"started": started})
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

func (r *Router) renameNode(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	node, err := r.service.RenameNode(c.Request.Context(), c.Param("id"), req.Name)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

type pinPortRequest struct {
	Port int `json:"port"`
}

func (r *Router) pinNodePort(c *gin.Context) {
	var req pinPortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	node, err := r.service.PinNodePort(c.Request.Context(), c.Param("id"), req.Port)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, node)
}

// ========== 订阅 ==========

func (r *Router) listSubscriptions(c *gin.Context) {
	subs, err := r.service.ListSubscriptions(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs})
}

type subscriptionRequest struct {
	Name               string `json:"name" binding:"required"`
	URL                string `json:"url"`
	AutoUpdateInterval int64  `json:"autoUpdateIntervalSeconds"`
}

func (r *Router) createSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	created, err := r.service.CreateSubscription(c.Request.Context(), domain.Subscription{
		Name:               req.Name,
		URL:                req.URL,
		AutoUpdateInterval: time.Duration(req.AutoUpdateInterval) * time.Second,
	})
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (r *Router) updateSubscription(c *gin.Context) {
	var req subscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	id := c.Param("id")
	current, err := r.service.GetSubscription(c.Request.Context(), id)
	if err != nil {
		r.handleError(c, err)
		return
	}
	current.Name = req.Name
	current.URL = req.URL
	if req.AutoUpdateInterval > 0 {
		current.AutoUpdateInterval = time.Duration(req.AutoUpdateInterval) * time.Second
	}
	updated, err := r.service.UpdateSubscription(c.Request.Context(), id, current)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (r *Router) deleteSubscription(c *gin.Context) {
	if err := r.service.DeleteSubscription(c.Request.Context(), c.Param("id")); err != nil {
		r.handleError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (r *Router) refreshSubscription(c *gin.Context) {
	if err := r.service.RefreshSubscription(c.Request.Context(), c.Param("id")); err != nil {
		r.handleError(c, err)
		return
	}
	sub, err := r.service.GetSubscription(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

type importRequest struct {
	Payload string `json:"payload" binding:"required"`
}

func (r *Router) importLinks(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	count, err := r.service.ImportLinks(c.Request.Context(), c.Param("id"), req.Payload)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": count})
}

func (r *Router) subscriptionProgress(c *gin.Context) {
	sub, err := r.service.GetSubscription(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub.Progress)
}

// ========== 设置 ==========

func (r *Router) getSettings(c *gin.Context) {
	settings, err := r.service.Settings(c.Request.Context())
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (r *Router) updateFilter(c *gin.Context) {
	var rules domain.FilterRules
	if err := c.ShouldBindJSON(&rules); err != nil {
		badRequest(c, err)
		return
	}
	settings, err := r.service.UpdateFilter(c.Request.Context(), rules)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (r *Router) updateSort(c *gin.Context) {
	var sort domain.SortPolicy
	if err := c.ShouldBindJSON(&sort); err != nil {
		badRequest(c, err)
		return
	}
	settings, err := r.service.UpdateSort(c.Request.Context(), sort)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

type portRangeRequest struct {
	Start int `json:"start" binding:"required"`
	End   int `json:"end" binding:"required"`
}

func (r *Router) updatePortRange(c *gin.Context) {
	var req portRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	settings, err := r.service.UpdatePortRange(c.Request.Context(), req.Start, req.End)
	if err != nil {
		r.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// ========== 状态 ==========

func (r *Router) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, r.service.Status())
}

// ========== 错误映射 ==========

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (r *Router) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNodeNotFound),
		errors.Is(err, repository.ErrSubscriptionNotFound),
		errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, xray.ErrAlreadyRunning), errors.Is(err, xray.ErrStartAborted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrInvalidData), errors.Is(err, repository.ErrInvalidID):
		badRequest(c, err)
	default:
		var conflict *xray.PortConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		var validation *xray.ValidationError
		if errors.As(err, &validation) {
			badRequest(c, err)
			return
		}
		var netErr *subscription.NetworkError
		if errors.As(err, &netErr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, subscription.ErrEmptyResult) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
