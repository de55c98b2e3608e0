package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// GET /api/logs?since=<offset> 增量拉取应用日志
func (r *Router) getAppLogs(c *gin.Context) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		badRequest(c, errors.New("since 必须是非负整数字节偏移"))
		return
	}
	c.JSON(http.StatusOK, r.service.GetAppLogs(since))
}
