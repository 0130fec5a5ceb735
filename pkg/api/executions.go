package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zkrx/tbot/pkg/engine"
	"github.com/zkrx/tbot/pkg/models"
	"github.com/zkrx/tbot/pkg/testcase"
)

func (s *Server) healthCheck(c *gin.Context) {
	total, running := s.engine.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":             "healthy",
		"total_executions":   total,
		"running_executions": running,
		"timestamp":          time.Now(),
	})
}

func (s *Server) listTestcases(c *gin.Context) {
	infos := s.engine.Registry().Info()
	out := make([]models.TestcaseInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, models.TestcaseInfo{
			Name:        info.Name,
			Description: info.Description,
			Params:      info.Params,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"testcases": out,
		"total":     len(out),
	})
}

func runStatus(err error) int {
	switch {
	case errors.Is(err, testcase.ErrUnknownTestcase), errors.Is(err, testcase.ErrNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrBoardBusy):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInteractive):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) startExecution(c *gin.Context) {
	var req models.ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request format",
			"details": err.Error(),
		})
		return
	}

	ex, err := s.engine.Run(req)
	if err != nil {
		c.JSON(runStatus(err), gin.H{
			"error":   "Failed to start execution",
			"details": err.Error(),
		})
		return
	}
	c.JSON(http.StatusAccepted, ex)
}

func (s *Server) listExecutions(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative number"})
		return
	}
	list := s.engine.History(limit)
	c.JSON(http.StatusOK, gin.H{
		"executions": list,
		"total":      len(list),
	})
}

func (s *Server) getExecution(c *gin.Context) {
	ex, err := s.engine.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Execution not found"})
		return
	}
	c.JSON(http.StatusOK, ex)
}

func (s *Server) cancelExecution(c *gin.Context) {
	err := s.engine.Cancel(c.Param("id"))
	switch {
	case errors.Is(err, engine.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Execution not found"})
	case errors.Is(err, engine.ErrFinished):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"message": "Execution cancelled"})
	}
}

func (s *Server) cleanupExecutions(c *gin.Context) {
	var request struct {
		MaxAgeMinutes int `json:"max_age_minutes"`
	}
	if err := c.ShouldBindJSON(&request); err != nil || request.MaxAgeMinutes <= 0 {
		request.MaxAgeMinutes = 60
	}

	cleaned := s.engine.Cleanup(time.Duration(request.MaxAgeMinutes) * time.Minute)
	c.JSON(http.StatusOK, gin.H{
		"message": "Cleanup completed",
		"cleaned": cleaned,
		"max_age": request.MaxAgeMinutes,
	})
}
