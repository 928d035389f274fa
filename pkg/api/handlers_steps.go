package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sparkstep/pkg/api/middleware"
	"sparkstep/pkg/metrics"
	"sparkstep/pkg/models"
	tracing "sparkstep/pkg/observability"
	"sparkstep/pkg/params"
	"sparkstep/pkg/storage"
)

// submitStepRequest is the body of POST /api/v1/steps. Params keeps the
// order the caller wrote it in, which is the order arguments are rendered.
type submitStepRequest struct {
	Name      string      `json:"name"`
	ClassName string      `json:"class_name"`
	Jars      []string    `json:"jars"`
	Params    *params.Map `json:"params"`
}

// submitStep handles POST /api/v1/steps
func (s *Server) submitStep(c *gin.Context) {
	var req submitStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	p, err := s.buildParams(&req)
	if err != nil {
		var vErr *middleware.ValidationError
		if errors.As(err, &vErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": vErr.Message, "field": vErr.Field})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if s.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue not configured"})
		return
	}

	sub := models.NewStepSubmission(req.Name, p)
	sub.Trace = tracing.Inject(c.Request.Context())
	if s.store != nil {
		if err := s.store.RecordSubmission(c.Request.Context(), sub); err != nil {
			tracing.SetError(c.Request.Context(), err)
			s.logger.Error("failed to record step", zap.String("step", req.Name), zap.Error(err))
			_ = c.Error(err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to record step"})
			return
		}
	}
	if err := s.queue.Push(c.Request.Context(), sub); err != nil {
		metrics.QueueErrors.WithLabelValues("push").Inc()
		tracing.SetError(c.Request.Context(), err)
		s.logger.Error("failed to queue step", zap.String("step", req.Name), zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to queue step"})
		return
	}

	metrics.SubmissionsTotal.Inc()
	tracing.SetAttributes(c.Request.Context(),
		tracing.SubmissionIDKey.String(sub.ID.String()),
		tracing.StepKey.String(sub.Name),
	)
	s.logger.Info("step queued",
		zap.Stringer("submission_id", sub.ID),
		zap.String("step", sub.Name),
		zap.String("class_name", req.ClassName),
	)

	c.JSON(http.StatusAccepted, gin.H{
		"id":           sub.ID,
		"name":         sub.Name,
		"params":       sub.Params,
		"submitted_at": sub.SubmittedAt,
	})
}

// getStep handles GET /api/v1/steps/:id
func (s *Server) getStep(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "step store not configured"})
		return
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid step id"})
		return
	}

	rec, err := s.store.GetStep(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "step not found"})
			return
		}
		s.logger.Error("failed to load step", zap.Stringer("submission_id", id), zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load step"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// listSteps handles GET /api/v1/steps?status=&limit=
func (s *Server) listSteps(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "step store not configured"})
		return
	}

	var filter storage.StepFilter
	if raw := c.Query("status"); raw != "" {
		status := models.ExecutionStatus(strings.ToUpper(raw))
		switch status {
		case models.ExecutionPending, models.ExecutionRunning, models.ExecutionSuccess, models.ExecutionFailed:
			filter.Status = status
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + raw})
			return
		}
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}

	recs, err := s.store.ListSteps(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list steps", zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list steps"})
		return
	}
	if recs == nil {
		recs = []models.StepRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"steps": recs, "count": len(recs)})
}

// buildParams validates the request and lays out the step parameters:
// className first, then jars, then the caller's params in order. The
// top-level fields win over reserved keys smuggled in through params.
func (s *Server) buildParams(req *submitStepRequest) (*params.Map, error) {
	if err := s.validator.ValidateName(req.Name); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateClassName(req.ClassName); err != nil {
		return nil, err
	}

	for _, jar := range req.Jars {
		if strings.TrimSpace(jar) == "" || strings.Contains(jar, ",") {
			return nil, &middleware.ValidationError{Field: "jars", Message: "jar paths must be non-empty and must not contain commas"}
		}
		if err := s.validator.ValidateValue("jars", jar); err != nil {
			return nil, err
		}
	}

	extra := req.Params.Clone()
	extra.Delete(params.KeyClassName)
	extra.Delete(params.KeyJars)
	if err := s.validator.ValidateParamCount(extra.Len()); err != nil {
		return nil, err
	}

	for name, value := range extra.All() {
		if err := s.validator.ValidateParamName(name); err != nil {
			return nil, err
		}
		if err := s.validator.ValidateValue("params."+name, value); err != nil {
			return nil, err
		}
	}
	return params.Compose(req.ClassName, req.Jars, extra), nil
}
