package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/models"
	"github.com/cadencehq/cadence/internal/service"
)

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(id), true
}

func requireUser(c *gin.Context) (string, bool) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return "", false
	}
	return userID, true
}

func (s *Server) handleListDeliverables(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	list, err := s.Deliverables.List(userID)
	if err != nil {
		s.Logger.Error("Failed to list deliverables", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list deliverables"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliverables": list})
}

func (s *Server) handleCreateDeliverable(c *gin.Context) {
	var in service.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := s.Deliverables.Create(in)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deliverable": d})
}

func (s *Server) handleGetDeliverable(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	d, err := s.Deliverables.Get(id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "deliverable not found"})
			return
		}
		s.Logger.Error("Failed to get deliverable", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get deliverable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliverable": d})
}

func (s *Server) handleVersionHistory(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	versions, err := s.Versions.History(id)
	if err != nil {
		s.Logger.Error("Failed to get version history", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get version history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (s *Server) handlePauseDeliverable(c *gin.Context) {
	s.setDeliverableStatus(c, models.DeliverablePaused)
}

func (s *Server) handleResumeDeliverable(c *gin.Context) {
	s.setDeliverableStatus(c, models.DeliverableActive)
}

func (s *Server) setDeliverableStatus(c *gin.Context, status models.DeliverableStatus) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := s.Deliverables.SetStatus(id, status); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "deliverable not found"})
			return
		}
		s.Logger.Error("Failed to update deliverable status", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (s *Server) handleGetVersion(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	version, err := s.Versions.Get(id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
			return
		}
		s.Logger.Error("Failed to get version", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get version"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version": version})
}

func (s *Server) handleAcceptSuggested(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := s.Versions.AcceptSuggested(id); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "version accepted for generation"})
}

type suggestRequest struct {
	DraftContent string `json:"draft_content"`
}

// handleSuggestVersion files an analyst-proposed version for a
// deliverable. The owner accepts it into generation or rejects it.
func (s *Server) handleSuggestVersion(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req suggestRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	version, err := s.Versions.Suggest(id, req.DraftContent)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "deliverable not found"})
		case errors.Is(err, service.ErrConcurrentExecution):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			s.Logger.Error("Failed to file suggested version", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to file suggestion"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"version": version})
}

// Review endpoints drive a staged version to a terminal state:
// staged -> reviewing -> approved | rejected.
func (s *Server) handleStartReview(c *gin.Context) {
	s.transitionVersion(c, models.VersionReviewing, nil)
}

func (s *Server) handleApproveVersion(c *gin.Context) {
	s.transitionVersion(c, models.VersionApproved, nil)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRejectVersion(c *gin.Context) {
	var req rejectRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var opts []service.TransitionOption
	if req.Reason != "" {
		opts = append(opts, service.WithError(req.Reason))
	}
	s.transitionVersion(c, models.VersionRejected, opts)
}

func (s *Server) transitionVersion(c *gin.Context, to models.VersionStatus, opts []service.TransitionOption) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	if err := s.Versions.Transition(id, to, opts...); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": to})
}

// handleRetryDelivery re-attempts failed destinations of a version.
// Already-delivered destinations keep their records; the version's terminal
// status is never mutated, only its delivery records.
func (s *Server) handleRetryDelivery(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	version, err := s.Versions.Get(id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load version"})
		return
	}

	d, err := s.Deliverables.Get(version.DeliverableID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load deliverable"})
		return
	}

	result, err := s.Delivery.FanOut(c.Request.Context(), version, d.Destinations)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"delivered": result.Delivered,
		"failed":    result.Failed,
		"records":   result.Records,
	})
}

func (s *Server) handleListFreshness(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	rows, err := s.Freshness.ListFreshness(userID)
	if err != nil {
		s.Logger.Error("Failed to list freshness", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list freshness"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": rows})
}

func (s *Server) handleActivity(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	entries, err := s.Activity.Recent(userID, limit)
	if err != nil {
		s.Logger.Error("Failed to read activity log", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read activity log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries})
}

// ingestRequest is one sync batch from the platform sync worker.
type ingestRequest struct {
	UserID       string          `json:"user_id" binding:"required"`
	Platform     models.Platform `json:"platform" binding:"required"`
	ResourceID   string          `json:"resource_id" binding:"required"`
	ResourceName string          `json:"resource_name"`
	Cursor       string          `json:"cursor"`
	Items        []struct {
		ItemID          string     `json:"item_id" binding:"required"`
		Content         string     `json:"content"`
		ContentHash     string     `json:"content_hash" binding:"required"`
		SourceTimestamp *time.Time `json:"source_timestamp"`
	} `json:"items"`
}

func (s *Server) handleIngest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var stored []uint
	var sourceLatest *time.Time
	for _, item := range req.Items {
		id, err := s.Content.Ingest(service.IngestInput{
			UserID:          req.UserID,
			Platform:        req.Platform,
			ResourceID:      req.ResourceID,
			ResourceName:    req.ResourceName,
			ItemID:          item.ItemID,
			Content:         item.Content,
			ContentHash:     item.ContentHash,
			SourceTimestamp: item.SourceTimestamp,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		stored = append(stored, id)
		if item.SourceTimestamp != nil &&
			(sourceLatest == nil || item.SourceTimestamp.After(*sourceLatest)) {
			sourceLatest = item.SourceTimestamp
		}
	}

	if err := s.Freshness.Update(req.UserID, req.Platform, req.ResourceID, req.Cursor, len(req.Items), sourceLatest); err != nil {
		s.Logger.Error("Failed to update source freshness", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update freshness"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stored": stored})
}

func (s *Server) handleEvent(c *gin.Context) {
	var in service.EventInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	due, err := s.Triggers.EvaluateEvent(in)
	if err != nil {
		s.Logger.Error("Failed to evaluate event", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to evaluate event"})
		return
	}

	if len(due) > 0 {
		go s.Scheduler.Dispatch(context.Background(), due)
	}

	ids := make([]uint, 0, len(due))
	for _, t := range due {
		ids = append(ids, t.Deliverable.ID)
	}
	c.JSON(http.StatusAccepted, gin.H{"triggered": ids})
}

type signalRequest struct {
	UserID     string            `json:"user_id" binding:"required"`
	SignalType models.SignalType `json:"signal_type" binding:"required"`
	SignalRef  string            `json:"signal_ref" binding:"required"`
	Evidence   models.JSONMap    `json:"evidence"`
}

func (s *Server) handleSignal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision, err := s.Triggers.SignalTrigger(req.UserID, req.SignalType, req.SignalRef, req.Evidence)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !decision.Allowed {
		c.JSON(http.StatusOK, gin.H{"allowed": false})
		return
	}

	if len(decision.Due) > 0 {
		go s.Scheduler.Dispatch(context.Background(), decision.Due)
	}

	ids := make([]uint, 0, len(decision.Due))
	for _, t := range decision.Due {
		ids = append(ids, t.Deliverable.ID)
	}
	c.JSON(http.StatusOK, gin.H{"allowed": true, "triggered": ids})
}

type retainRequest struct {
	ItemIDs []uint `json:"item_ids" binding:"required"`
	Reason  string `json:"reason" binding:"required"`
	Ref     string `json:"ref"`
}

func (s *Server) handleRetain(c *gin.Context) {
	var req retainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.Content.MarkRetained(req.ItemIDs, req.Reason, req.Ref); err != nil {
		s.Logger.Error("Failed to mark retained", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to mark retained"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "items retained"})
}

func (s *Server) handleCleanup(c *gin.Context) {
	deleted, err := s.Content.CleanupExpired()
	if err != nil {
		s.Logger.Error("Forced cleanup failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Cleanup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server) handleManualTrigger(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	d, err := s.Deliverables.Get(id)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "deliverable not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load deliverable"})
		return
	}

	if !s.allowManualTrigger(d.UserID) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": service.ErrRateLimited.Error()})
		return
	}

	s.Activity.Record(d.UserID, models.ActivityManualTrigger,
		"manual trigger requested for "+d.Title,
		service.WithDeliverable(d.ID))

	go s.Scheduler.Dispatch(context.Background(), []service.DueTrigger{{
		Deliverable: *d,
		Family:      d.TriggerType,
		Reason:      "manual trigger",
	}})

	c.JSON(http.StatusAccepted, gin.H{"message": "trigger dispatched"})
}
