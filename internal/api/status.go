package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/honam867/tasty-banana-v2-sub001/internal/auth"
	"github.com/honam867/tasty-banana-v2-sub001/internal/generation"
	"github.com/honam867/tasty-banana-v2-sub001/internal/queue"
)

// buildView resolves output uploads for completed rows and shapes the
// timeline representation.
func (s *Server) buildView(ctx context.Context, g *generation.Generation) generation.View {
	var images []generation.ImageInfo
	if g.Status == generation.StatusCompleted && len(g.AIMetadata.ImageIDs) > 0 {
		uploads, err := s.store.Uploads().GetByIDs(ctx, g.AIMetadata.ImageIDs, g.UserID)
		if err != nil {
			s.logger.Error("Failed to resolve output uploads", "generationId", g.ID, "error", err)
		}
		for _, u := range uploads {
			images = append(images, generation.ImageInfo{
				ImageID:   u.ID,
				ImageURL:  u.PublicURL,
				Mime:      u.MimeType,
				SizeBytes: u.SizeBytes,
			})
		}
	}
	return generation.BuildView(g, images)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserIDFrom(ctx)
	generationID := chi.URLParam(r, "generationId")

	g, err := s.repo.GetOwned(ctx, generationID, userID)
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}

	resp := map[string]any{
		"success":    true,
		"generation": s.buildView(ctx, g),
	}
	// Job state shares the generation id; older settled rows may have had
	// their job record expire.
	if js, err := s.queue.State().Get(ctx, generationID); err == nil {
		resp["job"] = js
	} else if !errors.Is(err, queue.ErrJobNotFound) {
		s.logger.Error("Failed to read job state", "generationId", generationID, "error", err)
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserIDFrom(ctx)
	generationID := chi.URLParam(r, "generationId")

	if err := s.repo.Cancel(ctx, generationID, userID); err != nil {
		if errors.Is(err, generation.ErrInvalidTransition) {
			// Distinguish a missing row from one already past pending.
			if _, getErr := s.repo.GetOwned(ctx, generationID, userID); getErr != nil {
				respondFromError(w, s.logger, getErr)
				return
			}
		}
		respondFromError(w, s.logger, err)
		return
	}
	s.logger.Info("Cancelled generation", "generationId", generationID, "userId", userID)
	respondJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"generationId": generationID,
		"status":       generation.StatusCancelled,
	})
}

func (s *Server) handleMyQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserIDFrom(ctx)

	rows, err := s.repo.GetUserQueue(ctx, userID, []string{
		generation.StatusPending,
		generation.StatusProcessing,
	})
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	views := make([]generation.View, 0, len(rows))
	for i := range rows {
		views = append(views, s.buildView(ctx, &rows[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"generations": views,
	})
}

func (s *Server) handleMyGenerations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserIDFrom(ctx)

	q := generation.TimelineQuery{
		Cursor:        r.URL.Query().Get("cursor"),
		IncludeFailed: r.URL.Query().Get("includeFailed") == "true",
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}

	rows, next, err := s.repo.GetTimeline(ctx, userID, q)
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	views := make([]generation.View, 0, len(rows))
	for i := range rows {
		views = append(views, s.buildView(ctx, &rows[i]))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"results": views,
		"cursor": map[string]any{
			"next":    next,
			"hasMore": next != "",
		},
	})
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.queue.State().Metrics(r.Context())
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	failed, err := s.queue.State().ListFailed(r.Context(), 20)
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"metrics":     metrics,
		"recentFails": failed,
		"onlineUsers": s.hub.OnlineCount(),
	})
}

func (s *Server) handleCleanJobs(w http.ResponseWriter, r *http.Request) {
	olderThan := 24 * time.Hour
	if v := r.URL.Query().Get("olderThanHours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours < 1 {
			respondError(w, http.StatusBadRequest, "invalid_parameter", "olderThanHours must be a positive integer")
			return
		}
		olderThan = time.Duration(hours) * time.Hour
	}
	removed, err := s.queue.State().Clean(r.Context(), olderThan, time.Now())
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	s.logger.Info("Cleaned failed jobs", "removed", removed, "olderThan", olderThan)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "removed": removed})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if err := s.queue.RetryFailed(r.Context(), jobID); err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "jobId": jobID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]string{"database": "ok", "queue": "ok"}
	if err := s.repo.DB().PingContext(r.Context()); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.queue.State().Ping(r.Context()); err != nil {
		checks["queue"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, map[string]any{"status": checks})
}
