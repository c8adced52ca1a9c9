package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

const (
	defaultHistoryRange = 7 * 24 * time.Hour
	maxHistoryRange     = 31 * 24 * time.Hour
)

func (s *Server) handleHistoryHourly(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := s.parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	records, err := s.storage.GetHourlyUsage(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get hourly usage", slog.Time("start", start), slog.Time("end", end), slog.Any("error", err))
		writeJSONError(w, "failed to get hourly usage", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []types.UsageRecord{}
	}

	// Upstream data for a day is final once loaded, so ranges that end
	// before today can be cached for longer.
	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=3600")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}

	writeJSON(w, http.StatusOK, struct {
		Start   time.Time           `json:"start"`
		End     time.Time           `json:"end"`
		Records []types.UsageRecord `json:"records"`
	}{
		Start:   start,
		End:     end,
		Records: records,
	})
}

func (s *Server) parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" && endStr == "" {
		end := s.now()
		return end.Add(-defaultHistoryRange), end, nil
	}
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("start and end must both be set")
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > maxHistoryRange {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 31 days")
	}

	return start, end, nil
}
