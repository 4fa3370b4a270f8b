package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/smartmeter/internal/meter"
	"procodus.dev/smartmeter/pkg/metrics"
)

// lastActivity formats when a participant's meter last reported.
func lastActivity(p realTimeParticipantJSON) string {
	if p.LastActivity == nil {
		return "-"
	}
	return p.LastActivity.Format(time.RFC3339)
}

// handlePublicDashboard serves the HTML dashboard of a public group.
func (s *Server) handlePublicDashboard(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	g, err := s.store.PublicGroup(ctx, r.PathValue("key"))
	if err != nil {
		if errors.Is(err, meter.ErrNotFound) {
			http.Error(w, "Group not found", http.StatusNotFound)
			return
		}
		s.logger.Error("failed to fetch public group", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	view := newGroupViewJSON(g, s.store.Now())
	//nolint:contextcheck // Context is passed to Templ's Render method
	err = trackRender(s.metrics, func() error {
		return dashboard(view).Render(ctx, w)
	})
	if err != nil {
		s.logger.Error("failed to render dashboard", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// trackRender times a dashboard render and counts failures.
func trackRender(m *metrics.APIMetrics, render func() error) error {
	if m == nil {
		return render()
	}

	timer := prometheus.NewTimer(m.RenderDuration)
	defer timer.ObserveDuration()

	if err := render(); err != nil {
		m.RenderErrors.Inc()
		return err
	}
	return nil
}
