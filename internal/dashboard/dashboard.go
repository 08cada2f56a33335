// Package dashboard implements the fleet overview endpoints: analytics over a time
// window and the state of every running monitor.
package dashboard

import (
	"context"
	"net/http"
	"time"

	"github.com/nadmax/robofleet/internal/httputil"
	"github.com/nadmax/robofleet/internal/repository/models"
	"github.com/nadmax/robofleet/internal/session"
)

type Analytics interface {
	GetFleetAnalytics(ctx context.Context, window models.Window) (models.FleetAnalytics, error)
}

type Dashboard struct {
	analytics Analytics
	registry  *session.Registry
}

type FleetResponse struct {
	Window       string                `json:"window"`
	RobotsOnline int                   `json:"robots_online"`
	Analytics    models.FleetAnalytics `json:"analytics"`
	LastUpdated  time.Time             `json:"last_updated"`
}

type MonitorsResponse struct {
	RobotsOnline int               `json:"robots_online"`
	Monitors     []session.Monitor `json:"monitors"`
}

func NewDashboard(analytics Analytics, registry *session.Registry) *Dashboard {
	return &Dashboard{analytics: analytics, registry: registry}
}

func (d *Dashboard) GetFleet(w http.ResponseWriter, r *http.Request) {
	windowParam := r.URL.Query().Get("window")
	window, err := models.ParseWindow(windowParam)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if windowParam == "" {
		windowParam = "24h"
	}

	analytics, err := d.analytics.GetFleetAnalytics(r.Context(), window)
	if err != nil {
		httputil.WriteJSONError(w, "Failed to load fleet analytics", http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, FleetResponse{
		Window:       windowParam,
		RobotsOnline: d.registry.OnlineCount(),
		Analytics:    analytics,
		LastUpdated:  time.Now().UTC(),
	}, http.StatusOK)
}

func (d *Dashboard) GetMonitors(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, MonitorsResponse{
		RobotsOnline: d.registry.OnlineCount(),
		Monitors:     d.registry.Monitors(),
	}, http.StatusOK)
}
