// Copyright 2025 James Ross
package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flyingrobots/cognitive-event-bus/internal/admin"
	"github.com/flyingrobots/cognitive-event-bus/internal/events"
)

// newAdminServer wires the read-only admin HTTP surface: liveness,
// Prometheus scraping, and JSON snapshots backed by admin.Snapshotter.
// This is purely operational tooling; the event bus itself never depends
// on HTTP (§"Non-goals").
func newAdminServer(port int, snap *admin.Snapshotter, bus *events.EventBus) *http.Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.HandleFunc("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if bus.State() != events.BusRunning {
			http.Error(w, "bus not running", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.HandleFunc("/admin/snapshot", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, snap.Collect())
	}).Methods(http.MethodGet)

	r.HandleFunc("/admin/filters", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, bus.GetFilterStatistics())
	}).Methods(http.MethodGet)

	r.HandleFunc("/admin/subscriptions/{id}/filters", func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		summary, ok := bus.GetSubscriptionFilterSummary(id)
		if !ok {
			http.Error(w, fmt.Sprintf("subscription %q not found", id), http.StatusNotFound)
			return
		}
		writeJSON(w, summary)
	}).Methods(http.MethodGet)

	r.HandleFunc("/admin/consumers/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		c, err := snap.ConsumerByID(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, c)
	}).Methods(http.MethodGet)

	r.HandleFunc("/admin/groups/{id}/scaling", func(w http.ResponseWriter, req *http.Request) {
		id := mux.Vars(req)["id"]
		decision, err := snap.GroupScalingDecision(id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]string{"group_id": id, "decision": string(decision)})
	}).Methods(http.MethodGet)

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: r}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
