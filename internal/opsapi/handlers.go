package opsapi

import (
	"log"
	"net/http"

	"insurance-core/internal/events"
	"insurance-core/internal/tranche"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// trancheStatus is the status response's per-tranche view, joining the
// pool's waterfall account with the tranche definition's display name.
type trancheStatus struct {
	Seniority        tranche.Seniority `json:"seniority"`
	Name             string            `json:"name"`
	AllocatedCapital int64             `json:"allocated_capital"`
	AccumulatedLoss  int64             `json:"accumulated_losses"`
	LPTokenSupply    int64             `json:"lp_token_supply"`
}

// status reports a point-in-time view of pool solvency and supervisor
// health, the operator's single screen for "is the protocol okay".
func (s *Server) status(c *gin.Context) {
	snap := s.Pool.Snapshot()

	tranches := make([]trancheStatus, 0, len(tranche.DefaultDefs()))
	for _, def := range tranche.DefaultDefs() {
		acc, err := s.Pool.TrancheSnapshot(def.Seniority)
		if err != nil {
			continue
		}
		tranches = append(tranches, trancheStatus{
			Seniority:        acc.Seniority,
			Name:             def.Name,
			AllocatedCapital: acc.AllocatedCapital,
			AccumulatedLoss:  acc.AccumulatedLosses,
			LPTokenSupply:    acc.LPTokenSupply,
		})
	}

	var supervisorStatus gin.H
	if s.Supervisor != nil {
		supervisorStatus = gin.H{
			"running":        s.Supervisor.IsRunning(),
			"uptime_seconds": s.Supervisor.Uptime().Seconds(),
			"workers":        s.Supervisor.WorkerStatuses(),
			"total_errors":   s.Supervisor.TotalConsecutiveErrors(),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"version":    s.Version,
		"pool":       snap,
		"tranches":   tranches,
		"supervisor": supervisorStatus,
	})
}

// metricsHandler exposes the ops API's own request/latency counters
// plus a handful of domain counters, for a dashboard or scrape job.
func (s *Server) metricsHandler(c *gin.Context) {
	if s.Metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// wsMessage tags a streamed payload with the event topic it came from,
// since wsEvents fans multiple bus topics into one connection.
type wsMessage struct {
	Event   events.Event `json:"event"`
	Payload any          `json:"payload"`
}

// streamedEvents are the topics an ops dashboard cares about watching
// live; price ticks are intentionally excluded here (too high-volume
// for a dashboard feed) and are left to a dedicated consumer instead.
var streamedEvents = []events.Event{
	events.EventPolicyStatus,
	events.EventPayoutSettled,
	events.EventRebalance,
	events.EventReallocation,
	events.EventRiskAlert,
	events.EventWorkerFailed,
	events.EventEmergencyStop,
}

// wsEvents upgrades to a websocket and fans out bus events as they
// arrive, following internal/api/websocket.go's single-subscription
// loop but merged across every topic an operator needs visibility into.
func (s *Server) wsEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ops ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	merged := make(chan wsMessage, 256)
	for _, ev := range streamedEvents {
		stream, unsub := s.Bus.Subscribe(ev, 64)
		defer unsub()
		go func(ev events.Event, stream <-chan any) {
			for payload := range stream {
				select {
				case merged <- wsMessage{Event: ev, Payload: payload}:
				default:
				}
			}
		}(ev, stream)
	}

	for msg := range merged {
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("ops ws write error: %v", err)
			return
		}
	}
}

// emergencyClear resets the supervisor's consecutive-error counters
// and, if an emergency stop had tripped, allows the run loop to
// restart clean. Gated behind AuthMiddleware: this overrides a safety
// mechanism and must not be reachable without the operator secret.
func (s *Server) emergencyClear(c *gin.Context) {
	if s.Supervisor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "supervisor not attached"})
		return
	}
	s.Supervisor.ClearErrors()
	if s.Bus != nil {
		s.Bus.Publish(events.EventEmergencyStop, gin.H{"action": "cleared_by_operator"})
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
