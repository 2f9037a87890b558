package realtime

import (
	"time"

	"github.com/pickaxe-app/pickaxe/internal/mining"
	"github.com/pickaxe-app/pickaxe/internal/token"
)

// MiningEmitter adapts the hub to the mining service's event interface.
type MiningEmitter struct {
	hub *Hub
}

func NewMiningEmitter(hub *Hub) *MiningEmitter {
	return &MiningEmitter{hub: hub}
}

var _ mining.EventEmitter = (*MiningEmitter)(nil)

func (e *MiningEmitter) EmitSessionStarted(subjectID, sessionID string, startedAt time.Time, ratePerHour string) {
	e.hub.Broadcast(&Event{
		Type:      EventSessionStarted,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"subjectId":   subjectID,
			"sessionId":   sessionID,
			"startedAt":   startedAt,
			"ratePerHour": ratePerHour,
		},
	})
}

func (e *MiningEmitter) EmitSessionSettled(subjectID, sessionID string, status mining.Status, finalAmount string) {
	e.hub.Broadcast(&Event{
		Type:      EventSessionSettled,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"subjectId":   subjectID,
			"sessionId":   sessionID,
			"status":      string(status),
			"finalAmount": finalAmount,
		},
	})
	// Cancelled sessions still pay out what accrued, so key the credit
	// event on the amount rather than the terminal status.
	if finalAmount != token.Zero() {
		e.hub.Broadcast(&Event{
			Type:      EventBalanceCredited,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"subjectId": subjectID,
				"sessionId": sessionID,
				"amount":    finalAmount,
			},
		})
	}
}
