package responder_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gosuda/haggle/internal/config"
	"github.com/gosuda/haggle/internal/responder"
)

func TestResponder_Respond(t *testing.T) {
	t.Parallel()

	r := responder.New(config.ResponderConfig{AcceptRatio: 0.9, FloorRatio: 0.5})

	tests := []struct {
		name     string
		list     float64
		asking   float64
		offer    float64
		decision responder.Decision
		price    float64
		message  string
	}{
		{name: "counter at the midpoint", list: 50000, asking: 50000, offer: 40000, decision: responder.DecisionCounter, price: 45000, message: "I can do 45000."},
		{name: "accept at the ratio", list: 50000, asking: 45000, offer: 45000, decision: responder.DecisionAccept, price: 45000, message: "Deal at 45000."},
		{name: "accept meeting the counter", list: 50000, asking: 42000, offer: 42000, decision: responder.DecisionAccept, price: 42000},
		{name: "reject below the floor", list: 50000, asking: 50000, offer: 24999, decision: responder.DecisionReject, price: 0},
		{name: "floor itself is countered", list: 50000, asking: 50000, offer: 25000, decision: responder.DecisionCounter, price: 37500},
		{name: "counter moves from the last asking price", list: 50000, asking: 45000, offer: 42000, decision: responder.DecisionCounter, price: 43500},
		{name: "midpoint rounded", list: 101, asking: 101, offer: 80, decision: responder.DecisionCounter, price: 91},
		{name: "unset asking falls back to list", list: 50000, asking: 0, offer: 40000, decision: responder.DecisionCounter, price: 45000},
		{name: "rounded counter never exceeds asking", list: 200, asking: 100.9, offer: 100.6, decision: responder.DecisionCounter, price: 100.9},
		{name: "rounded counter at or below offer accepts", list: 200, asking: 100.4, offer: 100.2, decision: responder.DecisionAccept, price: 100.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := r.Respond(tt.list, tt.asking, tt.offer)
			assert.Equal(t, tt.decision, got.Decision)
			assert.InDelta(t, tt.price, got.Price, 0.0001)
			if tt.message != "" {
				assert.Equal(t, tt.message, got.Message)
			}
			assert.NotEmpty(t, got.Message)
		})
	}
}
