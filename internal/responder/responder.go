// Package responder is the automated seller of the reference server. It
// decides, for a buyer offer, whether to accept, reject or counter.
package responder

import (
	"math"
	"strconv"

	"github.com/gosuda/haggle/internal/config"
)

// Decision is the seller's answer to one offer.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionReject  Decision = "reject"
	DecisionCounter Decision = "counter"
)

// Reply carries a decision with its price and message. Price is the final
// price for an accept, the counter price for a counter and zero for a reject.
type Reply struct {
	Decision Decision
	Price    float64
	Message  string
}

// Responder applies a fixed pricing rule relative to the list price.
type Responder struct {
	acceptRatio float64
	floorRatio  float64
}

func New(cfg config.ResponderConfig) *Responder {
	return &Responder{acceptRatio: cfg.AcceptRatio, floorRatio: cfg.FloorRatio}
}

// Respond answers offer for a product listed at listPrice. asking is the
// seller's current position: the last counter price, or the list price
// before any counter was made.
func (r *Responder) Respond(listPrice, asking, offer float64) Reply {
	if asking <= 0 || asking > listPrice {
		asking = listPrice
	}

	switch {
	case offer >= asking || offer >= r.acceptRatio*listPrice:
		return accept(offer)
	case offer < r.floorRatio*listPrice:
		return Reply{
			Decision: DecisionReject,
			Message:  "Sorry, " + format(offer) + " is too far below the asking price.",
		}
	}

	counter := math.Min(math.Round((offer+asking)/2), asking)
	if counter <= offer {
		return accept(offer)
	}
	return Reply{
		Decision: DecisionCounter,
		Price:    counter,
		Message:  "I can do " + format(counter) + ".",
	}
}

func accept(price float64) Reply {
	return Reply{
		Decision: DecisionAccept,
		Price:    price,
		Message:  "Deal at " + format(price) + ".",
	}
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
