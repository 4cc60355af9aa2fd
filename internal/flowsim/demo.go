package flowsim

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/polisai/flowlog/pkg/domain"
)

// Demo endpoints.
const (
	EndpointOrders     = "Orders.service"
	EndpointStock      = "Stock.reserve"
	EndpointTerminator = "Orders.terminator"
	EndpointAudit      = "Audit.log"

	demoInitiator = "Orders.demo"
)

// ErrOutOfStock is raised by the stock endpoint on its scheduled failures.
var ErrOutOfStock = errors.New("out of stock")

// Order is the payload that starts a demo flow.
type Order struct {
	ID       string `cbor:"1,keyasint"`
	Quantity int    `cbor:"2,keyasint"`
}

// Reservation is the reply of the stock endpoint.
type Reservation struct {
	OrderID  string `cbor:"1,keyasint"`
	Reserved int    `cbor:"2,keyasint"`
}

type orderState struct {
	OrderID string `cbor:"1,keyasint"`
}

// Summary counts what a demo run did.
type Summary struct {
	Initiated int
	Processed int
	Failed    int
}

// Demo wires a small order flow onto a runtime:
//
//	init -> Orders.service -> Stock.reserve -> Orders.service.stage1 -> Orders.terminator
//
// Orders.service.stage1 also starts a nested flow sending to Audit.log.
type Demo struct {
	rt        *Runtime
	failEvery int
	reserves  atomic.Int64
}

// NewDemo registers the demo endpoints on rt. With failEvery > 0 every
// failEvery-th stock reservation fails.
func NewDemo(rt *Runtime, failEvery int) (*Demo, error) {
	d := &Demo{rt: rt, failEvery: failEvery}

	registrations := []struct {
		id      string
		lambdas []Lambda
	}{
		{EndpointOrders, []Lambda{d.placeOrder, d.confirmOrder}},
		{EndpointStock, []Lambda{d.reserve}},
		{EndpointTerminator, []Lambda{d.terminate}},
		{EndpointAudit, []Lambda{d.audit}},
	}
	for _, reg := range registrations {
		if err := rt.Register(reg.id, reg.lambdas...); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Run initiates flows orders and drains the runtime.
func (d *Demo) Run(ctx context.Context, flows int) (Summary, error) {
	var sum Summary
	for i := 0; i < flows; i++ {
		order := Order{ID: fmt.Sprintf("order-%d", i+1), Quantity: i%3 + 1}
		err := d.rt.Initiate(ctx, "placeOrder", demoInitiator, func(_ context.Context, out *Outbox) error {
			if err := out.ReplyTo(EndpointTerminator, nil); err != nil {
				return err
			}
			return out.Request(EndpointOrders, order)
		})
		if err != nil {
			return sum, err
		}
		sum.Initiated++
	}

	processed, failed, err := d.rt.Drain(ctx)
	sum.Processed = processed
	sum.Failed = failed
	return sum, err
}

func (d *Demo) placeOrder(_ context.Context, in *Incoming, out *Outbox) error {
	var order Order
	if err := in.Decode(&order); err != nil {
		return err
	}
	if err := out.State(orderState{OrderID: order.ID}); err != nil {
		return err
	}
	return out.Request(EndpointStock, order)
}

func (d *Demo) reserve(_ context.Context, in *Incoming, out *Outbox) error {
	start := time.Now()
	var order Order
	if err := in.Decode(&order); err != nil {
		return err
	}

	n := d.reserves.Add(1)
	if d.failEvery > 0 && n%int64(d.failEvery) == 0 {
		return fmt.Errorf("%w: %s", ErrOutOfStock, order.ID)
	}

	out.Measure("stock.reserved", "Units reserved", "units", float64(order.Quantity),
		domain.Label{Key: "warehouse", Value: "main"})
	out.Timing("stock.lookup", "Stock lookup", time.Since(start))
	return out.Reply(Reservation{OrderID: order.ID, Reserved: order.Quantity})
}

func (d *Demo) confirmOrder(ctx context.Context, in *Incoming, out *Outbox) error {
	var state orderState
	if err := in.DecodeState(&state); err != nil {
		return err
	}
	var res Reservation
	if err := in.Decode(&res); err != nil {
		return err
	}

	err := d.rt.Initiate(ctx, "auditOrder", EndpointOrders, func(_ context.Context, audit *Outbox) error {
		return audit.NonPersistent().Send(EndpointAudit, res)
	})
	if err != nil {
		return err
	}
	return out.Reply(res)
}

func (d *Demo) terminate(_ context.Context, in *Incoming, _ *Outbox) error {
	var res Reservation
	return in.Decode(&res)
}

func (d *Demo) audit(_ context.Context, in *Incoming, _ *Outbox) error {
	var res Reservation
	return in.Decode(&res)
}
