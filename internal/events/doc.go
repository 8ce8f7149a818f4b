// Package events fans agent lifecycle events out to observers.
//
// # Overview
//
// The connection manager publishes three kinds of events:
//
//   - Log(line): a human readable status or failure line
//   - Connected(address): the control connection is up, address assigned
//   - Disconnected: the control connection is gone
//
// Observers implement Subscriber (or use Funcs / SubscribeChan) and register
// with a Bus:
//
//	bus := events.NewBus(logger)
//	h := bus.Subscribe(events.Funcs{
//	    Connect: func(addr string) { fmt.Println("up:", addr) },
//	})
//	defer bus.Unsubscribe(h)
//
// # Delivery
//
// Every subscriber has its own unbounded mailbox and delivery goroutine, so
// a slow observer never holds up the publisher or other observers. Events
// reach a given subscriber in publish order. Order across subscribers is
// unspecified.
//
// Unsubscribe stops future deliveries; events already queued for that
// subscriber are still delivered. Unsubscribing twice is harmless.
package events
