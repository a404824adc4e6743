/*
Package events provides an in-memory event broker for worker signals.

The task listener publishes an event whenever the worker changes between
idle and working, when it is paused or resumed, and for every task run it
claims, finishes or cancels. The host subscribes to decide when a graceful
shutdown is safe, and the status server uses the same stream to keep its
readiness up to date.

Publishing hands the event to a buffered channel (100 events); a single
loop broadcasts it to every subscriber. Each subscriber has its own buffer
of 50 events, and a subscriber that falls behind misses events rather than
blocking the publisher.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		if ev.Type == events.EventIdle {
			// safe to stop
		}
	}
*/
package events
