/*
Package events is an in-memory pub/sub broker used as the telemetry hook
for bundle lifecycle transitions.

The bundle manager publishes an Event when it stages a bundle, fails a
bundle, finishes assembling a make-bundle (ready) or removes a timed-out
worker (offline); the worker's run manager publishes a bundle.running
Event carrying each read/netcat result. The other EventType constants
(created, starting, finalizing, killed, worker checkin, dependency
ready/failed) are not published by any package here. Subscribers
(a logging sink, a metrics sampler, a future webhook notifier) each get
their own buffered channel and a slow subscriber never blocks the
publisher — events are dropped for that subscriber instead.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			logger.Info().Str("type", string(ev.Type)).Msg(ev.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventBundleReady,
		Message:  "bundle finished successfully",
		Metadata: map[string]string{"bundle_uuid": bundle.UUID},
	})

Publish never blocks except against the broker's own internal queue,
bounded at 100 events; a broker that isn't Start()-ed will block on the
101st Publish call.
*/
package events
