/*
Package events is an in-memory pub/sub bus for committed state changes.

The monitor publishes health.changed whenever a cycle stores a different
health map, and dependency.broken or dependency.healed for every edge a
propagation pass rewrote. The registry publishes install, uninstall, start
and stop events. Events are only published after the owning transaction
commits, so subscribers never observe a change that was rolled back.

Delivery is best effort: the broker queues up to 100 events and each
subscriber buffers 50; a subscriber that falls behind misses events.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	for ev := range sub {
		fmt.Println(ev.Type, ev.Service, ev.Message)
	}
*/
package events
