package domain

// EventBus carries inbound events from a transport to the router.
type EventBus interface {
	Publish(ev InboundEvent)
	Subscribe() <-chan InboundEvent
	Close()
}
