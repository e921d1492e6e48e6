package presence

// Transport is the pub/sub broadcast medium used for peer discovery.
// It is independent of the direct session channel.
type Transport interface {
	Publish(topic string, payload []byte) error
	// Subscribe registers a handler for a topic and returns an
	// unsubscribe function.
	Subscribe(topic string, handler func(payload []byte)) (func(), error)
	Close() error
}
