package eventbus

// Event is one message on the bus. Events with the same Key are delivered in
// publish order.
type Event struct {
	Topic   string      `json:"topic"`
	Key     string      `json:"key"`
	Payload interface{} `json:"payload"`
}

// Handler consumes events of one topic.
type Handler func(event *Event) error

// partition is one ordered queue and its consumer.
type partition struct {
	id    int
	node  string
	queue chan *Event
}
