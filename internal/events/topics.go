package events

const (
	// TopicConnectionState carries connection.StateChange values.
	TopicConnectionState = "connection.state"
	// TopicConnectionError carries connection.ConnError values.
	TopicConnectionError = "connection.error"
)
