package contracts

import "encoding/json"

// Fixed response texts
const (
	MessageEnqueued     = "Message enqueued successfully!"
	MessageQueueEmpty   = "No messages in the queue."
	MessagePostReceived = "POST request received"
)

// MessageResponse is the body of a successful enqueue or dequeue
type MessageResponse struct {
	Message string `json:"message"`
}

// NewMessageResponse creates a message response
func NewMessageResponse(message string) MessageResponse {
	return MessageResponse{Message: message}
}

// EchoResponse returns a posted JSON object back to the caller
type EchoResponse struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// EnvResponse reports the queue configuration. The connection string is
// always redacted before it is placed here.
type EnvResponse struct {
	ConnectionString string `json:"CONNECTION_STR"`
	QueueName        string `json:"QUEUE_NAME"`
}
