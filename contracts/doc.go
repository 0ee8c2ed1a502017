// Package contracts defines the JSON bodies exchanged over the qrelay HTTP
// API.
//
// Every successful queue operation answers with a MessageResponse and every
// failure with an ErrorResponse whose Detail carries the error text:
//
//	{"message": "Message enqueued successfully!"}
//	{"detail": "rabbitmq dial failed: ..."}
package contracts
