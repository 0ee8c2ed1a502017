package qrelay

import (
	"os"
	"strings"
)

// Environment variables holding the queue connection settings
const (
	EnvConnectionString = "SERVICE_BUS_CONNECTION_STRING"
	EnvQueueName        = "SERVICE_BUS_QUEUE_NAME"
)

// Config holds the queue connection settings. It is resolved once at startup
// and passed by value; nothing mutates it afterwards.
type Config struct {
	ConnectionString string
	QueueName        string
}

// ConfigFromEnv reads the connection settings from the environment. Missing
// values are not an error here: they surface when a queue operation runs.
func ConfigFromEnv() Config {
	return Config{
		ConnectionString: strings.TrimSpace(os.Getenv(EnvConnectionString)),
		QueueName:        strings.TrimSpace(os.Getenv(EnvQueueName)),
	}
}
