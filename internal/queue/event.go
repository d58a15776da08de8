// Package queue carries outbound email over RabbitMQ: the API publishes
// EmailEvents and the worker consumes and delivers them.
package queue

import (
	"time"

	"github.com/iliyamo/devauth/internal/mailer"
)

// EmailEvent is one queued email. It holds the rendered message so the
// consumer needs no access to the database or templates.
type EmailEvent struct {
	ID         string         `json:"id"`
	Message    mailer.Message `json:"message"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}
