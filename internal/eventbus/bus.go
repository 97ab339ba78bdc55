// Package eventbus provides the publish/subscribe-by-service-name primitive
// used for coordination signals ("service X became ready at time T"). It
// never carries directory data.
//
// Delivery is live only: a subscriber sees announcements made after it
// subscribed, never historical ones.
package eventbus

import (
	"context"
	"time"
)

// Handler receives the announced readiness timestamp of a service.
type Handler func(ctx context.Context, service string, at time.Time)

// Bus is the event bus contract.
type Bus interface {
	// Notify announces that service became ready at the given time.
	Notify(ctx context.Context, service string, at time.Time) error
	// Subscribe registers h for announcements of service and returns a
	// function that removes the registration. The returned function is
	// idempotent.
	Subscribe(service string, h Handler) (unsubscribe func())
}
