package health

import (
	"context"
	"errors"
)

// Counter reports how many items a component holds.
type Counter interface {
	Len() int
}

// Pinger checks connectivity to a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthReporter reports whether a component can currently serve requests.
type HealthReporter interface {
	Healthy() bool
}

// RegistryCheck fails while no keyword is enrolled.
func RegistryCheck(c Counter) func(context.Context) error {
	return func(context.Context) error {
		if c.Len() == 0 {
			return errors.New("no keywords enrolled")
		}
		return nil
	}
}

// ProviderCheck fails while every backend of p has an open circuit.
func ProviderCheck(p HealthReporter) func(context.Context) error {
	return func(context.Context) error {
		if !p.Healthy() {
			return errors.New("all acoustic backends unavailable")
		}
		return nil
	}
}

// PingCheck wraps p.Ping.
func PingCheck(p Pinger) func(context.Context) error {
	return p.Ping
}
