package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

type counter int

func (c counter) Len() int { return int(c) }

type reporter bool

func (r reporter) Healthy() bool { return bool(r) }

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestChecks(t *testing.T) {
	t.Parallel()

	down := errors.New("connection refused")
	tests := []struct {
		name    string
		check   func(context.Context) error
		wantErr bool
	}{
		{"registry empty", RegistryCheck(counter(0)), true},
		{"registry enrolled", RegistryCheck(counter(3)), false},
		{"provider down", ProviderCheck(reporter(false)), true},
		{"provider up", ProviderCheck(reporter(true)), false},
		{"ping fails", PingCheck(pinger{err: down}), true},
		{"ping ok", PingCheck(pinger{}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	arrived := make(chan struct{}, 2)
	wait := func(ctx context.Context) error {
		arrived <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: wait}, Checker{Name: "b", Check: wait})

	go func() {
		for range 2 {
			select {
			case <-arrived:
			case <-time.After(checkTimeout):
				return
			}
		}
		close(release)
	}()

	rec := doReadyz(h)
	if rec.Code != 200 {
		t.Errorf("status = %d, want 200 when both checks overlap", rec.Code)
	}
}
