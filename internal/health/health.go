package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is anything that can report liveness: *pgxpool.Pool, store.Postgres,
// or a redis client wrapped with PingFunc.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database"`
	Redis    *bool  `json:"redis,omitempty"`
}

// Checks lists the dependencies a binary reports on. A nil field is skipped.
type Checks struct {
	Database Pinger
	Redis    Pinger
	Timeout  time.Duration
}

// Check pings every configured dependency.
func (c Checks) Check(ctx context.Context) Status {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	st := Status{OK: true, Message: "ok", Database: true}

	if c.Database != nil {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := c.Database.Ping(ctx); err != nil {
			st.OK = false
			st.Message = "db ping failed"
			st.Database = false
		}
	}
	if c.Redis != nil {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		ok := c.Redis.Ping(ctx) == nil
		st.Redis = &ok
		if !ok && st.OK {
			st.OK = false
			st.Message = "redis ping failed"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(c Checks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := c.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
