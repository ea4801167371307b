package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/austindbirch/harbor_relay/internal/reconcile"
)

type fakeRunner struct {
	stats reconcile.Stats
	err   error
}

func (f fakeRunner) Run(context.Context) (reconcile.Stats, error) { return f.stats, f.err }

func TestRunOnce(t *testing.T) {
	tests := []struct {
		name    string
		runner  fakeRunner
		wantErr bool
	}{
		{name: "prints stats", runner: fakeRunner{stats: reconcile.Stats{Claimed: 4, Retried: 4, Recovered: 3, Exhausted: 1}}},
		{name: "skipped pass", runner: fakeRunner{stats: reconcile.Stats{Skipped: true}}},
		{name: "claim error", runner: fakeRunner{err: errors.New("claim failed")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := runOnce(context.Background(), tt.runner, &buf)
			if tt.wantErr {
				if err == nil {
					t.Fatal("runOnce() expected error")
				}
				if buf.Len() != 0 {
					t.Errorf("unexpected output on error: %s", buf.String())
				}
				return
			}
			if err != nil {
				t.Fatalf("runOnce() error = %v", err)
			}
			var got reconcile.Stats
			if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
				t.Fatalf("output is not JSON: %v", err)
			}
			if got != tt.runner.stats {
				t.Errorf("stats = %+v, want %+v", got, tt.runner.stats)
			}
		})
	}
}
