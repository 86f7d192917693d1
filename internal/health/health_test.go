package health

import (
	"context"
	"testing"
)

func TestCheckAll(t *testing.T) {
	r := NewRegistry()
	r.Register("up", func(ctx context.Context) Status {
		return Status{Healthy: true}
	})
	r.Register("down", func(ctx context.Context) Status {
		return Status{Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("aggregate healthy with a failing checker")
	}
	if len(statuses) != 2 {
		t.Fatalf("got %d statuses, want 2", len(statuses))
	}
	if statuses[0].Name != "up" || !statuses[0].Healthy {
		t.Errorf("first status = %+v, want healthy 'up'", statuses[0])
	}
	if statuses[1].Name != "down" || statuses[1].Detail != "connection refused" {
		t.Errorf("second status = %+v, want failing 'down'", statuses[1])
	}
}

func TestCheckAll_Empty(t *testing.T) {
	healthy, statuses := NewRegistry().CheckAll(context.Background())
	if !healthy {
		t.Error("empty registry reported unhealthy")
	}
	if len(statuses) != 0 {
		t.Errorf("got %d statuses from empty registry", len(statuses))
	}
}
