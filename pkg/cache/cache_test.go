package cache

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/drivers/drivertest"
	"github.com/rolecraft/rolecraft/pkg/engine"
	"github.com/rolecraft/rolecraft/pkg/telemetry"
)

func TestLookup_Miss(t *testing.T) {
	d := drivertest.New("demo")
	idx := New(d, nil, zerolog.Nop())

	id, err := idx.Lookup(context.Background(), "deadbeef")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if id != "" {
		t.Errorf("Expected miss, got %s", id)
	}
}

func TestInsertThenLookup(t *testing.T) {
	ctx := context.Background()
	d := drivertest.New("demo")
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	idx := New(d, metrics, zerolog.Nop())

	base := d.AddImage("alpine:3", nil)
	container, err := d.RunContainer(ctx, drivers.RunRequest{Image: base})
	if err != nil {
		t.Fatalf("RunContainer failed: %v", err)
	}

	id, err := idx.Insert(ctx, drivers.CommitRequest{
		ContainerID: container,
		Service:     "web",
		Fingerprint: "f1",
		Role:        "nginx",
	})
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	img := d.Image(id)
	if img == nil {
		t.Fatal("Expected committed image")
	}
	if img.Labels[engine.LabelFingerprint] != "f1" || img.Labels[engine.LabelRole] != "nginx" {
		t.Errorf("Unexpected labels: %v", img.Labels)
	}

	got, err := idx.Lookup(ctx, "f1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != id {
		t.Errorf("Expected %s, got %s", id, got)
	}

	if _, err := idx.Lookup(ctx, "f2"); err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
}

func TestInsert_DuplicateFingerprint(t *testing.T) {
	ctx := context.Background()
	d := drivertest.New("demo")
	idx := New(d, nil, zerolog.Nop())
	base := d.AddImage("alpine:3", nil)

	var ids []string
	for i := 0; i < 2; i++ {
		c, err := d.RunContainer(ctx, drivers.RunRequest{Image: base})
		if err != nil {
			t.Fatalf("RunContainer failed: %v", err)
		}
		id, err := idx.Insert(ctx, drivers.CommitRequest{ContainerID: c, Service: "web", Fingerprint: "same", Role: "r"})
		if err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		ids = append(ids, id)
	}

	if ids[0] == ids[1] {
		t.Fatal("Expected two distinct images")
	}
	got, err := idx.Lookup(ctx, "same")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if got != ids[0] && got != ids[1] {
		t.Errorf("Expected one of %v, got %s", ids, got)
	}
}

func TestInsert_Validation(t *testing.T) {
	idx := New(drivertest.New("demo"), nil, zerolog.Nop())
	ctx := context.Background()

	if _, err := idx.Insert(ctx, drivers.CommitRequest{Role: "r"}); err == nil {
		t.Error("Expected error without fingerprint")
	}
	if _, err := idx.Insert(ctx, drivers.CommitRequest{Fingerprint: "f"}); err == nil {
		t.Error("Expected error without role")
	}
	if _, err := idx.Lookup(ctx, ""); err == nil {
		t.Error("Expected error for empty fingerprint")
	}
}
