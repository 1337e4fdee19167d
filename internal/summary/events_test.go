package summary

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "run-1")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if err := w.Emit("train", map[string]float64{"loss": 1.5, "EPE_0": 2.25}, 0); err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	if err := w.Emit("train", map[string]float64{"loss": 1.0}, 4); err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	if err := w.Emit("fulltest", map[string]float64{"EPE_0": 3}, 2); err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	events, err := ReadEvents(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("ReadEvents error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events", len(events))
	}
	first := events[0]
	if first.Run != "run-1" || first.Tag != "train" || first.Step != 0 {
		t.Fatalf("unexpected first event %+v", first)
	}
	if !reflect.DeepEqual(first.Scalars, map[string]float64{"loss": 1.5, "EPE_0": 2.25}) {
		t.Fatalf("scalars %v", first.Scalars)
	}
	if first.Time.IsZero() {
		t.Fatal("missing wall time")
	}
	var tags []string
	for _, e := range events {
		tags = append(tags, e.Tag)
	}
	if !reflect.DeepEqual(tags, []string{"train", "train", "fulltest"}) {
		t.Fatalf("tags %v", tags)
	}
}

func TestWriterFlushMakesRecordsReadable(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, "run-2")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	defer w.Close()
	if err := w.Emit("fulltest", map[string]float64{"EPE_0": 1.25}, 10); err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush error: %v", err)
	}
	events, err := ReadEvents(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("ReadEvents error: %v", err)
	}
	if len(events) != 1 || events[0].Scalars["EPE_0"] != 1.25 {
		t.Fatalf("events after flush: %+v", events)
	}
}

func TestWriterRejectsStepRegression(t *testing.T) {
	w, err := Create(t.TempDir(), "run")
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	defer w.Close()
	if err := w.Emit("test", map[string]float64{"loss": 1}, 5); err != nil {
		t.Fatalf("Emit error: %v", err)
	}
	if err := w.Emit("test", map[string]float64{"loss": 1}, 5); err != nil {
		t.Fatalf("equal step rejected: %v", err)
	}
	if err := w.Emit("test", map[string]float64{"loss": 1}, 4); err == nil {
		t.Fatal("expected error for decreasing step")
	}
	if err := w.Emit("train", map[string]float64{"loss": 1}, 0); err != nil {
		t.Fatalf("independent tag rejected: %v", err)
	}
}

func TestWriterAppends(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 2; i++ {
		w, err := Create(dir, "run")
		if err != nil {
			t.Fatalf("Create error: %v", err)
		}
		if err := w.Emit("train", map[string]float64{"loss": float64(i)}, i); err != nil {
			t.Fatalf("Emit error: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("Close error: %v", err)
		}
	}
	events, err := ReadEvents(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("ReadEvents error: %v", err)
	}
	if len(events) != 2 || events[1].Scalars["loss"] != 1 {
		t.Fatalf("events %+v", events)
	}
}
