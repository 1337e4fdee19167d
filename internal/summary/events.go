// Package summary records scalar metrics keyed by (tag, step).
package summary

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"
)

// FileName is the event file created inside the log directory.
const FileName = "events.pb"

// Sink accepts scalar summaries. Steps must not decrease per tag.
type Sink interface {
	Emit(tag string, scalars map[string]float64, step int) error
	// Flush makes every emitted record durable.
	Flush() error
}

// Event is one decoded Emit call.
type Event struct {
	Run     string
	Tag     string
	Step    int
	Time    time.Time
	Scalars map[string]float64
}

// Writer appends length-delimited structpb.Struct records to an event file.
type Writer struct {
	f    *os.File
	w    *bufio.Writer
	run  string
	last map[string]int
	now  func() time.Time
}

// Create opens (or appends to) the event file in dir.
func Create(dir, run string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create log directory")
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open event file")
	}
	return &Writer{f: f, w: bufio.NewWriter(f), run: run, last: make(map[string]int), now: time.Now}, nil
}

// Emit writes one record for tag at step.
func (w *Writer) Emit(tag string, scalars map[string]float64, step int) error {
	if prev, ok := w.last[tag]; ok && step < prev {
		return errors.Errorf("summary %q: step %d after %d", tag, step, prev)
	}
	values := make(map[string]interface{}, len(scalars))
	for k, v := range scalars {
		values[k] = v
	}
	rec, err := structpb.NewStruct(map[string]interface{}{
		"run":       w.run,
		"tag":       tag,
		"step":      step,
		"wall_time": float64(w.now().UnixNano()) / 1e9,
		"scalars":   values,
	})
	if err != nil {
		return errors.Wrap(err, "encode summary")
	}
	if _, err := protodelim.MarshalTo(w.w, rec); err != nil {
		return errors.Wrap(err, "write summary")
	}
	w.last[tag] = step
	return nil
}

// Flush pushes buffered records to the file.
func (w *Writer) Flush() error {
	if err := w.w.Flush(); err != nil {
		return errors.Wrap(err, "flush summaries")
	}
	return nil
}

// Close flushes and closes the event file.
func (w *Writer) Close() error {
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// ReadEvents decodes every record of an event file in write order.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open event file")
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []Event
	for {
		rec := &structpb.Struct{}
		err := protodelim.UnmarshalFrom(r, rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "decode record %d", len(out))
		}
		fields := rec.GetFields()
		ev := Event{
			Run:     fields["run"].GetStringValue(),
			Tag:     fields["tag"].GetStringValue(),
			Step:    int(fields["step"].GetNumberValue()),
			Scalars: make(map[string]float64),
		}
		sec := fields["wall_time"].GetNumberValue()
		ev.Time = time.Unix(0, int64(sec*1e9))
		for k, v := range fields["scalars"].GetStructValue().GetFields() {
			ev.Scalars[k] = v.GetNumberValue()
		}
		out = append(out, ev)
	}
}
