package graph_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/deepak-karkala/agentflow/graph"
	"github.com/deepak-karkala/agentflow/store"
)

func nopEmit(kind string, payload map[string]any) {}

func attributeMap(attrs []attribute.KeyValue) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		out[string(kv.Key)] = kv.Value.AsInterface()
	}
	return out
}

// recordingTracer installs an in-memory exporter so tests can inspect the
// spans the engine produces. WithSyncer exports each span as it ends, so
// the recorded order is completion order.
func recordingTracer(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exporter
}

func TestEngineTracing(t *testing.T) {
	ctx := context.Background()

	t.Run("one span per executed node", func(t *testing.T) {
		tp, exporter := recordingTracer(t)
		st := store.NewMemStore()
		eng := graph.NewEngine(applyTest, st, graph.WithTracerProvider(tp))

		_, err := eng.Run(ctx, linearGraph(t), graph.RunInfo{WorkflowID: "wf-trace", ThreadID: "th"}, testState{}, nopEmit)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}

		spans := exporter.GetSpans()
		if len(spans) != 2 {
			t.Fatalf("expected 2 spans, got %d", len(spans))
		}
		for i, want := range []string{"node a", "node b"} {
			if spans[i].Name != want {
				t.Errorf("span %d name = %q, want %q", i, spans[i].Name, want)
			}
			attrs := attributeMap(spans[i].Attributes)
			if attrs["workflow.id"] != "wf-trace" {
				t.Errorf("span %d workflow.id = %v", i, attrs["workflow.id"])
			}
			if attrs["workflow.step"] != int64(i) {
				t.Errorf("span %d workflow.step = %v, want %d", i, attrs["workflow.step"], i)
			}
			if !spans[i].EndTime.After(spans[i].StartTime) {
				t.Errorf("span %d was not ended", i)
			}
		}
		if got := attributeMap(spans[1].Attributes)["workflow.node"]; got != "b" {
			t.Errorf("workflow.node = %v, want b", got)
		}
	})

	t.Run("node failure marks the span", func(t *testing.T) {
		tp, exporter := recordingTracer(t)
		st := store.NewMemStore()
		eng := graph.NewEngine(applyTest, st, graph.WithTracerProvider(tp))
		cause := errors.New("model unavailable")

		g := graph.New[testState]()
		g.Add("ok", logNode("ok"))
		g.Add("boom", graph.NodeFunc[testState](func(ctx context.Context, s testState, emit graph.EmitFunc) (graph.Delta, error) {
			return nil, cause
		}))
		g.StartAt("ok")
		g.Connect("ok", "boom")
		g.Connect("boom", graph.End)

		if _, err := eng.Run(ctx, g, graph.RunInfo{WorkflowID: "wf", ThreadID: "th"}, testState{}, nopEmit); err == nil {
			t.Fatal("expected node error")
		}

		spans := exporter.GetSpans()
		if len(spans) != 2 {
			t.Fatalf("expected 2 spans, got %d", len(spans))
		}
		failed := spans[1]
		if failed.Name != "node boom" {
			t.Fatalf("last span = %q, want node boom", failed.Name)
		}
		if failed.Status.Code != codes.Error {
			t.Errorf("status = %v, want error", failed.Status.Code)
		}
		if failed.Status.Description != "model unavailable" {
			t.Errorf("status description = %q", failed.Status.Description)
		}
		if spans[0].Status.Code == codes.Error {
			t.Error("the succeeding node must not carry an error status")
		}
	})

	t.Run("gate pause opens no span", func(t *testing.T) {
		tp, exporter := recordingTracer(t)
		st := store.NewMemStore()
		eng := graph.NewEngine(applyTest, st, graph.WithTracerProvider(tp))

		res, err := eng.Run(ctx, gatedGraph(t, nil), graph.RunInfo{WorkflowID: "wf", ThreadID: "th"}, testState{}, nopEmit)
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
		if !res.Interrupted {
			t.Fatal("expected the gate to interrupt")
		}

		spans := exporter.GetSpans()
		if len(spans) != 1 || spans[0].Name != "node draft" {
			t.Fatalf("expected only the draft span before the pause, got %v", spanNames(spans))
		}
	})
}

func spanNames(spans tracetest.SpanStubs) []string {
	out := make([]string, len(spans))
	for i, s := range spans {
		out[i] = s.Name
	}
	return out
}
