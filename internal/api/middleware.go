package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/credrisk/internal/serving"
)

const (
	// TraceIDHeader carries the trace id, or the request id when tracing is off.
	TraceIDHeader = "X-Trace-ID"

	// ModelVersionHeader names the registry version that scored a prediction.
	ModelVersionHeader = "X-Model-Version"
)

type ctxKey int

const (
	traceIDKey ctxKey = iota
	scoreKey
)

var tracer = otel.Tracer("credrisk-api")

// TracingMiddleware starts a server span per request. It runs after chi's
// RequestID so the request id is known.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", reqID),
			),
		)
		defer span.End()

		traceID := reqID
		if tid := span.SpanContext().TraceID(); tid.IsValid() {
			traceID = tid.String()
		}
		w.Header().Set(middleware.RequestIDHeader, reqID)
		w.Header().Set(TraceIDHeader, traceID)

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, traceIDKey, traceID)))
	})
}

// LoggingMiddleware writes one access log line per request. Predictions add
// the model version, the outcome and the probability to the line and to the
// request span.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		score := &serving.Score{}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), scoreKey, score)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"trace_id", traceID(r.Context()),
		}

		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(attribute.Int("http.status_code", status))
		if score.Outcome != "" {
			attrs = append(attrs, "model_version", score.Version, "outcome", score.Outcome)
			span.SetAttributes(
				attribute.Int("model.version", score.Version),
				attribute.String("predict.outcome", score.Outcome),
			)
			if score.Outcome == "ok" {
				attrs = append(attrs, "risk_probability", score.Probability)
			}
		}

		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		slog.Log(r.Context(), level, "http request", attrs...)
	})
}

// noteScore reports a scoring result to the access log and stamps the
// serving version on the response.
func noteScore(w http.ResponseWriter, r *http.Request, s serving.Score) {
	if dst, ok := r.Context().Value(scoreKey).(*serving.Score); ok {
		*dst = s
	}
	if s.Version > 0 {
		w.Header().Set(ModelVersionHeader, strconv.Itoa(s.Version))
	}
}

func traceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}
