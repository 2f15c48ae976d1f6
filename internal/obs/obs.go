// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package obs records dial latency, open connection counts, and refresh
// results using OpenCensus. Exporters are left to the embedding
// application; this package only defines and registers the views.
package obs

import (
	"context"
	"sync"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	octrace "go.opencensus.io/trace"
)

var (
	keyInstance = tag.MustNewKey("instance_name")
	keyDialerID = tag.MustNewKey("dialer_id")
	keyStatus   = tag.MustNewKey("status")

	mDialLatency = stats.Int64(
		"connector/dial_latency", "Time to complete a Dial call, in ms", "ms")
	mOpenConnections = stats.Int64(
		"connector/open_connections", "Current number of open connections", "1")
	mRefreshCount = stats.Int64(
		"connector/refresh_count", "Number of refresh attempts", "1")

	initOnce sync.Once
	initErr  error
)

// InitMetrics registers the OpenCensus views used by the connector. It's
// idempotent and safe to call from multiple Dialers in the same process.
func InitMetrics() error {
	initOnce.Do(func() {
		initErr = view.Register(
			&view.View{
				Name:        "connector/dial_latency",
				Measure:     mDialLatency,
				Description: "Distribution of dial latencies",
				TagKeys:     []tag.Key{keyInstance, keyDialerID},
				Aggregation: view.Distribution(0, 10, 50, 100, 200, 500, 1000, 5000, 10000),
			},
			&view.View{
				Name:        "connector/open_connections",
				Measure:     mOpenConnections,
				Description: "Current open connections per instance",
				TagKeys:     []tag.Key{keyInstance, keyDialerID},
				Aggregation: view.LastValue(),
			},
			&view.View{
				Name:        "connector/refresh_count",
				Measure:     mRefreshCount,
				Description: "Count of refresh attempts by result",
				TagKeys:     []tag.Key{keyInstance, keyStatus},
				Aggregation: view.Count(),
			},
		)
	})
	return initErr
}

// EndSpanFunc ends a trace span, recording err as the span status when
// non-nil.
type EndSpanFunc func(err error)

// StartSpan starts a new trace span for name, returning the derived context
// and a func to end it.
func StartSpan(ctx context.Context, name string) (context.Context, EndSpanFunc) {
	ctx, span := octrace.StartSpan(ctx, name)
	return ctx, func(err error) {
		if err != nil {
			span.SetStatus(octrace.Status{Code: int32(octrace.StatusCodeUnknown), Message: err.Error()})
		}
		span.End()
	}
}

// RecordDialLatency records the latency, in milliseconds, of a completed
// Dial call.
func RecordDialLatency(ctx context.Context, inst, dialerID string, ms int64) {
	ctx, err := tag.New(ctx, tag.Upsert(keyInstance, inst), tag.Upsert(keyDialerID, dialerID))
	if err != nil {
		return
	}
	stats.Record(ctx, mDialLatency.M(ms))
}

// RecordOpenConnections records the current number of open connections for
// an instance.
func RecordOpenConnections(ctx context.Context, n int64, dialerID, inst string) {
	ctx, err := tag.New(ctx, tag.Upsert(keyInstance, inst), tag.Upsert(keyDialerID, dialerID))
	if err != nil {
		return
	}
	stats.Record(ctx, mOpenConnections.M(n))
}

// RecordRefreshResult records the outcome of a single refresh attempt.
func RecordRefreshResult(ctx context.Context, inst, dialerID string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ctx, tagErr := tag.New(ctx, tag.Upsert(keyInstance, inst), tag.Upsert(keyStatus, status))
	if tagErr != nil {
		return
	}
	stats.Record(ctx, mRefreshCount.M(1))
}
