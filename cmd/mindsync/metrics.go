// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/bMacroni/MindClear-sub002/mindsync"
)

// metricsDump collects engine metrics in process and prints them on exit.
type metricsDump struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
}

func newMetrics() (*mindsync.OTelRecorder, *metricsDump, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder, err := mindsync.NewOTelRecorder(provider.Meter(mindsync.InstrumentationName))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	return recorder, &metricsDump{reader: reader, provider: provider}, nil
}

func attrString(set attribute.Set) string {
	parts := make([]string, 0, set.Len())
	for _, kv := range set.ToSlice() {
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	return strings.Join(parts, ",")
}

// Print writes one line per data point.
func (d *metricsDump) Print(ctx context.Context, w io.Writer) {
	var rm metricdata.ResourceMetrics
	if err := d.reader.Collect(ctx, &rm); err != nil {
		fmt.Fprintf(w, "metrics unavailable: %v\n", err)
		return
	}
	var lines []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%s{%s} %d", m.Name, attrString(dp.Attributes), dp.Value))
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					lines = append(lines, fmt.Sprintf("%s{%s} count=%d sum=%.3fs", m.Name, attrString(dp.Attributes), dp.Count, dp.Sum))
				}
			}
		}
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
	_ = d.provider.Shutdown(ctx)
}
