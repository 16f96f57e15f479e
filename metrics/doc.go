// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics collects the counters of stack walks and their consumers and
exports them as OpenTelemetry instruments.

Metrics are identified by the IDs generated from metrics.json. Producers hand
batches of id/value pairs to Add or AddSlice, which buffer them per second:

	metrics.AddSlice(img.GetAndResetMetrics())

When the second changes, the buffered batch is forwarded to the Int64Counter
and Int64Gauge instruments created from the global meter provider and, if one
is set, to a Reporter.

# Directory Structure

	metrics
	├── genids/         // generates ids.go from metrics.json
	├── doc.go          // this file
	├── ids.go          // generated metric IDs
	├── metrics.go      // implement Add(), AddSlice() and the OTel export
	├── metrics.json    // metric definitions, append only
	├── metrics_test.go // tests the metrics package
	└── types.go        // definitions of Metric, MetricID, MetricValue
*/
package metrics // import "go.opentelemetry.io/rtstackwalk/metrics"
