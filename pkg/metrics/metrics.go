// Copyright 2023-2025 Stallguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the daemon's counters through an OpenTelemetry
// meter backed by a Prometheus exporter.
package metrics

import (
	"net/http"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "stallguard"

// MetricsModule owns the meter provider. Components register their
// instruments through it and gate the registration on Enabled.
type MetricsModule struct {
	Enabled  bool
	Refresh  int
	meter    metric.Meter
	registry *prometheus.Registry
	log      logr.Logger
}

// NewMetricsModule builds the meter pipeline. With enabled false the
// module is inert and every Register call returns a nil instrument,
// which the Add helpers of the callers treat as a no-op.
func NewMetricsModule(log logr.Logger, enabled bool, refresh int) *MetricsModule {
	m := &MetricsModule{
		Enabled: enabled,
		Refresh: refresh,
		log:     log,
	}
	if !enabled {
		return m
	}

	m.registry = prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(m.registry))
	if err != nil {
		log.Error(err, "prometheus.New() failed, metrics disabled")
		m.Enabled = false
		return m
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	m.meter = provider.Meter(meterName)
	return m
}

// RegisterFloat64Counter creates a counter instrument.
func (m *MetricsModule) RegisterFloat64Counter(name, description string) metric.Float64Counter {
	if !m.Enabled {
		return nil
	}
	counter, err := m.meter.Float64Counter(name, metric.WithDescription(description))
	if err != nil {
		m.log.Error(err, "Float64Counter() failed", "name", name)
		return nil
	}
	return counter
}

// RegisterFloat64Gauge creates a gauge instrument.
func (m *MetricsModule) RegisterFloat64Gauge(name, description string) metric.Float64Gauge {
	if !m.Enabled {
		return nil
	}
	gauge, err := m.meter.Float64Gauge(name, metric.WithDescription(description))
	if err != nil {
		m.log.Error(err, "Float64Gauge() failed", "name", name)
		return nil
	}
	return gauge
}

// Handler serves the Prometheus scrape endpoint. Nil when disabled.
func (m *MetricsModule) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
