// Package metrics wraps rcrowley/go-metrics with the registration helpers
// the engine's packages use to publish counters, meters and timers, mirroring
// the call shape of go-ethereum's own metrics package
// (metrics.NewRegisteredCounter/Meter/Gauge/Timer).
package metrics

import (
	gometrics "github.com/rcrowley/go-metrics"
)

// Enabled gates metric collection globally; disabled by default in tests
// and embedders that don't want the registry populated.
var Enabled = false

// NewRegisteredCounter returns a Counter registered under name, or a no-op
// counter if metrics are disabled.
func NewRegisteredCounter(name string, r gometrics.Registry) gometrics.Counter {
	if !Enabled {
		return new(gometrics.NilCounter)
	}
	if r == nil {
		r = gometrics.DefaultRegistry
	}
	return gometrics.GetOrRegisterCounter(name, r)
}

// NewRegisteredMeter returns a Meter registered under name, or a no-op meter.
func NewRegisteredMeter(name string, r gometrics.Registry) gometrics.Meter {
	if !Enabled {
		return new(gometrics.NilMeter)
	}
	if r == nil {
		r = gometrics.DefaultRegistry
	}
	return gometrics.GetOrRegisterMeter(name, r)
}

// NewRegisteredTimer returns a Timer registered under name, or a no-op timer.
func NewRegisteredTimer(name string, r gometrics.Registry) gometrics.Timer {
	if !Enabled {
		return new(gometrics.NilTimer)
	}
	if r == nil {
		r = gometrics.DefaultRegistry
	}
	return gometrics.GetOrRegisterTimer(name, r)
}

// NewRegisteredGauge returns a Gauge registered under name, or a no-op gauge.
func NewRegisteredGauge(name string, r gometrics.Registry) gometrics.Gauge {
	if !Enabled {
		return new(gometrics.NilGauge)
	}
	if r == nil {
		r = gometrics.DefaultRegistry
	}
	return gometrics.GetOrRegisterGauge(name, r)
}
