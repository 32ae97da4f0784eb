/*
Package metrics exposes Prometheus instrumentation for the surface-export
controller.

Collectors are package-level and registered in init(). The Timer helper
records operation durations into histograms:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PhaseDuration, "validation")

Handler() returns the promhttp handler served by the daemon when
metricsAddr is configured.
*/
package metrics
