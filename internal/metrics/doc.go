/*
Package metrics provides Prometheus metrics for cxhealth.

The Collector owns a private registry so tests and multiple service instances never
collide on the default registry. It implements types.MetricsCollector and is handed to
the cache manager, the engine and the loader at construction; the API mounts Handler
on the configured path.

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Path:      "/metrics",
		Namespace: "cxhealth",
	})
	if err != nil {
		return err
	}
	router.Handle("/metrics", collector.Handler())

# Metrics

	cxhealth_cache_requests_total{tier,namespace,result}
	cxhealth_cache_tier_errors_total{tier,operation}
	cxhealth_pipeline_stage_duration_seconds{stage}
	cxhealth_pipeline_stage_errors_total{stage}
	cxhealth_loader_load_duration_seconds{outcome}
	cxhealth_loader_state{state}
	cxhealth_http_requests_total{method,route,status}
	cxhealth_http_request_duration_seconds{method,route}

A disabled collector (Config.Enabled false, or NewNop) turns every call into a no-op.
*/
package metrics
