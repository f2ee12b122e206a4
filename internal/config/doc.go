/*
Package config provides configuration management for cxhealth.

Configuration is assembled from three sources, later sources winning:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│  (CXHEALTH_*, then legacy names, .env)      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

The legacy variables USE_LOCAL_DATA, USE_SIMPLE_CHURN, DATA_PATH and REDIS_URL are
honored so existing deployments keep working; the CXHEALTH_* equivalents take precedence.
LoadDotEnv reads .env files through godotenv before the environment is consulted.

# Sections

  - global: logging and the HTTP listen address
  - source: local CSV directory, S3 bucket, or Postgres warehouse, plus retry policy
  - engine: optional pinned reference date for reproducible runs
  - churn: classifier strategy (rule or trained) and training parameters
  - cache: key version, memory size, Redis and Parquet disk tiers, TTL classes
  - metrics: Prometheus namespace and endpoint

# Usage

	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

An absent Redis URL leaves the distributed tier disabled and caching degrades to
memory plus disk without error.
*/
package config
