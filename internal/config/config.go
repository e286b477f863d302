package config

import (
	"os"

	"github.com/catalystcommunity/app-utils-go/env"
)

var (
	// Port is the HTTP server port
	Port = env.GetEnvAsIntOrDefault("REACTORCIDE_PORT", "6080")

	// AuthOracleURL is the external auth oracle SESSION_INIT authenticates
	// against. The coordinator never stores credentials itself.
	AuthOracleURL = env.GetEnvOrDefault("REACTORCIDE_AUTH_ORACLE_URL", "http://auth-oracle:8080/authenticate")

	// KV Store Gateway connection. Password resolves through a Docker
	// secret file first, falling back to the env var, matching the
	// teacher's existing secrets-file convention.
	KVStoreHost         = env.GetEnvOrDefault("REACTORCIDE_KVSTORE_HOST", "localhost")
	KVStorePort         = env.GetEnvAsIntOrDefault("REACTORCIDE_KVSTORE_PORT", "6379")
	KVStorePasswordEnv  = env.GetEnvOrDefault("REACTORCIDE_KVSTORE_PASSWORD", "")
	KVStorePasswordFile = env.GetEnvOrDefault("REACTORCIDE_KVSTORE_PASSWORD_FILE", "")
	KVStoreDB           = env.GetEnvAsIntOrDefault("REACTORCIDE_KVSTORE_DB", "0")
	KVStoreKeyPrefix    = env.GetEnvOrDefault("REACTORCIDE_KVSTORE_PREFIX", "maas")

	// Session Manager.
	SessionTTLSeconds = env.GetEnvAsIntOrDefault("REACTORCIDE_SESSION_TTL_SECONDS", "86400")

	// Job Manager / Scheduler.
	MaxTaskRestarts   = env.GetEnvAsIntOrDefault("REACTORCIDE_MAX_TASK_RESTARTS", "3")
	ModelCatalogPath  = env.GetEnvOrDefault("REACTORCIDE_MODEL_CATALOG_PATH", "./model_catalog.yaml")
	RSAKeyDir         = env.GetEnvOrDefault("REACTORCIDE_RSA_KEY_DIR", "/var/run/reactorcide/job-keys")
	SwarmNetworkName  = env.GetEnvOrDefault("REACTORCIDE_SWARM_NETWORK", "reactorcide-mpi-net")
	MaxConcurrentJobs = env.GetEnvAsIntOrDefault("REACTORCIDE_MAX_CONCURRENT_JOBS", "210")

	// Scheduler Client / Request Handler websocket endpoints.
	SchedulerClientURL = env.GetEnvOrDefault("REACTORCIDE_SCHEDULER_URL", "ws://scheduler:9200/ws")

	// Self node-health sampling. SelfNodeID names the Resource entry this
	// process's own degradation is reflected against; it defaults to the
	// node's hostname at startup.
	SelfNodeID             = env.GetEnvOrDefault("REACTORCIDE_SELF_NODE_ID", hostnameOrDefault())
	SelfHealthInterval     = env.GetEnvAsIntOrDefault("REACTORCIDE_SELF_HEALTH_INTERVAL_SECONDS", "30")
	SelfHealthCPUThreshold = env.GetEnvAsIntOrDefault("REACTORCIDE_SELF_HEALTH_CPU_THRESHOLD", "90")
	SelfHealthMemThreshold = env.GetEnvAsIntOrDefault("REACTORCIDE_SELF_HEALTH_MEM_THRESHOLD", "90")
)

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "coordinator"
	}
	return h
}
