package temporalx

import (
	"github.com/narraforge/core/internal/platform/envutil"
)

// Config is the Temporal connection surface: where the cluster lives,
// which namespace and task queue production jobs run on, and optional
// mTLS material.
type Config struct {
	Address   string
	Namespace string
	TaskQueue string

	ClientCertPath string
	ClientKeyPath  string
	ClientCAPath   string
}

// LoadConfig reads the Temporal environment. Address empty means durable
// scheduling is off and callers fall back to the in-process scheduler.
func LoadConfig() Config {
	return Config{
		Address:   envutil.String("TEMPORAL_ADDRESS", ""),
		Namespace: envutil.String("TEMPORAL_NAMESPACE", "narraforge"),
		TaskQueue: envutil.String("TEMPORAL_TASK_QUEUE", "narraforge-production"),

		ClientCertPath: envutil.String("TEMPORAL_CLIENT_CERT_PATH", ""),
		ClientKeyPath:  envutil.String("TEMPORAL_CLIENT_KEY_PATH", ""),
		ClientCAPath:   envutil.String("TEMPORAL_CLIENT_CA_PATH", ""),
	}
}
