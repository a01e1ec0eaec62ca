// Package temporalx connects the production pipeline to a Temporal
// cluster, for deployments that want durable job scheduling instead of (or
// alongside) the in-process goroutine scheduler in production.Manager. The
// pipeline itself is identical on both paths; Temporal only owns the
// job-level retry/heartbeat/restart story.
package temporalx

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	temporalsdkclient "go.temporal.io/sdk/client"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/narraforge/core/internal/pkg/logger"
	"github.com/narraforge/core/internal/platform/envutil"
)

// NewClient dials the configured Temporal cluster, retrying with capped
// exponential backoff until TEMPORAL_DIAL_MAX_WAIT_SECONDS elapses.
// Returns (nil, nil) when TEMPORAL_ADDRESS is unset: Temporal is an
// optional scheduler, not a required dependency.
func NewClient(log *logger.Logger) (temporalsdkclient.Client, error) {
	cfg := LoadConfig()
	if cfg.Address == "" {
		if log != nil {
			log.Warn("TEMPORAL_ADDRESS not set; durable scheduling disabled")
		}
		return nil, nil
	}

	opts := temporalsdkclient.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    log,
	}
	if cfg.mTLSConfigured() {
		tlsCfg, err := cfg.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts.ConnectionOptions.TLS = tlsCfg
	}

	dialTimeout := envSeconds("TEMPORAL_DIAL_TIMEOUT_SECONDS", 5)
	retry := loadRetry("TEMPORAL_DIAL")

	var c temporalsdkclient.Client
	err := retry.run(log, "temporal dial", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		var dialErr error
		c, dialErr = temporalsdkclient.DialContext(ctx, opts)
		return dialErr
	})
	if err != nil {
		return nil, fmt.Errorf("temporalx: dial %s (namespace %s): %w", cfg.Address, cfg.Namespace, err)
	}

	if envutil.Bool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false) {
		if err := EnsureNamespace(context.Background(), c, cfg.Namespace, log); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// EnsureNamespace creates the namespace when it does not exist yet.
// Intended for local/self-hosted clusters; Temporal Cloud namespaces are
// pre-provisioned.
func EnsureNamespace(ctx context.Context, c temporalsdkclient.Client, namespace string, log *logger.Logger) error {
	if c == nil || namespace == "" {
		return nil
	}
	cfg := LoadConfig()
	if cfg.Address == "" {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, envSeconds("TEMPORAL_NAMESPACE_ENSURE_TIMEOUT_SECONDS", 10))
	defer cancel()

	// The NamespaceClient carries no implicit namespace header, so it can
	// register a namespace that does not exist yet.
	nsOpts := temporalsdkclient.Options{HostPort: cfg.Address, Logger: log}
	if cfg.mTLSConfigured() {
		tlsCfg, err := cfg.tlsConfig()
		if err != nil {
			return err
		}
		nsOpts.ConnectionOptions.TLS = tlsCfg
	}
	nsClient, err := temporalsdkclient.NewNamespaceClient(nsOpts)
	if err != nil {
		return fmt.Errorf("temporalx: namespace client: %w", err)
	}
	defer nsClient.Close()

	retry := loadRetry("TEMPORAL_NAMESPACE_ENSURE")
	return retry.run(log, "temporal namespace ensure", func() error {
		if err := ctx.Err(); err != nil {
			// non-retryable wrap: the ensure budget is spent
			return fmt.Errorf("temporalx: namespace ensure for %q: %w", namespace, context.Canceled)
		}
		if _, err := nsClient.Describe(ctx, namespace); err == nil {
			return nil
		} else if !isNamespaceNotFound(err) {
			return err
		}

		retention := envutil.Int("TEMPORAL_NAMESPACE_RETENTION_DAYS", 7)
		if retention < 1 || retention > 365 {
			retention = 7
		}
		regErr := nsClient.Register(ctx, &workflowservice.RegisterNamespaceRequest{
			Namespace:                        namespace,
			Description:                      "narraforge production namespace",
			WorkflowExecutionRetentionPeriod: durationpb.New(time.Duration(retention) * 24 * time.Hour),
		})
		var exists *serviceerror.NamespaceAlreadyExists
		if regErr == nil || errors.As(regErr, &exists) {
			if regErr == nil && log != nil {
				log.Info("registered temporal namespace", "namespace", namespace, "retention_days", retention)
			}
			return nil
		}
		return regErr
	})
}

func isNamespaceNotFound(err error) bool {
	var nfe *serviceerror.NamespaceNotFound
	return errors.As(err, &nfe)
}

// retryPolicy is the shared dial/ensure retry shape: capped exponential
// backoff inside a hard wall-clock budget. Permanent RPC errors stop the
// loop immediately.
type retryPolicy struct {
	maxWait    time.Duration
	backoff    time.Duration
	backoffMax time.Duration
}

func loadRetry(prefix string) retryPolicy {
	return retryPolicy{
		maxWait:    envSeconds(prefix+"_MAX_WAIT_SECONDS", 60),
		backoff:    envMillis(prefix+"_BACKOFF_MS", 250),
		backoffMax: envMillis(prefix+"_BACKOFF_MAX_MS", 5000),
	}
}

func (p retryPolicy) run(log *logger.Logger, what string, fn func() error) error {
	deadline := time.Now().Add(p.maxWait)
	sleep := p.backoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryableRPC(err) || p.maxWait <= 0 || time.Now().After(deadline) {
			return err
		}
		if log != nil {
			log.Warn(what+" retrying", "attempt", attempt, "error", err)
		}
		time.Sleep(sleep)
		sleep *= 2
		if p.backoffMax > 0 && sleep > p.backoffMax {
			sleep = p.backoffMax
		}
	}
}

// retryableRPC treats unavailable/exhausted/deadline gRPC codes — and plain
// context deadlines during startup — as worth another attempt.
func retryableRPC(err error) bool {
	if err == nil {
		return false
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return true
		default:
			return false
		}
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func envSeconds(key string, def int) time.Duration {
	n := envutil.Int(key, def)
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Second
}

func envMillis(key string, def int) time.Duration {
	n := envutil.Int(key, def)
	if n < 0 {
		n = 0
	}
	return time.Duration(n) * time.Millisecond
}

func (c Config) mTLSConfigured() bool {
	return c.ClientCertPath != "" || c.ClientKeyPath != "" || c.ClientCAPath != ""
}

// tlsConfig builds the mTLS client config from the three configured PEM
// paths. Cert and key are both required once either is set.
func (c Config) tlsConfig() (*tls.Config, error) {
	if c.ClientCertPath == "" || c.ClientKeyPath == "" {
		return nil, fmt.Errorf("temporalx: TEMPORAL_CLIENT_CERT_PATH and TEMPORAL_CLIENT_KEY_PATH are both required for mTLS")
	}
	cert, err := tls.LoadX509KeyPair(c.ClientCertPath, c.ClientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("temporalx: load client cert/key: %w", err)
	}
	out := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	if c.ClientCAPath != "" {
		pem, err := os.ReadFile(c.ClientCAPath)
		if err != nil {
			return nil, fmt.Errorf("temporalx: read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("temporalx: invalid CA pem")
		}
		out.RootCAs = pool
	}
	return out, nil
}
