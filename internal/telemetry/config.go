package telemetry

import (
	"strconv"
	"strings"
	"time"

	"github.com/tskulbru/kvile/internal/errdef"
)

const (
	envEndpoint    = "KVILE_OTEL_ENDPOINT"
	envInsecure    = "KVILE_OTEL_INSECURE"
	envService     = "KVILE_OTEL_SERVICE"
	envDialTimeout = "KVILE_OTEL_DIAL_TIMEOUT"
	envHeaders     = "KVILE_OTEL_HEADERS"

	defaultServiceName = "kvile"
)

// Config describes the OTLP exporter. Tracing is off unless Endpoint is set.
type Config struct {
	Endpoint    string
	Insecure    bool
	ServiceName string
	Version     string
	DialTimeout time.Duration
	Headers     map[string]string
}

func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// ConfigFromEnv reads the exporter settings through getenv. Malformed
// values fall back to defaults.
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := Config{
		Endpoint:    strings.TrimSpace(getenv(envEndpoint)),
		ServiceName: strings.TrimSpace(getenv(envService)),
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if raw := strings.TrimSpace(getenv(envInsecure)); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Insecure = v
		}
	}
	if raw := strings.TrimSpace(getenv(envDialTimeout)); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.DialTimeout = d
		}
	}
	if headers, err := ParseHeaders(getenv(envHeaders)); err == nil {
		cfg.Headers = headers
	}
	return cfg
}

// ParseHeaders reads "k=v, k2=v2". A blank input yields nil.
func ParseHeaders(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, errdef.New(errdef.CodeConfig, "invalid telemetry header %q", part)
		}
		out[key] = strings.TrimSpace(value)
	}
	return out, nil
}
