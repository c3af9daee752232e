package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tskulbru/kvile/internal/config"
	"github.com/tskulbru/kvile/internal/httpclient"
	"github.com/tskulbru/kvile/internal/oauth"
	"github.com/tskulbru/kvile/internal/pipeline"
	"github.com/tskulbru/kvile/internal/scripts"
	"github.com/tskulbru/kvile/internal/store"
	"github.com/tskulbru/kvile/internal/telemetry"
	"github.com/tskulbru/kvile/internal/vars"
)

// session holds everything one CLI invocation needs to send requests.
type session struct {
	document string
	path     string
	pipeline *pipeline.Pipeline
	sources  pipeline.Sources
	envName  string

	closers []func()
}

func openSession(opts *globalOptions, path string) (*session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	path = filepath.Clean(path)

	settings, _, err := config.LoadSettings()
	if err != nil {
		return nil, err
	}
	resolved, err := settings.Resolve()
	if err != nil {
		return nil, err
	}
	if opts.logLevel == "" {
		if err := setLogLevel(resolved.LogLevel); err != nil {
			return nil, err
		}
	}

	s := &session{document: string(data), path: path}

	workspace := opts.workspace
	if workspace == "" {
		workspace = filepath.Dir(path)
	} else if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	envs, err := vars.LoadEnvironments(workspace)
	if err != nil {
		return nil, err
	}
	s.envName = opts.envName
	if s.envName == "" {
		s.envName = selectDefaultEnvironment(envs)
	}
	env, shared, err := envs.Layers(s.envName)
	if err != nil {
		return nil, err
	}

	captured := vars.NewCaptureStore(resolved.CaptureCapacity)
	client, err := httpclient.NewClient(httpclient.Options{
		Timeout:         resolved.RequestTimeout,
		FollowRedirects: resolved.FollowRedirects,
		Insecure:        resolved.Insecure,
	})
	if err != nil {
		return nil, err
	}
	tokens := oauth.NewManager(client.HTTPClient())
	tokens.SetLoginTimeout(resolved.OIDCTimeout)

	db, err := store.Open(resolved.StorePath)
	if err != nil {
		log.Warn().Err(err).Str("path", resolved.StorePath).Msg("store unavailable, values kept in memory")
	} else {
		s.closers = append(s.closers, func() {
			if err := db.Close(); err != nil {
				log.Warn().Err(err).Msg("close store")
			}
		})
		if err := captured.Attach(db); err != nil {
			log.Warn().Err(err).Msg("load captured variables")
		}
		if err := tokens.SetPersister(db); err != nil {
			log.Warn().Err(err).Msg("load cached tokens")
		}
	}

	telemetryCfg := telemetry.ConfigFromEnv(os.Getenv)
	telemetryCfg.Version = version
	inst, err := telemetry.New(telemetryCfg)
	if err != nil {
		log.Warn().Err(err).Msg("telemetry init")
		inst = telemetry.Noop()
	}
	s.closers = append(s.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown")
		}
	})

	s.pipeline = pipeline.New(client,
		pipeline.WithRunner(scripts.NewRunner(resolved.ScriptTimeout)),
		pipeline.WithTokens(tokens),
		pipeline.WithTelemetry(inst),
	)
	s.sources = pipeline.Sources{Environment: env, Shared: shared, Captured: captured}
	return s, nil
}

// Close runs in reverse so telemetry flushes before the store goes away.
func (s *session) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func selectDefaultEnvironment(envs vars.EnvironmentSet) string {
	names := envs.Names()
	if len(names) == 0 {
		return ""
	}
	preferred := []string{"dev", vars.DotEnvDefaultName, "local"}
	for _, want := range preferred {
		for _, name := range names {
			if name == want {
				return name
			}
		}
	}
	sort.Strings(names)
	return names[0]
}
