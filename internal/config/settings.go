package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/tskulbru/kvile/internal/errdef"
)

const (
	SettingsFormatTOML SettingsFormat = "toml"
	SettingsFormatJSON SettingsFormat = "json"
)

const (
	DefaultRequestTimeout  = 30 * time.Second
	DefaultOIDCTimeout     = 5 * time.Minute
	DefaultScriptTimeout   = 10 * time.Second
	DefaultCaptureCapacity = 100
	DefaultLogLevel        = "info"
	defaultStoreName       = "kvile.db"
)

type Settings struct {
	RequestTimeout  string `json:"request_timeout"  toml:"request_timeout"`
	OIDCTimeout     string `json:"oidc_timeout"     toml:"oidc_timeout"`
	ScriptTimeout   string `json:"script_timeout"   toml:"script_timeout"`
	CaptureCapacity int    `json:"capture_capacity" toml:"capture_capacity"`
	FollowRedirects *bool  `json:"follow_redirects" toml:"follow_redirects"`
	Insecure        bool   `json:"insecure"         toml:"insecure"`
	LogLevel        string `json:"log_level"        toml:"log_level"`
	StorePath       string `json:"store_path"       toml:"store_path"`
}

type SettingsFormat string
type SettingsHandle struct {
	Path   string
	Format SettingsFormat
}

// Resolved is Settings with every duration parsed and every default applied.
type Resolved struct {
	RequestTimeout  time.Duration
	OIDCTimeout     time.Duration
	ScriptTimeout   time.Duration
	CaptureCapacity int
	FollowRedirects bool
	Insecure        bool
	LogLevel        string
	StorePath       string
}

// tries loading TOML first, then JSON, then returns empty settings if neither exists.
// parse errors fail immediately but missing files just skip to the next format.
func LoadSettings() (Settings, SettingsHandle, error) {
	dir := Dir()
	candidates := []SettingsHandle{
		{Path: filepath.Join(dir, "settings.toml"), Format: SettingsFormatTOML},
		{Path: filepath.Join(dir, "settings.json"), Format: SettingsFormatJSON},
	}

	var accumulated error
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate.Path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			accumulated = errors.Join(
				accumulated,
				fmt.Errorf("read settings %q: %w", candidate.Path, err),
			)
			continue
		}

		settings, err := decodeSettings(data, candidate.Format)
		if err != nil {
			return Settings{}, SettingsHandle{}, errdef.Wrap(
				errdef.CodeConfig,
				err,
				"parse settings %q",
				candidate.Path,
			)
		}
		return settings, candidate, nil
	}

	if accumulated != nil {
		return Settings{}, SettingsHandle{}, errdef.Wrap(errdef.CodeConfig, accumulated, "")
	}

	return Settings{}, SettingsHandle{
		Path:   candidates[0].Path,
		Format: SettingsFormatTOML,
	}, nil
}

func decodeSettings(data []byte, format SettingsFormat) (Settings, error) {
	var settings Settings
	switch format {
	case SettingsFormatTOML:
		if err := toml.Unmarshal(data, &settings); err != nil {
			return Settings{}, err
		}
	case SettingsFormatJSON:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&settings); err != nil {
			return Settings{}, err
		}
	default:
		return Settings{}, fmt.Errorf("unsupported settings format %q", format)
	}
	return settings, nil
}

// Resolve applies defaults and validates durations.
func (s Settings) Resolve() (Resolved, error) {
	out := Resolved{
		CaptureCapacity: s.CaptureCapacity,
		FollowRedirects: true,
		Insecure:        s.Insecure,
		LogLevel:        strings.ToLower(strings.TrimSpace(s.LogLevel)),
		StorePath:       strings.TrimSpace(s.StorePath),
	}
	var err error
	if out.RequestTimeout, err = parseDuration("request_timeout", s.RequestTimeout, DefaultRequestTimeout); err != nil {
		return Resolved{}, err
	}
	if out.OIDCTimeout, err = parseDuration("oidc_timeout", s.OIDCTimeout, DefaultOIDCTimeout); err != nil {
		return Resolved{}, err
	}
	if out.ScriptTimeout, err = parseDuration("script_timeout", s.ScriptTimeout, DefaultScriptTimeout); err != nil {
		return Resolved{}, err
	}
	if out.CaptureCapacity <= 0 {
		out.CaptureCapacity = DefaultCaptureCapacity
	}
	if s.FollowRedirects != nil {
		out.FollowRedirects = *s.FollowRedirects
	}
	if out.LogLevel == "" {
		out.LogLevel = DefaultLogLevel
	}
	if out.StorePath == "" {
		out.StorePath = filepath.Join(Dir(), defaultStoreName)
	}
	return out, nil
}

func parseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errdef.Wrap(errdef.CodeConfig, err, "invalid %s", field)
	}
	if d <= 0 {
		return 0, errdef.New(errdef.CodeConfig, "%s must be positive", field)
	}
	return d, nil
}

func SaveSettings(settings Settings, handle SettingsHandle) error {
	path := handle.Path
	format := handle.Format
	if path == "" {
		path = filepath.Join(Dir(), "settings.toml")
	}
	if format == "" {
		format = SettingsFormatTOML
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errdef.Wrap(errdef.CodeFilesystem, err, "ensure settings directory")
	}

	var (
		data []byte
		err  error
	)

	switch format {
	case SettingsFormatTOML:
		data, err = toml.Marshal(settings)
	case SettingsFormatJSON:
		buffer := &bytes.Buffer{}
		encoder := json.NewEncoder(buffer)
		encoder.SetIndent("", "  ")
		if err = encoder.Encode(settings); err == nil {
			data = buffer.Bytes()
		}
	default:
		return errdef.New(errdef.CodeConfig, "unsupported settings format %q", format)
	}
	if err != nil {
		return errdef.Wrap(errdef.CodeConfig, err, "encode settings")
	}

	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return errdef.Wrap(errdef.CodeFilesystem, err, "write settings %q", path)
	}
	return nil
}

// temp file then rename, readers never see a partial file.
func writeFileAtomic(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".kvile-settings-*.tmp")
	if err != nil {
		return err
	}

	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return errors.Join(err, tmp.Close())
	}
	if err := tmp.Chmod(perm); err != nil {
		return errors.Join(err, tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
