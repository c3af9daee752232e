package vars

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"

	"github.com/tskulbru/kvile/internal/errdef"
)

const (
	EnvFileName        = "http-client.env.json"
	PrivateEnvFileName = "http-client.private.env.json"
	DotEnvFileName     = ".env"
	SharedEnvName      = "$shared"
	DotEnvDefaultName  = "default"
)

type Environment struct {
	Name      string
	Variables map[string]string
	// Private holds values from the private env file, kept apart so they
	// are never written back to the shared file.
	Private map[string]string
	Source  string
}

type EnvironmentSet struct {
	Environments  []Environment
	Shared        map[string]string
	PrivateShared map[string]string
}

// LoadEnvironments reads http-client.env.json and its private companion
// from workspace. When neither exists a .env file becomes the "default"
// environment. No files at all is not an error.
func LoadEnvironments(workspace string) (EnvironmentSet, error) {
	publicPath := filepath.Join(workspace, EnvFileName)
	privatePath := filepath.Join(workspace, PrivateEnvFileName)

	public, publicErr := parseEnvFile(publicPath)
	if publicErr != nil && !errors.Is(publicErr, fs.ErrNotExist) {
		return EnvironmentSet{}, publicErr
	}
	private, privateErr := parseEnvFile(privatePath)
	if privateErr != nil && !errors.Is(privateErr, fs.ErrNotExist) {
		return EnvironmentSet{}, privateErr
	}

	if publicErr == nil || privateErr == nil {
		set := EnvironmentSet{Shared: map[string]string{}, PrivateShared: map[string]string{}}
		byName := map[string]int{}
		if publicErr == nil {
			set.Shared = public.shared
			for _, name := range sortedEnvNames(public.envs) {
				byName[name] = len(set.Environments)
				set.Environments = append(set.Environments, Environment{
					Name:      name,
					Variables: public.envs[name],
					Private:   map[string]string{},
					Source:    publicPath,
				})
			}
		}
		if privateErr == nil {
			set.PrivateShared = private.shared
			for _, name := range sortedEnvNames(private.envs) {
				if idx, ok := byName[name]; ok {
					set.Environments[idx].Private = private.envs[name]
					continue
				}
				set.Environments = append(set.Environments, Environment{
					Name:      name,
					Variables: map[string]string{},
					Private:   private.envs[name],
					Source:    privatePath,
				})
			}
		}
		sort.Slice(set.Environments, func(i, j int) bool {
			return set.Environments[i].Name < set.Environments[j].Name
		})
		return set, nil
	}

	dotPath := filepath.Join(workspace, DotEnvFileName)
	values, err := godotenv.Read(dotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return EnvironmentSet{Shared: map[string]string{}, PrivateShared: map[string]string{}}, nil
	}
	if err != nil {
		return EnvironmentSet{}, errdef.Wrap(errdef.CodeConfig, err, "parse %s", dotPath)
	}
	return EnvironmentSet{
		Environments: []Environment{{
			Name:      DotEnvDefaultName,
			Variables: values,
			Private:   map[string]string{},
			Source:    dotPath,
		}},
		Shared:        map[string]string{},
		PrivateShared: map[string]string{},
	}, nil
}

func (s EnvironmentSet) Names() []string {
	names := make([]string, 0, len(s.Environments))
	for _, env := range s.Environments {
		names = append(names, env.Name)
	}
	return names
}

// Layers returns the environment and shared layers for name. An empty name
// selects only the shared values.
func (s EnvironmentSet) Layers(name string) (env map[string]string, shared map[string]string, err error) {
	shared = BuildTable(s.Shared, s.PrivateShared)
	if name == "" {
		return map[string]string{}, shared, nil
	}
	for _, e := range s.Environments {
		if e.Name == name {
			return BuildTable(e.Variables, e.Private), shared, nil
		}
	}
	return nil, nil, errdef.New(errdef.CodeConfig, "environment %q not found", name)
}

type envFile struct {
	envs   map[string]map[string]string
	shared map[string]string
}

func parseEnvFile(path string) (envFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return envFile{}, err
		}
		return envFile{}, errdef.Wrap(errdef.CodeFilesystem, err, "read %s", path)
	}
	var raw map[string]map[string]any
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return envFile{}, errdef.Wrap(errdef.CodeConfig, err, "parse %s", path)
	}
	out := envFile{envs: map[string]map[string]string{}, shared: map[string]string{}}
	for name, values := range raw {
		flat := make(map[string]string, len(values))
		for k, v := range values {
			flat[k] = Stringify(v)
		}
		if name == SharedEnvName {
			out.shared = flat
			continue
		}
		out.envs[name] = flat
	}
	return out, nil
}

func sortedEnvNames(m map[string]map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
