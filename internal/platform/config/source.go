package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const configFileEnv = "API_CONFIG_FILE"

// loadYAML reads a flat YAML document whose keys are the environment variable names.
// Lists are joined with commas so they parse like their env counterparts.
func loadYAML(path string) (map[string]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}

	k := koanf.New("::")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}

	values := make(map[string]string, len(k.Keys()))
	for _, key := range k.Keys() {
		switch v := k.Get(key).(type) {
		case nil:
			continue
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			values[key] = strings.Join(parts, ",")
		default:
			values[key] = k.String(key)
		}
	}
	return values, nil
}

// sources resolves every layer below the explicit env map, lowest precedence first.
func (o loaderOptions) sources() (yamlValues, dotEnvValues map[string]string, err error) {
	dotEnvValues, err = loadDotEnv(o.envFile)
	if err != nil {
		return nil, nil, err
	}

	configFile := o.configFile
	if configFile == "" {
		if v, ok := o.envMap[configFileEnv]; ok {
			configFile = v
		} else if o.useSystemEnv {
			configFile = os.Getenv(configFileEnv)
		}
		if configFile == "" {
			configFile = dotEnvValues[configFileEnv]
		}
	}
	yamlValues, err = loadYAML(configFile)
	if err != nil {
		return nil, nil, err
	}
	return yamlValues, dotEnvValues, nil
}

func systemEnv() map[string]string {
	system := make(map[string]string)
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		system[key] = value
	}
	return system
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	f, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}
