package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/SpatiumPortae/dropzone/internal/names"
	"github.com/fatih/structs"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

const (
	CONFIGS_DIR_NAME         = ".config"
	DROPZONE_CONFIG_DIR_NAME = "dropzone"
	CONFIG_FILE_NAME         = "config"
	CONFIG_FILE_EXT          = "yml"

	StyleRich = "rich"
	StyleRaw  = "raw"
)

type Config struct {
	Relay        string   `mapstructure:"relay"`
	Name         string   `mapstructure:"name"`
	Verbose      bool     `mapstructure:"verbose"`
	TuiStyle     string   `mapstructure:"tui_style"`
	OutputDir    string   `mapstructure:"output_dir"`
	PromptAccept bool     `mapstructure:"prompt_accept"`
	FrameCodec   string   `mapstructure:"frame_codec"`
	STUNServers  []string `mapstructure:"stun_servers"`
	ServerPort   int      `mapstructure:"server_port"`
	Advertise    bool     `mapstructure:"advertise"`
}

func GetDefault() Config {
	name, err := os.Hostname()
	if err != nil {
		name = names.Fallback("dropzone")
	}
	return Config{
		Relay:        "",
		Name:         name,
		Verbose:      false,
		TuiStyle:     StyleRich,
		OutputDir:    ".",
		PromptAccept: true,
		FrameCodec:   "tagged",
		STUNServers:  []string{},
		ServerPort:   3001,
		Advertise:    true,
	}
}

func (config Config) Map() map[string]any {
	m := map[string]any{}
	for _, field := range structs.Fields(config) {
		key := field.Tag("mapstructure")
		value := field.Value()
		m[key] = value
	}
	return m
}

// Yaml renders the config with keys in sorted order.
func (config Config) Yaml() []byte {
	m := config.Map()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var builder strings.Builder
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			builder.WriteString(fmt.Sprintf("%s: %q", k, v))
		case []string:
			builder.WriteString(fmt.Sprintf("%s: [", k))
			for i, s := range v {
				if i > 0 {
					builder.WriteString(", ")
				}
				builder.WriteString(fmt.Sprintf("%q", s))
			}
			builder.WriteString("]")
		default:
			builder.WriteString(fmt.Sprintf("%s: %v", k, v))
		}
		builder.WriteRune('\n')
	}
	return []byte(builder.String())
}

func IsDefault(key string) bool {
	defaults := GetDefault().Map()
	return fmt.Sprint(viper.Get(key)) == fmt.Sprint(defaults[key])
}

var ErrUnknownKey = errors.New("unknown config key")

// Current returns the effective configuration, flags and env included.
func Current() (Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return config, nil
}

// Set parses value according to the type of key and persists it to the
// config file. List values are comma separated.
func Set(key, value string) error {
	def, ok := GetDefault().Map()[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	var parsed any
	switch def.(type) {
	case bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%s expects a boolean: %w", key, err)
		}
		parsed = b
	case int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s expects an integer: %w", key, err)
		}
		parsed = n
	case []string:
		list := []string{}
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				list = append(list, item)
			}
		}
		parsed = list
	default:
		parsed = value
	}
	viper.Set(key, parsed)
	config, err := Current()
	if err != nil {
		return err
	}
	return os.WriteFile(viper.ConfigFileUsed(), config.Yaml(), 0o644)
}

// Dir returns the directory holding the config file.
func Dir() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	return filepath.Join(home, CONFIGS_DIR_NAME, DROPZONE_CONFIG_DIR_NAME), nil
}

// Init initializes the viper config.
// `config.yml` is created in $HOME/.config/dropzone if not already existing.
// NOTE: The precedence levels of viper are the following: flags -> env -> config file -> defaults.
func Init() error {
	configPath, err := Dir()
	if err != nil {
		return err
	}
	return initIn(configPath)
}

func initIn(configPath string) error {
	viper.AddConfigPath(configPath)
	viper.SetConfigName(CONFIG_FILE_NAME)
	viper.SetConfigType(CONFIG_FILE_EXT)
	if err := viper.BindEnv("server_port", "PORT"); err != nil {
		return fmt.Errorf("binding PORT env: %w", err)
	}

	if err := viper.ReadInConfig(); err != nil {
		// Create config file if not found.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			err := os.MkdirAll(configPath, os.ModePerm)
			if err != nil {
				return fmt.Errorf("could not create config directory: %w", err)
			}

			path := filepath.Join(configPath, fmt.Sprintf("%s.%s", CONFIG_FILE_NAME, CONFIG_FILE_EXT))
			if err := os.WriteFile(path, GetDefault().Yaml(), 0o644); err != nil {
				return fmt.Errorf("could not write defaults to config file: %w", err)
			}
			viper.SetConfigFile(path)
		} else {
			return fmt.Errorf("could not read config file: %w", err)
		}
	}
	for k, v := range GetDefault().Map() {
		viper.SetDefault(k, v)
	}
	return nil
}
