package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by the loaders.
const EnvPrefix = "CALCMIR"

// NewViper returns a viper instance reading YAML files and CALCMIR_*
// environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds every flag of fs to the key obtained by replacing dashes
// with underscores, so that --cache-control feeds the cache_control key.
// Flags starting with "log-" feed the log section: --log-level sets
// log.level.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		if berr := v.BindPFlag(FlagKey(f.Name), f); berr != nil {
			err = fmt.Errorf("bind flag %q: %w", f.Name, berr)
		}
	})
	return err
}

// FlagKey returns the configuration key fed by the flag called name.
func FlagKey(name string) string {
	if rest, ok := strings.CutPrefix(name, "log-"); ok {
		return "log." + strings.ReplaceAll(rest, "-", "_")
	}
	return strings.ReplaceAll(name, "-", "_")
}

// LoadServer reads a ServerConfig from v, after merging the YAML file at path
// when path is non-empty.
func LoadServer(v *viper.Viper, path string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := load(v, path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	return cfg, nil
}

// LoadProxy reads a ProxyConfig from v.
func LoadProxy(v *viper.Viper, path string) (*ProxyConfig, error) {
	cfg := DefaultProxy()
	if err := load(v, path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proxy config: %w", err)
	}
	return cfg, nil
}

// LoadClient reads a ClientConfig from v.
func LoadClient(v *viper.Viper, path string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if err := load(v, path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client config: %w", err)
	}
	return cfg, nil
}

func load(v *viper.Viper, path string, out any) error {
	setDefaults(v, "", reflect.ValueOf(out).Elem())
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// setDefaults registers every mapstructure key of val with its current value,
// so that environment variables are seen by Unmarshal even for keys that have
// no flag.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	typ := val.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + tag
		if field.Type.Kind() == reflect.Struct {
			setDefaults(v, key+".", val.Field(i))
			continue
		}
		v.SetDefault(key, val.Field(i).Interface())
	}
}
