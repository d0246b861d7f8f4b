// =============================================================================
// 📦 WayFlow 配置加载器
// =============================================================================
// 默认值 → YAML 文件 → 环境变量，后者覆盖前者
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("wayflow.yaml").
//	    WithEnvPrefix("WAYFLOW").
//	    Load()
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Loader 配置加载器
type Loader struct {
	configPath string
	envPrefix  string
	lookup     func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader 创建加载器，环境变量前缀默认 WAYFLOW
func NewLoader() *Loader {
	return &Loader{envPrefix: "WAYFLOW", lookup: os.LookupEnv}
}

func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithLookup replaces os.LookupEnv, mostly for tests.
func (l *Loader) WithLookup(lookup func(string) (string, bool)) *Loader {
	if lookup != nil {
		l.lookup = lookup
	}
	return l
}

// WithValidator 追加校验函数，按添加顺序执行
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 依次叠加默认值、文件和环境变量，再执行校验函数
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := decodeFile(l.configPath, cfg); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", l.configPath, err)
		}
	}
	if err := l.applyEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

// decodeFile 严格解析 YAML，未知字段报错；文件不存在或为空时保留默认值
func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv walks v by its env tags; nested structs extend the key as
// PREFIX_SECTION_FIELD. Empty values are ignored.
func (l *Loader) applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag
		field := v.Field(i)

		if field.Kind() == reflect.Struct {
			if err := l.applyEnv(field, key); err != nil {
				return err
			}
			continue
		}
		raw, ok := l.lookup(key)
		if !ok || raw == "" {
			continue
		}
		if err := setFromString(field, raw); err != nil {
			return fmt.Errorf("%s=%q: %w", key, raw, err)
		}
	}
	return nil
}

func setFromString(field reflect.Value, raw string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(raw, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var items []string
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				items = append(items, s)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// MustLoad 加载 path 指向的配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return cfg
}

// LoadFromEnv 只用默认值和环境变量
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}
