package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"github.com/spf13/viper"
	"github.com/tailscale/hujson"
)

const (
	DefaultStateChangeDelay = 1000 * time.Millisecond
	MinStateChangeDelay     = 100 * time.Millisecond
	MaxStateChangeDelay     = 100000 * time.Millisecond
)

// Options is the raw store configuration as read by viper from a config file or environment variables.
type Options struct {
	DataPath           string              `mapstructure:"data_path"`
	IndexPath          string              `mapstructure:"index_path"`
	StateChangeDelayMs int                 `mapstructure:"state_change_delay_ms"`
	Collections        []CollectionOptions `mapstructure:"collections"`
}

// CollectionOptions stores the raw declaration of one collection.
type CollectionOptions struct {
	Name      string            `mapstructure:"name"`
	DataPath  string            `mapstructure:"data_path"`
	IndexPath string            `mapstructure:"index_path"`
	Encoding  types.Encoding    `mapstructure:"encoding"`
	Result    types.ResultShape `mapstructure:"result"`
	Indexes   []types.IndexDecl `mapstructure:"indexes"`
}

// Env is the resolved, validated configuration the engine runs on.
type Env struct {
	StateChangeDelay time.Duration
	Collections      []Collection
}

// Collection is a resolved collection declaration.
type Collection struct {
	Name      string
	DataPath  string
	IndexPath string
	Encoding  types.Encoding
	Result    types.ResultShape
	Indexes   []types.IndexDecl
}

// InMemory reports whether the collection's index lives in memory.
func (c Collection) InMemory() bool {
	return c.IndexPath == fsmap.MemoryStore
}

// IndexLocation returns the database file of the collection, or MEMORY.
func (c Collection) IndexLocation() string {
	if c.InMemory() {
		return fsmap.MemoryStore
	}
	return filepath.Join(c.IndexPath, c.Name+fsmap.DefaultIndexFileExt)
}

// Index returns the declaration of prop, if any.
func (c Collection) Index(prop string) (types.IndexDecl, bool) {
	for _, idx := range c.Indexes {
		if idx.Prop == prop {
			return idx, true
		}
	}
	return types.IndexDecl{}, false
}

// LoadConfig reads the store options from a file or environment variables.
// .jsonc and .hujson files may carry comments and trailing commas.
func LoadConfig(configPath string) (*Options, error) {
	v := viper.New()
	v.SetDefault("index_path", fsmap.MemoryStore)
	v.SetDefault("state_change_delay_ms", int(DefaultStateChangeDelay/time.Millisecond))

	v.SetEnvPrefix(fsmap.DefaultEnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	switch ext := strings.ToLower(filepath.Ext(configPath)); {
	case configPath == "":
		v.AddConfigPath(".")
		v.AddConfigPath(fsmap.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fsmap.Wrap(fsmap.ErrConfig, "read config", err)
			}
		}
	case ext == ".jsonc" || ext == ".hujson":
		raw, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fsmap.Wrap(fsmap.ErrConfig, "read config", err)
		}
		std, err := hujson.Standardize(raw)
		if err != nil {
			return nil, fsmap.Wrap(fsmap.ErrConfig, "parse "+configPath, err)
		}
		v.SetConfigType("json")
		if err := v.ReadConfig(bytes.NewReader(std)); err != nil {
			return nil, fsmap.Wrap(fsmap.ErrConfig, "read config", err)
		}
	default:
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fsmap.Wrap(fsmap.ErrConfig, "read config", err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return nil, fsmap.Wrap(fsmap.ErrConfig, "unable to decode into struct", err)
	}
	return &opts, nil
}

// ClampStateChangeDelay applies the default and the allowed range to a delay in milliseconds.
func ClampStateChangeDelay(ms int) time.Duration {
	if ms <= 0 {
		return DefaultStateChangeDelay
	}
	d := time.Duration(ms) * time.Millisecond
	return min(max(d, MinStateChangeDelay), MaxStateChangeDelay)
}

// Normalize resolves defaults and paths and validates the options.
func (o Options) Normalize() (*Env, error) {
	if strings.TrimSpace(o.DataPath) == "" {
		return nil, fsmap.Errorf(fsmap.ErrConfig, "data path is empty")
	}
	dataRoot, err := filepath.Abs(o.DataPath)
	if err != nil {
		return nil, fsmap.Wrap(fsmap.ErrConfig, "resolve data path", err)
	}
	indexRoot, err := resolveIndexPath(o.IndexPath)
	if err != nil {
		return nil, err
	}

	env := &Env{
		StateChangeDelay: ClampStateChangeDelay(o.StateChangeDelayMs),
		Collections:      make([]Collection, 0, len(o.Collections)),
	}
	names := make(map[string]struct{}, len(o.Collections))

	for _, co := range o.Collections {
		c, err := co.resolve(dataRoot, indexRoot)
		if err != nil {
			return nil, err
		}
		key := strings.ToLower(c.Name)
		if _, dup := names[key]; dup {
			return nil, fsmap.Errorf(fsmap.ErrConfig, "duplicate collection name %q", c.Name)
		}
		names[key] = struct{}{}
		env.Collections = append(env.Collections, c)
	}

	if err := checkOverlap(env.Collections); err != nil {
		return nil, err
	}
	return env, nil
}

func resolveIndexPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" || strings.EqualFold(p, fsmap.MemoryStore) {
		return fsmap.MemoryStore, nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fsmap.Wrap(fsmap.ErrConfig, "resolve index path", err)
	}
	return abs, nil
}

func (co CollectionOptions) resolve(dataRoot, indexRoot string) (Collection, error) {
	name := strings.TrimSpace(co.Name)
	if name == "" {
		return Collection{}, fsmap.Errorf(fsmap.ErrConfig, "collection name is empty")
	}

	c := Collection{
		Name:      name,
		DataPath:  filepath.Join(dataRoot, name),
		IndexPath: indexRoot,
		Encoding:  co.Encoding,
		Result:    co.Result,
	}
	if strings.TrimSpace(co.DataPath) != "" {
		abs, err := filepath.Abs(co.DataPath)
		if err != nil {
			return Collection{}, fsmap.Wrap(fsmap.ErrConfig, "resolve data path of "+name, err)
		}
		c.DataPath = abs
	}
	if strings.TrimSpace(co.IndexPath) != "" {
		idx, err := resolveIndexPath(co.IndexPath)
		if err != nil {
			return Collection{}, err
		}
		c.IndexPath = idx
	}
	if c.Encoding == "" {
		c.Encoding = types.EncodingJSON
	}
	if c.Encoding != types.EncodingJSON && c.Encoding != types.EncodingString {
		return Collection{}, fsmap.Errorf(fsmap.ErrConfig, "collection %q: unknown encoding %q", name, c.Encoding)
	}
	if c.Result == "" {
		c.Result = types.ResultNative
	}
	if c.Result != types.ResultNative && c.Result != types.ResultString {
		return Collection{}, fsmap.Errorf(fsmap.ErrConfig, "collection %q: unknown result shape %q", name, c.Result)
	}
	if !c.InMemory() && filepath.Clean(c.DataPath) == filepath.Clean(c.IndexPath) {
		return Collection{}, fsmap.Errorf(fsmap.ErrConfig, "collection %q: data path equals index path", name)
	}

	if len(co.Indexes) > 0 && c.Encoding != types.EncodingJSON {
		return Collection{}, fsmap.Errorf(fsmap.ErrConfig, "collection %q: indexes require json encoding", name)
	}
	seen := make(map[string]struct{}, len(co.Indexes))
	for _, idx := range co.Indexes {
		prop := strings.TrimSpace(idx.Prop)
		if prop == "" {
			return Collection{}, fsmap.Errorf(fsmap.ErrConfig, "collection %q: index prop is empty", name)
		}
		if idx.Type == "" {
			return Collection{}, fsmap.Errorf(fsmap.ErrConfig, "collection %q: index %q type is empty", name, prop)
		}
		if !idx.Type.Valid() {
			return Collection{}, fsmap.Errorf(fsmap.ErrConfig, "collection %q: index %q has unknown type %q", name, prop, idx.Type)
		}
		if _, dup := seen[prop]; dup {
			return Collection{}, fsmap.Errorf(fsmap.ErrConfig, "collection %q: duplicate index %q", name, prop)
		}
		seen[prop] = struct{}{}
		c.Indexes = append(c.Indexes, types.IndexDecl{Prop: prop, Type: idx.Type})
	}
	return c, nil
}

// String renders a short description used in startup logs.
func (c Collection) String() string {
	return fmt.Sprintf("%s (data=%s index=%s encoding=%s indexes=%d)", c.Name, c.DataPath, c.IndexLocation(), c.Encoding, len(c.Indexes))
}
