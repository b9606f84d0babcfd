package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Provider returns the raw value of a dotted key such as "watch.poll", or
// false when it has nothing for the key.
type Provider interface {
	Name() string
	Lookup(key string) (any, bool)
}

// Chain consults providers in order; the first one holding a key wins.
type Chain []Provider

// Lookup returns the value of key and the name of the provider it came from.
func (c Chain) Lookup(key string) (any, string, bool) {
	for _, p := range c {
		if v, ok := p.Lookup(key); ok {
			return v, p.Name(), true
		}
	}
	return nil, "", false
}

// FlagProvider serves command-line flags that were set explicitly. Keys maps
// config keys to flag names.
type FlagProvider struct {
	Flags *pflag.FlagSet
	Keys  map[string]string
}

func (FlagProvider) Name() string { return "flag" }

func (p FlagProvider) Lookup(key string) (any, bool) {
	if p.Flags == nil {
		return nil, false
	}
	name, ok := p.Keys[key]
	if !ok {
		return nil, false
	}
	f := p.Flags.Lookup(name)
	if f == nil || !f.Changed {
		return nil, false
	}
	return f.Value.String(), true
}

// EnvProvider serves MAILPILOT_* variables: "watch.poll" is read from
// MAILPILOT_WATCH_POLL. Empty values count as unset.
type EnvProvider struct {
	Getenv func(string) string
}

func (EnvProvider) Name() string { return "env" }

// EnvName returns the variable consulted for key.
func EnvName(key string) string {
	return "MAILPILOT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func (p EnvProvider) Lookup(key string) (any, bool) {
	if p.Getenv == nil {
		return nil, false
	}
	v := p.Getenv(EnvName(key))
	if v == "" {
		return nil, false
	}
	return v, true
}

// FileProvider serves keys present in the config file.
type FileProvider struct {
	V *viper.Viper
}

func (FileProvider) Name() string { return "file" }

func (p FileProvider) Lookup(key string) (any, bool) {
	if p.V == nil || !p.V.IsSet(key) {
		return nil, false
	}
	return p.V.Get(key), true
}

// MapProvider serves a fixed map, used for defaults.
type MapProvider struct {
	Label  string
	Values map[string]any
}

func (p MapProvider) Name() string { return p.Label }

func (p MapProvider) Lookup(key string) (any, bool) {
	v, ok := p.Values[key]
	return v, ok
}
