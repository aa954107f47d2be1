package config

import (
	"bytes"
	_ "embed"
	"os"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Ramsey-B/thistle/pkg/errors"
)

//go:embed defaults.yml
var defaults []byte

// Load resolves every field tagged with env. Values come from, highest
// first: process environment (including a .env file in the working
// directory), the optional YAML file at path, the embedded defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "failed to load .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, errors.Wrap(err, "failed to read default config")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}
	v.AutomaticEnv()

	cfg := &Config{}
	err := v.Unmarshal(cfg,
		func(c *mapstructure.DecoderConfig) { c.TagName = "env" },
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			trimSpace,
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// trimSpace strips padding from string values, including each item of a comma
// separated list.
func trimSpace(from, _ reflect.Kind, data any) (any, error) {
	s, ok := data.(string)
	if from != reflect.String || !ok {
		return data, nil
	}
	return strings.TrimSpace(s), nil
}
