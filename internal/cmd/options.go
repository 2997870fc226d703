package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// configKeyAnnotation maps a flag to the config key it sets, when the key
// is not the flag name.
const configKeyAnnotation = "lockbox_config_key"

func bindFlag(flags *pflag.FlagSet, name, key string) {
	if err := flags.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(err)
	}
}

// parseOptions loads options into target, which holds the defaults.
// Configuration is applied in this order, later sources winning:
//  1. the file named by the --config-file flag, yaml or json
//  2. environment variables starting with envPrefix, eg
//     LOCKBOX_ROTATION_INTERVAL for rotation.interval
//  3. command line flags that were set explicitly
func parseOptions(cmd *cobra.Command, target interface{}, envPrefix string) error {
	v := viper.New()

	if flag := cmd.Flags().Lookup("config-file"); flag != nil && flag.Value.String() != "" {
		v.SetConfigFile(flag.Value.String())

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("config file %s not found", flag.Value.String())
			}
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	for _, key := range configKeys(reflect.TypeOf(target), "") {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	var bindErr error
	// only flags set on the command line, so flag defaults never hide the
	// file or the environment
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		key := flag.Name
		if names, ok := flag.Annotations[configKeyAnnotation]; ok {
			key = names[0]
		} else if flag.Name == "config-file" || flag.Name == "log-level" {
			return
		}

		if err := v.BindPFlag(key, flag); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return bindErr
	}

	hooks := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))

	if err := v.Unmarshal(target, hooks); err != nil {
		return fmt.Errorf("decoding options: %w", err)
	}

	return nil
}

// configKeys lists the dotted keys of the scalar fields of t, named by their
// mapstructure tags.
func configKeys(t reflect.Type, prefix string) []string {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return nil
	}

	var keys []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue
		}

		name := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if name == "" || name == "-" {
			continue
		}

		key := prefix + name

		switch field.Type.Kind() {
		case reflect.Struct:
			keys = append(keys, configKeys(field.Type, key+".")...)
		case reflect.Slice, reflect.Map, reflect.Interface:
			// set from the config file only
		default:
			keys = append(keys, key)
		}
	}

	return keys
}

// canonicalPath expands environment variables in path and makes it
// absolute.
func canonicalPath(path string) (string, error) {
	path = os.ExpandEnv(path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	return abs, nil
}
