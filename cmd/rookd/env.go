package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// applyFlagsFromEnvFile sets every flag not given on the command line from
// the env config file. The variable name is the flag name upper-cased with
// "-" replaced by "_" and a ROOKD_ prefix, so --max-connections reads
// ROOKD_MAX_CONNECTIONS.
func applyFlagsFromEnvFile(cmd *cobra.Command) error {
	if defaultEnvConfigFile == "" {
		return nil
	}
	path, err := filepath.Abs(defaultEnvConfigFile)
	if err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	env, err := godotenv.Read(path)
	if err != nil {
		return fmt.Errorf("config read error: %w", err)
	}

	var errs []error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed || flag.Name == "help" || flag.Name == "config" {
			return
		}
		v, ok := env[envName(flag.Name)]
		if !ok {
			return
		}
		if slice, isSlice := flag.Value.(pflag.SliceValue); isSlice {
			err = slice.Replace(strings.Fields(v))
		} else {
			err = flag.Value.Set(v)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to apply %s: %w", envName(flag.Name), err))
		}
	})
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func envName(flag string) string {
	return "ROOKD_" + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}
