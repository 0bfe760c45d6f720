// Copyright 2025 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"time"

	"github.com/in-toto/keysweep/config"
	"github.com/in-toto/keysweep/internal/logging"
	"github.com/in-toto/keysweep/registry"
	"github.com/in-toto/keysweep/source"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type rootOptions struct {
	configFile string
	viper      *viper.Viper
}

func newRootCommand() *cobra.Command {
	ro := &rootOptions{viper: config.New()}

	cmd := &cobra.Command{
		Use:   "keysweep",
		Short: "Find live AWS keys in newly published packages",
		Long: `keysweep polls PyPI, RubyGems and Hex.pm for new releases, searches their
archives for AWS access key pairs and reports the pairs STS still accepts.

Settings are read from flags, KEYSWEEP_ environment variables and an optional
.keysweep.yaml in the working or home directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&ro.configFile, "config", "c", "", "Path to a config file")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", logging.FormatAuto, "Log format (auto, text, json)")
	flags.String("state", config.DefaultStateFile, "Path to the checkpoint state file")
	flags.StringSlice("sources", sourceNames(), "Registries to sweep")
	bind(ro.viper, flags, map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
		"state":      "state",
		"sources":    "sources",
	})

	cmd.AddCommand(newRunCommand(ro))
	cmd.AddCommand(newSetupStateCommand(ro))
	return cmd
}

// load reads the merged configuration and installs the logger.
func (ro *rootOptions) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(ro.viper, ro.configFile)
	if err != nil {
		return nil, err
	}

	if _, err := logging.Install(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr()); err != nil {
		return nil, err
	}

	return cfg, nil
}

func bind(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

func sourceNames() []string {
	var names []string
	for _, k := range source.Kinds() {
		names = append(names, k.String())
	}
	return names
}

// addSourceFlags registers --<registry>-<option> for every source option and
// binds it to source.<registry>.<option>.
func addSourceFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for _, kind := range source.Kinds() {
		for _, opt := range source.Options(kind) {
			name := fmt.Sprintf("%s-%s", kind, opt.Name())
			usage := opt.Description()

			switch o := opt.(type) {
			case *registry.ConfigOption[source.Source, int]:
				flags.Int(name, o.DefaultVal(), usage)
			case *registry.ConfigOption[source.Source, string]:
				flags.String(name, o.DefaultVal(), usage)
			case *registry.ConfigOption[source.Source, []string]:
				flags.StringSlice(name, o.DefaultVal(), usage)
			case *registry.ConfigOption[source.Source, bool]:
				flags.Bool(name, o.DefaultVal(), usage)
			case *registry.ConfigOption[source.Source, time.Duration]:
				flags.Duration(name, o.DefaultVal(), usage)
			default:
				panic(fmt.Sprintf("unsupported option type %T for %s", opt, name))
			}

			if err := v.BindPFlag(config.OptionKey(kind, opt.Name()), flags.Lookup(name)); err != nil {
				panic(fmt.Sprintf("bind flag %s: %v", name, err))
			}
		}
	}
}
