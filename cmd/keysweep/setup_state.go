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
	"context"
	"fmt"
	"io"

	"github.com/in-toto/keysweep/checkpoint"
	"github.com/in-toto/keysweep/config"
	"github.com/in-toto/keysweep/source"
	"github.com/spf13/cobra"
)

func newSetupStateCommand(ro *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "setup-state",
		Short: "Write the starting cursor of every registry to the state file",
		Long: `Create the state file with each selected registry at its starting cursor.
Registries that already have a cursor are left alone unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := ro.load(cmd)
			if err != nil {
				return err
			}

			return setupState(cmd.Context(), cfg, force, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reset registries that already have a cursor")
	return cmd
}

func setupState(ctx context.Context, cfg *config.Config, force bool, out io.Writer) error {
	kinds, err := cfg.Kinds()
	if err != nil {
		return err
	}

	store := checkpoint.NewFileStore(cfg.State)
	state, err := store.Load(ctx)
	if err != nil {
		return err
	}

	for _, kind := range kinds {
		if _, ok := state.Get(kind); ok && !force {
			fmt.Fprintf(out, "%-9s kept existing cursor\n", kind)
			continue
		}

		s, err := source.New(kind, cfg.SourceOptions(kind))
		if err != nil {
			return err
		}

		state.Set(kind, checkpoint.SourceState{Cursor: s.DefaultCursor()})
		fmt.Fprintf(out, "%-9s starting from %s\n", kind, s.DefaultCursor())
	}

	if err := store.Save(ctx, state); err != nil {
		return err
	}

	fmt.Fprintf(out, "state written to %s\n", cfg.State)
	return nil
}
