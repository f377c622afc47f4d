package main

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Execute runs the pulse CLI.
func Execute(ctx context.Context) error {
	root := &cobra.Command{Use: "pulse", Short: "Adaptive multi-signal consensus engine"}
	// Accept snake_case spellings for every flag.
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.AddCommand(runCmd(ctx))
	root.AddCommand(optimizeCmd(ctx))
	log.Info().Msg("pulse starting")
	return root.ExecuteContext(ctx)
}
