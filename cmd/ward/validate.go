package main

import (
	"github.com/spf13/cobra"

	"github.com/loykin/ward"
)

func createValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file without starting anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fc, err := ward.LoadConfig(flags.ConfigPath)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			if _, err = ward.New(ward.Config{
				Units:           fc.Units,
				Checks:          fc.Checks,
				ShutdownTimeout: fc.ShutdownTimeout,
			}); err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			cmd.Printf("%s: %d unit(s), %d check(s), ok\n",
				flags.ConfigPath, len(fc.Units), len(fc.Checks))
			return nil
		},
	}
}
