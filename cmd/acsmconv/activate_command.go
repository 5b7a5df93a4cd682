package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"acsmconv/internal/services/adept"
	"acsmconv/internal/services/toolexec"
)

func newActivateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Register an anonymous ADEPT device in the activation directory",
		Long: `Register an anonymous ADEPT device with Adobe using adept_activate.

Nothing is changed when the activation directory already holds a complete
registration. Every fulfilled book is bound to this device.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			activator, err := adept.NewActivator(cfg.Tools.ActivateBinary, cfg.ActivateTimeout(),
				adept.WithExecutor(toolexec.NewCommand(cfg.KillGrace())))
			if err != nil {
				return err
			}
			act, created, err := activator.Activate(cmd.Context(), cfg.Activation.Dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if created {
				fmt.Fprintf(out, "Registered device %s in %s\n", act.DeviceID, act.Dir)
				if client := ctx.daemonClient(cmd.Context()); client != nil {
					fmt.Fprintln(out, "Restart `acsmconv serve` to pick up the new device.")
				}
				return nil
			}
			fmt.Fprintf(out, "Device %s already registered in %s\n", act.DeviceID, act.Dir)
			return nil
		},
	}
}
