package main

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/poesterlin/tolino-calibre-sync/internal/tolino"
)

func newDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the readers registered with the cloud account",
		Args:  cobra.NoArgs,
		RunE:  runDevices,
	}

	cmd.AddCommand(newDevicesRegisterCmd())
	cmd.AddCommand(newDevicesUnregisterCmd())

	return cmd
}

func newDevicesRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register [name]",
		Short: "Register this client as a reader (password mode only)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()
			name := strings.Join(args, " ")

			return withSession(ctx, cc, func(s *tolino.Session) error {
				if err := s.Register(ctx, name); err != nil {
					return err
				}

				cc.Statusf("Registered hardware id %s\n", s.HardwareID())

				return nil
			})
		},
	}
}

func newDevicesUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister <device-id>",
		Short: "Remove a reader from the account (password mode only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			return withSession(ctx, cc, func(s *tolino.Session) error {
				if err := s.Unregister(ctx, args[0]); err != nil {
					return err
				}

				cc.Statusf("Unregistered %s\n", args[0])

				return nil
			})
		},
	}
}

func runDevices(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	var devices []tolino.Device

	err := withSession(ctx, cc, func(s *tolino.Session) error {
		var derr error
		devices, derr = s.Devices(ctx)

		return derr
	})
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		return enc.Encode(devices)
	}

	rows := make([][]string, 0, len(devices))
	for i := range devices {
		d := &devices[i]
		rows = append(rows, []string{
			d.ID, d.Type, tolino.PartnerName(d.PartnerID), formatTime(d.Registered), formatTime(d.LastUsed), d.Name,
		})
	}

	printTable(os.Stdout, []string{"ID", "TYPE", "PARTNER", "REGISTERED", "LAST USED", "NAME"}, rows)

	return nil
}
