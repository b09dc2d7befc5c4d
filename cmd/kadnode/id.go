package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zde37/kadnode/pkg/hash"
)

func newIDCmd() *cobra.Command {
	var (
		host string
		port int
	)

	cmd := &cobra.Command{
		Use:   "id",
		Short: "Print a node ID",
		Long: `Print a random node ID, or with --host and --port the ID a node
derives from that address when none is configured.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if host != "" || port != 0 {
				fmt.Fprintln(cmd.OutOrStdout(), hash.HashAddress(host, port))
				return nil
			}

			id, err := hash.RandomID()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "host the ID is derived from")
	cmd.Flags().IntVar(&port, "port", 0, "port the ID is derived from")
	return cmd
}
