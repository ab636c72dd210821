package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/godbus/dbus/v5"
	"github.com/spf13/cobra"

	"github.com/traybar/traybar"
)

func newItemsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "items",
		Short: "List currently registered tray items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listItems(cmd.Context())
		},
	}
}

func listItems(ctx context.Context) error {
	logger := traybar.LoggerFromContext(ctx)

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("items: %w", err)
	}
	defer conn.Close()

	ws := traybar.NewBusWindowServer(conn, os.Getpid())
	if err := ws.Listen(); err != nil {
		return fmt.Errorf("items: %w", err)
	}
	defer ws.Close()

	procs := traybar.NewProcDirectory(conn)
	resolver := traybar.SelectResolver(traybar.DetectCapabilities(ctx, ws), procs, ws)
	enum := traybar.NewEnumerator(ws, resolver, traybar.WithEnumeratorLogger(logger))

	items, err := enum.Enumerate(ctx, nil, traybar.Filters{})
	if err != nil {
		return fmt.Errorf("items: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WINDOW\tNAMESPACE\tTITLE\tINSTANCE\tPID\tON SCREEN")
	for _, item := range items {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%t\n",
			item.WindowID,
			item.Tag.Namespace,
			item.Title,
			item.Tag.InstanceIndex,
			item.SourcePID,
			item.OnScreen,
		)
	}
	return w.Flush()
}
