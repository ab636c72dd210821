package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the disk cache",
	}
	cmd.AddCommand(newCacheDumpCmd())
	cmd.AddCommand(newCacheClearCmd())
	return cmd
}

func newCacheDumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the contents of the disk cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveCachePath()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("no disk cache")
					return nil
				}
				return err
			}

			var snapshot struct {
				Timestamp int64 `json:"timestamp"`
				Images    map[string]struct {
					Scale float64 `json:"scale"`
					Data  string  `json:"data"`
				} `json:"images"`
			}
			if err := json.Unmarshal(data, &snapshot); err != nil {
				return fmt.Errorf("cache dump: %w", err)
			}

			age := time.Since(time.Unix(snapshot.Timestamp, 0)).Round(time.Second)
			fmt.Printf("snapshot age %s, %d images\n", age, len(snapshot.Images))

			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tSCALE\tBYTES")
			for key, entry := range snapshot.Images {
				fmt.Fprintf(w, "%s\t%g\t%d\n", key, entry.Scale, len(entry.Data))
			}
			return w.Flush()
		},
	}
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete the disk cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveCachePath()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			fmt.Println("disk cache cleared")
			return nil
		},
	}
}
