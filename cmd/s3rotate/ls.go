package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/openmined/s3rotate/internal/blob"
	"github.com/openmined/s3rotate/internal/config"
	"github.com/spf13/cobra"
)

func newLsCmd(opts *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List the backups stored under the destination prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := opts.setup(cmd)
			if err != nil {
				return err
			}
			defer closeLog()

			cmd.SilenceUsage = true
			return listBackups(cmd.Context(), cmd.OutOrStdout(), cfg, asJSON)
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the listing as JSON")
	return cmd
}

func listBackups(ctx context.Context, w io.Writer, cfg *config.Config, asJSON bool) error {
	client, err := newBlobClient(ctx, cfg.S3Config())
	if err != nil {
		return err
	}

	prefix := cfg.RotateParams(false).Prefix
	objects := make([]*blob.BlobInfo, 0)
	for info, err := range client.ListObjects(ctx, &blob.ListParams{Prefixes: []string{blob.PrefixPath(prefix)}}) {
		if err != nil {
			return err
		}
		objects = append(objects, info)
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(objects)
	}

	var total int64
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tLAST MODIFIED\tETAG")
	for _, obj := range objects {
		name, ok := blob.TrimKey(prefix, obj.Key)
		if !ok {
			name = obj.Key
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			name,
			humanize.IBytes(uint64(obj.Size)),
			obj.LastModified.UTC().Format(time.RFC3339),
			obj.ETag,
		)
		total += obj.Size
	}
	fmt.Fprintf(tw, "%d objects\t%s\t\t\n", len(objects), humanize.IBytes(uint64(total)))
	return tw.Flush()
}
