package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"prefabcore/internal/blob"
	"prefabcore/internal/spawnable"
)

func newPackageCommand(a *app) *cobra.Command {
	var (
		root   string
		prefix string
	)
	cmd := &cobra.Command{
		Use:   "package [PATH...]",
		Short: "Package propagated templates into the configured blob store",
		Long: `Package loads the given template files, drains propagation and writes one
content addressed product per template plus a manifest of nesting
dependencies. Products already present in the blob store are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.loadAll(ctx, root, args)
			if err != nil {
				return err
			}
			if len(svc.ListTemplates()) == 0 {
				return errNoTemplates
			}
			sink, err := blob.Open(ctx, a.cfg.Blob)
			if err != nil {
				return err
			}
			report, err := spawnable.NewPackager(sink,
				spawnable.WithLogger(a.logger),
				spawnable.WithPrefix(prefix),
			).Package(ctx, svc)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range report.Manifest.Products {
				fmt.Fprintf(out, "%s\t%s\t%d bytes\n", p.Path, p.Key, p.Size)
			}
			fmt.Fprintf(out, "manifest %s (%d products, %d written, %d dependencies)\n",
				report.ManifestKey, len(report.Manifest.Products), len(report.Written), len(report.Manifest.Dependencies))
			return nil
		},
	}
	cmd.Flags().StringVarP(&root, "root", "r", ".", "directory template paths are relative to")
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix for stored blobs")
	return cmd
}
