package main

import (
	"context"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/netroby/scm-manager/sdk/go/scm"
)

func newTagsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tags <repository-id>",
		Short: "List the tags of a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			return listTags(cmd.Context(), client, args[0], cmd.OutOrStdout())
		},
	}
}

type tagLister interface {
	Tags(ctx context.Context, repositoryID string) ([]scm.Tag, error)
}

func listTags(ctx context.Context, client tagLister, repositoryID string, out io.Writer) error {
	tags, err := client.Tags(ctx, repositoryID)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetOutputMirror(out)
	t.AppendHeader(table.Row{"NAME", "REVISION"})
	for _, tag := range tags {
		t.AppendRow(table.Row{tag.Name, tag.Revision})
	}
	t.Render()
	return nil
}

func newHgCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hg",
		Short: "Mercurial configuration helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "installations <hg|python>",
		Short:     "List Mercurial or Python binaries detected on the server",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{scm.InstallationHg, scm.InstallationPython},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			paths, err := client.HgInstallations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	})
	return cmd
}
