package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/netroby/scm-manager/internal/view"
	"github.com/netroby/scm-manager/pkg/plugin"
)

func newPluginsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "List and manage plugins",
	}
	cmd.AddCommand(newPluginsListCmd(opts))
	for _, op := range plugin.Operations() {
		cmd.AddCommand(newOperationCmd(opts, op))
	}
	return cmd
}

type pluginsListCmd struct {
	opts   *rootOptions
	output string
}

func newPluginsListCmd(opts *rootOptions) *cobra.Command {
	c := &pluginsListCmd{opts: opts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plugins known to the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&c.output, "output", "o", "table", "Output format (table, json)")
	return cmd
}

func (c *pluginsListCmd) run(ctx context.Context, out io.Writer) error {
	cfg, err := c.opts.loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	list := view.NewPluginList(plugin.NewCenter(client), client)
	if err := list.Reload(ctx); err != nil {
		return err
	}
	return renderRows(out, c.output, list.Rows())
}

// renderRows 以表格或 JSON 输出插件列表。
func renderRows(out io.Writer, format string, rows []view.Row) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	case "table", "":
		t := table.NewWriter()
		t.SetStyle(table.StyleLight)
		t.SetOutputMirror(out)
		t.AppendHeader(table.Row{"ID", "NAME", "STATE", "ACTIONS"})
		for _, row := range rows {
			labels := make([]string, 0, len(row.Actions))
			for _, a := range row.Actions {
				labels = append(labels, a.Label)
			}
			t.AppendRow(table.Row{row.PluginID, row.Name, row.State, strings.Join(labels, ", ")})
		}
		t.Render()
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

type operationCmd struct {
	opts  *rootOptions
	op    plugin.Operation
	force bool
}

func newOperationCmd(opts *rootOptions, op plugin.Operation) *cobra.Command {
	c := &operationCmd{opts: opts, op: op}
	cmd := &cobra.Command{
		Use:   string(op) + " <plugin-id>",
		Short: strings.ToUpper(string(op[:1])) + string(op[1:]) + " a plugin (groupId:artifactId:version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().BoolVar(&c.force, "force", false, "Skip checking that the operation is offered for the plugin's state")
	return cmd
}

func (c *operationCmd) run(ctx context.Context, pluginID string, out, errOut io.Writer) error {
	cfg, err := c.opts.loadConfig()
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	messages, err := loadMessages(cfg)
	if err != nil {
		return err
	}

	terminal := newTerminalNotifier(out, errOut)
	center := plugin.NewCenter(client,
		plugin.WithNotifier(terminal),
		plugin.WithFailureReporter(terminal),
		plugin.WithMessages(messages),
		plugin.WithTimeouts(cfg.SCM.Timeout(), cfg.SCM.ExtendedTimeout()),
	)

	var pending *plugin.Pending
	if c.force {
		pending = center.Run(ctx, c.op, pluginID)
	} else {
		list := view.NewPluginList(center, client)
		if err := list.Reload(ctx); err != nil {
			return err
		}
		pending, err = list.Invoke(ctx, pluginID, c.op)
		if err != nil {
			return err
		}
		// 成功后 changed 事件会触发一次刷新，退出前等它结束。
		defer list.Wait()
	}

	if err := pending.Wait(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", c.op, pluginID, err)
	}
	return nil
}
