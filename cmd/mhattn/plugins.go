package main

import (
	"context"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mhattn/internal/logger"
	"github.com/samcharles93/mhattn/internal/plugin"
)

func pluginsCmd() *cli.Command {
	return &cli.Command{
		Name:  "plugins",
		Usage: "List the registered plugin creators and their fields",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			reg := plugin.NewDefaultRegistry(logger.FromContext(ctx))
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"NAME", "VERSION", "FIELDS"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetNoWhiteSpace(true)
			table.SetTablePadding("    ")
			for _, name := range reg.Names() {
				c, err := reg.Creator(name)
				if err != nil {
					return err
				}
				var fields []string
				for _, f := range c.Fields() {
					fields = append(fields, f.Name+":"+f.Kind)
				}
				table.Append([]string{c.Name(), c.Version(), strings.Join(fields, " ")})
			}
			table.Render()
			return nil
		},
	}
}
