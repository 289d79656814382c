package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mhattn/internal/attention"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/workspace"
)

func workspaceCmd() *cli.Command {
	var (
		hidden  int64
		headNum int64
		batch   int64
		seqQ    int64
		seqKV   int64
		cross   bool
		dtype   string
		regions bool
	)

	return &cli.Command{
		Name:  "workspace",
		Usage: "Print the scratch workspace size per numeric mode",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "hidden", Usage: "hidden size", Value: 256, Destination: &hidden},
			&cli.Int64Flag{Name: "head-num", Usage: "number of heads", Value: 4, Destination: &headNum},
			&cli.Int64Flag{Name: "batch", Aliases: []string{"b"}, Usage: "batch size", Value: 1, Destination: &batch},
			&cli.Int64Flag{Name: "seq-q", Usage: "query sequence length", Value: 128, Destination: &seqQ},
			&cli.Int64Flag{Name: "seq-kv", Usage: "key/value sequence length (defaults to seq-q)", Destination: &seqKV},
			&cli.BoolFlag{Name: "cross", Usage: "cross-attention layer", Destination: &cross},
			&cli.StringFlag{Name: "dtype", Usage: "activation element type (f32, f16)", Value: "f32", Destination: &dtype},
			&cli.BoolFlag{Name: "regions", Usage: "also print the region layout of each mode", Destination: &regions},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dt, err := numeric.ParseDType(dtype)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if !dt.Activation() {
				return cli.Exit(fmt.Sprintf("error: activations must be f32 or f16, got %s", dt), 1)
			}
			if seqKV == 0 || !cross {
				seqKV = seqQ
			}
			if headNum <= 0 || hidden%headNum != 0 {
				return cli.Exit(fmt.Sprintf("error: hidden %d is not divisible by head-num %d", hidden, headNum), 1)
			}
			shape := workspace.Shape{
				Batch:   int(batch),
				SeqQ:    int(seqQ),
				SeqKV:   int(seqKV),
				Hidden:  int(hidden),
				HeadNum: int(headNum),
			}
			layouts, err := planModes(shape, dt, cross)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			renderSizes(os.Stdout, layouts)
			if regions {
				for _, l := range layouts {
					fmt.Fprintln(os.Stdout)
					renderRegions(os.Stdout, l)
				}
			}
			return nil
		},
	}
}

// planModes plans the workspace of every numeric mode the layer
// configuration supports.
func planModes(shape workspace.Shape, dt numeric.DType, cross bool) ([]workspace.Layout, error) {
	var out []workspace.Layout
	for _, m := range []numeric.Mode{numeric.ModeFloat, numeric.ModeInt8} {
		c := attention.Config{
			Hidden:         shape.Hidden,
			HeadNum:        shape.HeadNum,
			HeadDim:        shape.HeadDim(),
			CrossAttention: cross,
			Mode:           m,
			Epsilon:        attention.DefaultEpsilon,
		}
		if c.Validate() != nil {
			continue
		}
		l, err := workspace.Plan(shape, workspace.Mode{Activation: dt, Numeric: m})
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func mib(n int) string {
	return strconv.FormatFloat(float64(n)/(1<<20), 'f', 2, 64)
}

func renderSizes(w io.Writer, layouts []workspace.Layout) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"MODE", "DTYPE", "REGIONS", "BYTES", "MIB"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, l := range layouts {
		table.Append([]string{
			l.Mode.Numeric.String(),
			l.Mode.Activation.String(),
			strconv.Itoa(len(l.Regions)),
			strconv.Itoa(l.Size),
			mib(l.Size),
		})
	}
	table.Render()
}

func renderRegions(w io.Writer, l workspace.Layout) {
	fmt.Fprintf(w, "  %s\n", l.Mode.Numeric)
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"REGION", "DTYPE", "OFFSET", "BYTES"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, r := range l.Regions {
		table.Append([]string{r.Name, r.DType.String(), strconv.Itoa(r.Offset), strconv.Itoa(r.Bytes())})
	}
	table.Render()
}
