package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
	"github.com/x448/float16"

	"github.com/samcharles93/mhattn/internal/attention"
	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/logger"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/safetensors"
	"github.com/samcharles93/mhattn/internal/workspace"
)

func runCmd() *cli.Command {
	var (
		layerPath  string
		inputPath  string
		outputPath string
		dtype      string
		mode       string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "layer",
			Aliases:     []string{"l"},
			Usage:       "path to the layer .safetensors file",
			Required:    true,
			Destination: &layerPath,
		},
		&cli.StringFlag{
			Name:        "input",
			Aliases:     []string{"i"},
			Usage:       "path to the input .safetensors file (query, key_value, mask)",
			Required:    true,
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "path of the output .safetensors file",
			Required:    true,
			Destination: &outputPath,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "activation element type (f32, f16)",
			Value:       "f32",
			Destination: &dtype,
		},
		&cli.StringFlag{
			Name:        "mode",
			Usage:       "override the layer's numeric mode (float, int8)",
			Destination: &mode,
		},
	}
	flags = append(flags, deviceFlags()...)

	return &cli.Command{
		Name:  "run",
		Usage: "Run one attention block over an input file",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyDeviceConfig(cmd, cfg)
			applyModeConfig(cmd, cfg, &mode)

			l, err := safetensors.LoadLayer(layerPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load layer: %v", err), 1)
			}
			if mode != "" {
				m, err := numeric.ParseMode(mode)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
				l.Config.Mode = m
			}
			in, err := safetensors.LoadInput(inputPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load input: %v", err), 1)
			}
			if in.Hidden != l.Config.Hidden {
				return cli.Exit(fmt.Sprintf("error: input hidden size %d does not match layer hidden size %d", in.Hidden, l.Config.Hidden), 1)
			}
			opts, err := handleOptions(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			dt, err := numeric.ParseDType(dtype)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			log.Info("running layer", "layer", layerPath, "mode", l.Config.Mode, "dtype", dt,
				"batch", in.Dims.Batch, "seq_q", in.Dims.SeqQ, "seq_kv", in.Dims.SeqKV)
			switch dt {
			case numeric.DTypeF32:
				err = runLayer[float32](ctx, log, l, in, opts, outputPath)
			case numeric.DTypeF16:
				err = runLayer[float16.Float16](ctx, log, l, in, opts, outputPath)
			default:
				err = fmt.Errorf("%w: activations must be f32 or f16, got %s", numeric.ErrUnsupportedDType, dt)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

// runLayer executes l over in with element type E on a private handle and
// writes the result to outputPath.
func runLayer[E numeric.Element](ctx context.Context, log logger.Logger, l *safetensors.Layer, in *safetensors.Input, opts device.HandleOptions, outputPath string) error {
	layer, err := attention.NewLayer(l.Config, attention.ConvertParams[E](l.Params), attention.WithLogger(log))
	if err != nil {
		return err
	}
	size, err := layer.WorkspaceSize(in.Dims)
	if err != nil {
		return err
	}

	stream := device.NewStream(log)
	defer stream.Close()
	h := device.NewHandle(opts)
	h.SetStream(stream)

	args := attention.Args[E]{
		Dims:      in.Dims,
		Query:     numeric.Convert[E](in.Query),
		Workspace: workspace.Alloc(size),
	}
	if in.KeyValue != nil {
		args.KeyValue = numeric.Convert[E](in.KeyValue)
	}
	if in.Mask != nil {
		args.Mask = numeric.Convert[E](in.Mask)
	}
	args.Output = make([]E, len(args.Query))

	start := time.Now()
	if err := attention.Run(ctx, layer, args, h); err != nil {
		return err
	}
	log.Info("forward complete", "elapsed", time.Since(start).Round(time.Microsecond), "workspace_bytes", size)

	meta := map[string]string{
		safetensors.MetaMode: l.Config.Mode.String(),
		"dtype":              layer.DType().String(),
	}
	shape := []int{in.Dims.Batch, in.Dims.SeqQ, l.Config.Hidden}
	if err := safetensors.SaveOutput(outputPath, shape, args.Output, meta); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	log.Info("wrote output", "path", outputPath, "shape", shape)
	return nil
}
