package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/mhattn/internal/attention"
	"github.com/samcharles93/mhattn/internal/device"
	"github.com/samcharles93/mhattn/internal/logger"
	"github.com/samcharles93/mhattn/internal/numeric"
	"github.com/samcharles93/mhattn/internal/quant"
	"github.com/samcharles93/mhattn/internal/version"
	"github.com/samcharles93/mhattn/internal/workspace"
)

func benchCmd() *cli.Command {
	var (
		hidden     int64
		headNum    int64
		batch      int64
		seq        int64
		warmupRuns int64
		benchRuns  int64
		seed       int64
	)

	flags := []cli.Flag{
		&cli.Int64Flag{Name: "hidden", Usage: "hidden size", Value: 256, Destination: &hidden},
		&cli.Int64Flag{Name: "head-num", Usage: "number of heads", Value: 4, Destination: &headNum},
		&cli.Int64Flag{Name: "batch", Aliases: []string{"b"}, Usage: "batch size", Value: 1, Destination: &batch},
		&cli.Int64Flag{Name: "seq", Aliases: []string{"s"}, Usage: "sequence length", Value: 128, Destination: &seq},
		&cli.Int64Flag{Name: "warmup", Usage: "number of warmup runs", Value: 1, Destination: &warmupRuns},
		&cli.Int64Flag{Name: "runs", Usage: "number of benchmark runs", Value: 5, Destination: &benchRuns},
		&cli.Int64Flag{Name: "seed", Usage: "seed of the random weights and inputs", Value: 42, Destination: &seed},
	}
	flags = append(flags, deviceFlags()...)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time the float and int8 routes of a random self-attention layer",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyDeviceConfig(cmd, cfg)

			if headNum <= 0 || hidden%headNum != 0 {
				return cli.Exit(fmt.Sprintf("error: hidden %d is not divisible by head-num %d", hidden, headNum), 1)
			}
			if benchRuns <= 0 {
				return cli.Exit("error: runs must be positive", 1)
			}
			opts, err := handleOptions(log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			c := attention.Config{Hidden: int(hidden), HeadNum: int(headNum), HeadDim: int(hidden / headNum)}
			d := attention.Dims{Batch: int(batch), SeqQ: int(seq), SeqKV: int(seq)}
			rng := rand.New(rand.NewPCG(uint64(seed), 0x6d6861))
			params := randomParams(rng, c.Hidden)
			query := randomVec(rng, d.Batch*d.SeqQ*c.Hidden, 1)

			stream := device.NewStream(log)
			defer stream.Close()
			h := device.NewHandle(opts)
			h.SetStream(stream)

			fmt.Println("=== mhattn bench ===")
			fmt.Printf("Shape:      batch=%d seq=%d hidden=%d heads=%dx%d\n", d.Batch, d.SeqQ, c.Hidden, c.HeadNum, c.HeadDim)
			fmt.Printf("Backend:    %s (workers %d)\n", h.Backend(), h.Workers())
			fmt.Printf("CPUs:       %d (%s)\n", runtime.NumCPU(), version.CPUFeatureString())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n", benchRuns)
			fmt.Println()

			floatLayer, err := attention.NewLayer(c, params, attention.WithLogger(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build float layer: %v", err), 1)
			}
			floatRes, ref, st, err := benchFloat(ctx, floatLayer, d, query, h, int(warmupRuns), int(benchRuns))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: float route: %v", err), 1)
			}
			log.Debug("calibrated scales", "scales", st.Slice())

			ic := c
			ic.Mode = numeric.ModeInt8
			ip := params
			ip.Scales = st
			int8Layer, err := attention.NewLayer(ic, ip, attention.WithLogger(log))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: build int8 layer: %v", err), 1)
			}
			int8Res, out, err := benchRoute(ctx, int8Layer, d, query, h, int(warmupRuns), int(benchRuns))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: int8 route: %v", err), 1)
			}
			int8Res.err = updateError(query, ref, out)

			renderBench([]benchResult{floatRes, int8Res}, d.Batch*d.SeqQ)
			return nil
		},
	}
}

type benchResult struct {
	mode      string
	workspace int
	times     []float64 // milliseconds
	err       float64
}

// benchFloat times the float route, then reruns it once to calibrate an int8
// scale table from the workspace the run leaves behind.
func benchFloat(ctx context.Context, l *attention.Layer[float32], d attention.Dims, query []float32, h *device.Handle, warmup, runs int) (benchResult, []float32, *quant.ScaleTable, error) {
	res, out, err := benchRoute(ctx, l, d, query, h, warmup, runs)
	if err != nil {
		return res, nil, nil, err
	}
	buf := workspace.Alloc(res.workspace)
	if err := attention.Run(ctx, l, attention.Args[float32]{Dims: d, Query: query, Output: make([]float32, len(query)), Workspace: buf}, h); err != nil {
		return res, nil, nil, err
	}
	st, err := calibrate(l, d, buf)
	return res, out, st, err
}

func benchRoute(ctx context.Context, l *attention.Layer[float32], d attention.Dims, query []float32, h *device.Handle, warmup, runs int) (benchResult, []float32, error) {
	res := benchResult{mode: l.Config().Mode.String()}
	size, err := l.WorkspaceSize(d)
	if err != nil {
		return res, nil, err
	}
	res.workspace = size
	args := attention.Args[float32]{
		Dims:      d,
		Query:     query,
		Output:    make([]float32, len(query)),
		Workspace: workspace.Alloc(size),
	}
	for range warmup {
		if err := attention.Run(ctx, l, args, h); err != nil {
			return res, nil, err
		}
	}
	for range runs {
		start := time.Now()
		if err := attention.Run(ctx, l, args, h); err != nil {
			return res, nil, err
		}
		res.times = append(res.times, float64(time.Since(start).Microseconds())/1000)
	}
	return res, args.Output, nil
}

// calibrate derives a scale table from the intermediate tensors of a float
// run held in buf.
func calibrate(l *attention.Layer[float32], d attention.Dims, buf []byte) (*quant.ScaleTable, error) {
	c := l.Config()
	layout, err := l.WorkspaceLayout(d)
	if err != nil {
		return nil, err
	}
	arena, err := workspace.Bind(layout.Shape, layout.Mode, buf)
	if err != nil {
		return nil, err
	}
	names := []string{workspace.Norm, workspace.QHeads, workspace.KHeads, workspace.VHeads, workspace.Context}
	region := make([][]float32, len(names))
	for i, name := range names {
		if region[i], err = arena.F32(name); err != nil {
			return nil, err
		}
	}
	norm, q, k, v, ctx := region[0], region[1], region[2], region[3], region[4]

	// Raw q·k magnitudes are gone once softmax runs in place, so recompute
	// the largest one from the head tensors.
	var maxScore float32
	hd := c.HeadDim
	for bh := 0; bh < d.Batch*c.HeadNum; bh++ {
		for i := 0; i < d.SeqQ; i++ {
			qi := q[(bh*d.SeqQ+i)*hd:][:hd]
			for j := 0; j < d.SeqKV; j++ {
				kj := k[(bh*d.SeqKV+j)*hd:][:hd]
				var s float32
				for x := range hd {
					s += qi[x] * kj[x]
				}
				maxScore = max(maxScore, float32(math.Abs(float64(s))))
			}
		}
	}

	var st quant.ScaleTable
	st[quant.ScaleInput] = quant.Calibrate(norm)
	st[quant.ScaleQuery] = quant.Calibrate(q)
	st[quant.ScaleKey] = quant.Calibrate(k)
	st[quant.ScaleValue] = quant.Calibrate(v)
	st[quant.ScaleScore] = quant.Calibrate([]float32{maxScore})
	st[quant.ScaleOutput] = quant.Calibrate(ctx)
	return &st, st.Validate()
}

// updateError is the relative L2 distance between the attention updates
// (output minus residual) of the reference and the candidate run.
func updateError(query, ref, got []float32) float64 {
	var num, den float64
	for i := range query {
		w := float64(ref[i] - query[i])
		g := float64(got[i] - query[i])
		num += (w - g) * (w - g)
		den += w * w
	}
	if den == 0 {
		return 0
	}
	return math.Sqrt(num / den)
}

func renderBench(results []benchResult, tokens int) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"MODE", "WORKSPACE", "MEAN MS", "STDDEV", "MIN MS", "TOKENS/S", "REL ERR"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	for _, r := range results {
		mean, std := stat.MeanStdDev(r.times, nil)
		minMS := r.times[0]
		for _, t := range r.times[1:] {
			minMS = min(minMS, t)
		}
		tps := 0.0
		if mean > 0 {
			tps = float64(tokens) / (mean / 1000)
		}
		table.Append([]string{
			r.mode,
			mib(r.workspace) + " MiB",
			strconv.FormatFloat(mean, 'f', 3, 64),
			strconv.FormatFloat(std, 'f', 3, 64),
			strconv.FormatFloat(minMS, 'f', 3, 64),
			strconv.FormatFloat(tps, 'f', 0, 64),
			strconv.FormatFloat(r.err, 'g', 3, 64),
		})
	}
	table.Render()
}

func randomVec(rng *rand.Rand, n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}

// randomParams draws weights with the usual 1/sqrt(hidden) fan-in scaling.
func randomParams(rng *rand.Rand, hidden int) attention.Params[float32] {
	ws := float32(1 / math.Sqrt(float64(hidden)))
	proj := func() attention.Projection[float32] {
		return attention.Projection[float32]{
			Weight: randomVec(rng, hidden*hidden, ws),
			Bias:   randomVec(rng, hidden, 0.1),
		}
	}
	gamma := randomVec(rng, hidden, 0.1)
	for i := range gamma {
		gamma[i]++
	}
	return attention.Params[float32]{
		Query:     proj(),
		Key:       proj(),
		Value:     proj(),
		Output:    proj(),
		NormScale: gamma,
		NormShift: randomVec(rng, hidden, 0.1),
	}
}
