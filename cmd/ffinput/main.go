// Command ffinput probes media sources and pulls frames from them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	ffinput "github.com/insight-platform/FFmpeg-Input"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "ffinput",
		Usage:   "extract video frames from files and streams",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "log-level", Aliases: []string{"l"}, Value: "info", Usage: "debug, info, warn, error or off"},
		},
		Commands: []*cli.Command{
			probeCommand(),
			grabCommand(),
			providersCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ffinput:", err)
		os.Exit(1)
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	console := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	logger, _, err := ffinput.NewLogger(c.String("log-level"), console)
	return logger, err
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func parseOptions(kvs []string) (map[string]string, error) {
	opts := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("option %q is not key=value", kv)
		}
		opts[k] = v
	}
	return opts, nil
}

func parseSize(s string) (w, h int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	ws, hs, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("size %q is not WxH", s)
	}
	if w, err = strconv.Atoi(ws); err != nil {
		return 0, 0, fmt.Errorf("size %q: %w", s, err)
	}
	if h, err = strconv.Atoi(hs); err != nil {
		return 0, 0, fmt.Errorf("size %q: %w", s, err)
	}
	return w, h, nil
}

func optionFlag() cli.Flag {
	return &cli.StringSliceFlag{Name: "option", Aliases: []string{"o"}, Usage: "demuxer option key=value (repeatable)"}
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:      "probe",
		Usage:     "print the streams of a source",
		ArgsUsage: "URL",
		Flags: []cli.Flag{
			optionFlag(),
			&cli.DurationFlag{Name: "timeout", Value: ffinput.DefaultProbeTimeout, Usage: "probe timeout"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("probe needs exactly one URL", 2)
			}
			logger, err := newLogger(c)
			if err != nil {
				return err
			}
			defer logger.Sync()
			opts, err := parseOptions(c.StringSlice("option"))
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(c.Context)
			defer cancel()
			src, err := ffinput.OpenSource(ctx, ffinput.SourceDescriptor{
				URL:         c.Args().First(),
				Options:     opts,
				StreamIndex: ffinput.StreamAuto,
			}, ffinput.WithLogger(logger), ffinput.WithProbeTimeout(c.Duration("timeout")))
			if err != nil {
				return err
			}
			defer src.Close()

			for _, s := range src.Streams() {
				fmt.Println(s)
			}
			if best, err := ffinput.SelectStream(src.Streams(), ffinput.StreamAuto); err == nil {
				fmt.Printf("selected: #%d (decoders: %v)\n", best.Index, ffinput.DecoderProviders(best.Codec))
			}
			return nil
		},
	}
}

func grabCommand() *cli.Command {
	return &cli.Command{
		Name:      "grab",
		Usage:     "pull frames from a source and print their envelopes",
		ArgsUsage: "URL",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file"},
			optionFlag(),
			&cli.IntFlag{Name: "frames", Aliases: []string{"n"}, Usage: "stop after this many frames (0 for all)"},
			&cli.IntFlag{Name: "stream", Value: ffinput.StreamAuto, Usage: "stream index (-1 for the first video stream)"},
			&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "output pixel format (rgb24, i420, ...)"},
			&cli.StringFlag{Name: "size", Aliases: []string{"s"}, Usage: "output size WxH"},
			&cli.StringFlag{Name: "scale", Value: "stretch", Usage: "stretch, fit or fill"},
			&cli.IntFlag{Name: "queue", Usage: "frame queue capacity"},
			&cli.BoolFlag{Name: "drop", Usage: "drop frames when the queue is full"},
			&cli.BoolFlag{Name: "passthrough", Usage: "deliver compressed packets without decoding"},
			&cli.StringFlag{Name: "provider", Usage: "decoder provider (go, openh264, ffmpeg)"},
			&cli.StringFlag{Name: "out", Usage: "directory to write frame payloads to"},
		},
		Action: runGrab,
	}
}

func runGrab(c *cli.Context) error {
	cfg := ffinput.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := ffinput.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if c.NArg() > 0 {
		cfg.URL = c.Args().First()
	}
	opts, err := parseOptions(c.StringSlice("option"))
	if err != nil {
		return err
	}
	if len(opts) > 0 {
		if cfg.Options == nil {
			cfg.Options = make(map[string]string)
		}
		for k, v := range opts {
			cfg.Options[k] = v
		}
	}
	if c.IsSet("stream") {
		cfg.StreamIndex = c.Int("stream")
	}
	if c.IsSet("format") {
		if cfg.TargetFormat, err = ffinput.ParsePixelFormat(c.String("format")); err != nil {
			return err
		}
	}
	if c.IsSet("size") {
		if cfg.TargetWidth, cfg.TargetHeight, err = parseSize(c.String("size")); err != nil {
			return err
		}
	}
	if c.IsSet("scale") {
		if cfg.ScaleMode, err = ffinput.ParseScaleMode(c.String("scale")); err != nil {
			return err
		}
	}
	if c.IsSet("queue") {
		cfg.QueueCapacity = c.Int("queue")
	}
	if c.IsSet("drop") {
		cfg.DropWhenFull = c.Bool("drop")
	}
	if c.IsSet("passthrough") {
		cfg.Passthrough = c.Bool("passthrough")
	}
	if c.IsSet("provider") {
		if cfg.Provider, err = ffinput.ParseProvider(c.String("provider")); err != nil {
			return err
		}
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if cfg.URL == "" {
		return cli.Exit("grab needs a URL", 2)
	}

	logger, err := newLogger(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	cfg.Logger = logger

	outDir := c.String("out")
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext(c.Context)
	defer cancel()

	p, err := ffinput.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	limit := c.Int("frames")
	start := time.Now()
	n := 0
	for f, err := range p.Frames(ctx) {
		if err != nil {
			if errors.Is(err, context.Canceled) {
				break
			}
			return err
		}
		fmt.Printf("#%d pts=%d t=%s %dx%d %s key=%t bytes=%d queue=%d skipped=%d\n",
			f.Seq, f.PTS, f.Timestamp, f.Width, f.Height, formatName(f), f.KeyFrame,
			len(f.Payload), f.QueueLen, f.QueueFullSkipped)
		if outDir != "" {
			name := filepath.Join(outDir, fmt.Sprintf("%06d.%s", f.Seq, strings.ToLower(formatName(f))))
			if err := os.WriteFile(name, f.Payload, 0o644); err != nil {
				return err
			}
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}

	stats := p.Stats()
	logger.Info("done",
		zap.Int("frames", n),
		zap.Duration("elapsed", time.Since(start)),
		zap.Uint64("packets", stats.PacketsRead),
		zap.Uint64("corrupt", stats.CorruptPackets),
		zap.Uint64("dropped", stats.FramesDropped),
		zap.Uint64("queue_full_skipped", stats.QueueFullSkipped))
	return p.Close()
}

func formatName(f *ffinput.FinishedFrame) string {
	if f.Format == ffinput.PixelFormatNone {
		return f.Codec.String()
	}
	return f.Format.String()
}

func providersCommand() *cli.Command {
	return &cli.Command{
		Name:  "providers",
		Usage: "list demuxers and decoder providers",
		Action: func(c *cli.Context) error {
			fmt.Println("demuxers:", strings.Join(ffinput.AvailableDemuxers(), ", "))
			for _, p := range ffinput.AvailableProviders() {
				fmt.Printf("provider %-9s license=%s\n", p, p.License())
			}
			for _, codec := range []ffinput.CodecID{
				ffinput.CodecRawVideo, ffinput.CodecMJPEG, ffinput.CodecPNG, ffinput.CodecVP8,
				ffinput.CodecH264, ffinput.CodecH265, ffinput.CodecVP9, ffinput.CodecAV1,
			} {
				fmt.Printf("decoder %-9s %v\n", codec, ffinput.DecoderProviders(codec))
			}
			return nil
		},
	}
}
