package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	photocropper "github.com/menta2k/photo-cropper"
	"github.com/menta2k/photo-cropper/internal/config"
	"github.com/menta2k/photo-cropper/internal/utils"
	"github.com/menta2k/photo-cropper/internal/web"
	"github.com/menta2k/photo-cropper/pkg/region"
	"github.com/menta2k/photo-cropper/pkg/session"
	"github.com/menta2k/photo-cropper/pkg/sink"
	"github.com/menta2k/photo-cropper/pkg/suggest"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func run() error {
	var args cliArgs
	cliCtx := kong.Parse(
		&args,
		kong.Name("photo-cropper"),
		kong.Description("Crop photos against a display rendition and extract at full resolution."),
		kong.UsageOnError(),
	)
	return cliCtx.Run(&args.Globals)
}

// Globals are the flags shared by every command
type Globals struct {
	Config  string `help:"Path to the JSON config file" type:"path"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`
}

type cliArgs struct {
	Globals

	Crop    cropCmd    `cmd:"" help:"Crop image files without a browser"`
	Serve   serveCmd   `cmd:"" help:"Serve crop sessions over HTTP"`
	Suggest suggestCmd `cmd:"" help:"Inspect the crop suggestion backend"`
	Setup   configCmd  `cmd:"" name:"config" help:"Manage the config file"`
	Version versionCmd `cmd:"" help:"Print the version"`
}

// load reads the config named by --config, or the default path when it exists,
// and configures the global logger from it
func (g *Globals) load() (*config.Config, error) {
	cfg := config.Default()
	path := g.Config
	if path == "" && fileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level, _ := zerolog.ParseLevel(cfg.Logging.Level)
	if g.Verbose {
		level = zerolog.DebugLevel
	}
	if cfg.Logging.Pretty {
		log.Logger = log.Output(zerolog.NewConsoleWriter()).Level(level)
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(level)
	}
	zerolog.DefaultContextLogger = &log.Logger

	if path != "" {
		log.Debug().Str("path", path).Msg("loaded config")
	}
	return cfg, nil
}

// sessionConfig attaches the configured suggester to the session policy
func sessionConfig(cfg *config.Config) (session.Config, error) {
	sc := cfg.SessionConfig()
	s, err := suggest.New(cfg.Suggest)
	if err != nil {
		return sc, err
	}
	if s != nil {
		sc.Suggester = s
	}
	return sc, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

type cropCmd struct {
	Paths   []string `arg:"" help:"Image files or directories to crop" type:"path"`
	Region  string   `help:"Crop rectangle as x,y,w,h; empty keeps the initial selection"`
	Unit    string   `help:"Unit of --region" enum:"display,relative,natural" default:"display"`
	Aspect  float64  `help:"Aspect ratio width/height, 0 for free; negative keeps the config value" default:"-1"`
	Display int      `name:"max-display" help:"Bound of the display rendition --region refers to; 0 keeps the config value"`
	Out     string   `help:"Output directory" default:"out" type:"path"`
	Suffix  string   `help:"Suffix added to output file names" default:"_crop"`
	Upload  bool     `help:"Hand crops to the configured sink instead of writing to --out"`
	Workers int      `help:"Images processed in parallel" default:"4"`
}

func (cmd *cropCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cmd.Aspect >= 0 {
		cfg.Session.Aspect = cmd.Aspect
	}
	if cmd.Display > 0 {
		cfg.Session.MaxDisplayWidth = cmd.Display
		cfg.Session.MaxDisplayHeight = cmd.Display
	}
	sc, err := sessionConfig(cfg)
	if err != nil {
		return err
	}

	r, err := parseRegion(cmd.Region, cmd.Unit)
	if err != nil {
		return err
	}

	files, err := collectImages(cmd.Paths)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no image files found")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = log.Logger.WithContext(ctx)

	var uploader sink.Uploader
	if cmd.Upload {
		if uploader, err = sink.New(ctx, cfg.Sink); err != nil {
			return fmt.Errorf("failed to create sink: %w", err)
		}
	}

	cropper := photocropper.NewWithConfig(sc)
	p := pool.New().WithMaxGoroutines(max(cmd.Workers, 1)).WithContext(ctx)
	for _, path := range files {
		p.Go(func(ctx context.Context) error {
			return cmd.cropOne(ctx, cropper, uploader, path, r)
		})
	}
	if err := p.Wait(); err != nil {
		return err
	}

	log.Ctx(ctx).Info().Int("files", len(files)).Msg("crop finished")
	return nil
}

func (cmd *cropCmd) cropOne(ctx context.Context, cropper *photocropper.Cropper, uploader sink.Uploader, path string, r region.Region) error {
	logger := log.Ctx(ctx).With().Str("file", path).Logger()
	start := time.Now()

	file, err := photocropper.LoadFile(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	crop, err := cropper.Crop(logger.WithContext(ctx), file, r)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if uploader != nil {
		url, err := uploader.Upload(ctx, crop)
		if err != nil {
			return fmt.Errorf("%s: upload: %w", path, err)
		}
		logger.Info().Str("url", url).Dur("took", time.Since(start)).Msg("crop uploaded")
		return nil
	}

	dst := utils.CropOutputPath(path, cmd.Out, cmd.Suffix, "")
	if err := photocropper.SaveFile(crop, dst); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	logger.Info().
		Str("output", dst).
		Str("size", utils.FormatFileSize(crop.Size())).
		Dur("took", time.Since(start)).
		Msg("crop saved")
	return nil
}

// collectImages expands directories into the image files they contain
func collectImages(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		if utils.DirExists(p) {
			found, err := utils.ListImageFiles(p)
			if err != nil {
				return nil, fmt.Errorf("failed to list %s: %w", p, err)
			}
			files = append(files, found...)
			continue
		}
		if !utils.IsImageFile(p) {
			log.Warn().Str("file", p).Msg("skipping file without an image extension")
			continue
		}
		files = append(files, p)
	}
	return files, nil
}

// parseRegion parses "x,y,w,h" in the given unit; an empty string yields an empty region
func parseRegion(s, unit string) (region.Region, error) {
	if strings.TrimSpace(s) == "" {
		return region.Region{}, nil
	}
	u, err := region.ParseUnit(unit)
	if err != nil {
		return region.Region{}, err
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return region.Region{}, fmt.Errorf("region must be x,y,w,h, got %q", s)
	}
	var v [4]float64
	for i, part := range parts {
		if v[i], err = strconv.ParseFloat(strings.TrimSpace(part), 64); err != nil {
			return region.Region{}, fmt.Errorf("invalid region value %q: %w", part, err)
		}
	}
	r := region.Region{X: v[0], Y: v[1], Width: v[2], Height: v[3], Unit: u}
	if r.Empty() {
		return region.Region{}, fmt.Errorf("region %q has no area", s)
	}
	return r, nil
}

type serveCmd struct {
	Addr string `help:"Listen address; overrides the config"`
}

func (cmd *serveCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	sc, err := sessionConfig(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = log.Logger.WithContext(ctx)

	uploader, err := sink.New(ctx, cfg.Sink)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	addr := cfg.Server.Addr
	if cmd.Addr != "" {
		addr = cmd.Addr
	}

	app := web.New(web.Config{
		Session:     sc,
		Uploader:    uploader,
		BodyLimit:   cfg.Server.BodyLimitMB * 1024 * 1024,
		MaxSessions: cfg.Server.MaxSessions,
		SessionTTL:  time.Duration(cfg.Server.SessionTTLMinutes) * time.Minute,
		StaticDir:   cfg.Server.StaticDir,
		OnReady: func(addr string) {
			log.Ctx(ctx).Info().Msgf("Server started at %s", addr)
		},
	})
	return app.Run(ctx, addr)
}

type suggestCmd struct {
	Check suggestCheckCmd `cmd:"" help:"Ask the configured vision model to describe an image"`
}

type suggestCheckCmd struct {
	Path string `arg:"" help:"Image file to send" type:"existingfile"`
}

func (cmd *suggestCheckCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	v, err := suggest.NewVisionFromConfig(cfg.Suggest)
	if err != nil {
		return err
	}
	img, err := imaging.Open(cmd.Path, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cmd.Path, err)
	}

	timeout := 30 * time.Second
	if cfg.Session.SuggestTimeoutS > 0 {
		timeout = time.Duration(cfg.Session.SuggestTimeoutS) * time.Second
	}
	ctx, cancel := context.WithTimeout(log.Logger.WithContext(context.Background()), timeout)
	defer cancel()

	start := time.Now()
	reply, err := v.Describe(ctx, img)
	if err != nil {
		return fmt.Errorf("%s model %s: %w", cfg.Suggest.Backend, cfg.Suggest.Model, err)
	}
	log.Info().Str("backend", cfg.Suggest.Backend).Str("model", cfg.Suggest.Model).Dur("took", time.Since(start)).Msg("model answered")
	fmt.Println(strings.TrimSpace(reply))
	return nil
}

type configCmd struct {
	Init configInitCmd `cmd:"" help:"Write the default config file"`
	Show configShowCmd `cmd:"" help:"Print the effective config"`
}

type configInitCmd struct {
	Path  string `arg:"" optional:"" help:"Destination, defaults to the user config path" type:"path"`
	Force bool   `help:"Overwrite an existing file"`
}

func (cmd *configInitCmd) Run() error {
	path := cmd.Path
	if path == "" {
		path = config.GetConfigPath()
	}
	if fileExists(path) && !cmd.Force {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}
	if err := config.Default().SaveToFile(path); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

type configShowCmd struct{}

func (cmd *configShowCmd) Run(g *Globals) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	return printJSON(cfg)
}

type versionCmd struct{}

func (cmd *versionCmd) Run() error {
	fmt.Println(photocropper.Version)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
