package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"videothingy/newsreel/internal/app"
	"videothingy/newsreel/internal/config"
	"videothingy/newsreel/internal/models"
	"videothingy/newsreel/internal/pipeline"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "processor",
	Short: "Turns raw news clips into captioned 9:16 videos",
	Long: `processor analyzes uploaded news clips, suggests a headline and location,
and renders a portrait video with a branded overlay.

Examples:
  # Run workers, the queue consumer and the ops server
  processor serve

  # Upload, analyze and render a clip
  processor upload clip.mp4 --template template2
  processor analyze <id>
  processor render <id> --headline "Fire breaks out in market"`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file")

	addOverrideFlags(uploadCmd)
	addOverrideFlags(metadataCmd)
	addOverrideFlags(renderCmd)

	rootCmd.AddCommand(serveCmd, uploadCmd, analyzeCmd, statusCmd, analysisCmd, metadataCmd,
		renderCmd, outputCmd, retryCmd, regenerateCmd, recoverCmd, sweepCmd)
}

func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().String("headline", "", "Headline override (5-100 characters, empty clears)")
	cmd.Flags().String("location", "", "Location override (2-50 characters, empty clears)")
	cmd.Flags().Bool("show-location", true, "Draw the location pill")
	cmd.Flags().StringP("template", "t", "", "Overlay template (template1..template4)")
}

// overrides reads only the flags the user actually set.
func overrides(cmd *cobra.Command) (headline, location *string, show *bool, tmpl *models.TemplateID) {
	f := cmd.Flags()
	if f.Changed("headline") {
		v, _ := f.GetString("headline")
		headline = &v
	}
	if f.Changed("location") {
		v, _ := f.GetString("location")
		location = &v
	}
	if f.Changed("show-location") {
		v, _ := f.GetBool("show-location")
		show = &v
	}
	if f.Changed("template") {
		v, _ := f.GetString("template")
		id := models.TemplateID(v)
		tmpl = &id
	}
	return headline, location, show, tmpl
}

// withApp loads config, assembles the processor and runs fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(mode app.Mode, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := config.NewLogger(cfg.Log.Level, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, mode, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// idCommand builds a command that takes one video id and prints the result.
func idCommand(use, short string, run func(ctx context.Context, svc *pipeline.Service, id string) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <video-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(app.ModeCommand, func(ctx context.Context, a *app.App) error {
				out, err := run(ctx, a.Service, args[0])
				if err != nil {
					return err
				}
				return printJSON(out)
			})
		},
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run stage workers, maintenance and the health server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(app.ModeServe, func(ctx context.Context, a *app.App) error {
			return a.Serve(ctx)
		})
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a video and create its record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return err
		}
		headline, location, show, tmpl := overrides(cmd)
		req := pipeline.UploadRequest{
			Filename:     filepath.Base(args[0]),
			Size:         st.Size(),
			Body:         f,
			Headline:     headline,
			Location:     location,
			ShowLocation: show,
		}
		if tmpl != nil {
			req.TemplateID = *tmpl
		}
		return withApp(app.ModeCommand, func(ctx context.Context, a *app.App) error {
			v, err := a.Service.Upload(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(v)
		})
	},
}

var analyzeCmd = idCommand("analyze", "Start analysis of an uploaded video",
	func(ctx context.Context, svc *pipeline.Service, id string) (any, error) {
		if _, err := svc.Analyze(ctx, id); err != nil {
			return nil, err
		}
		return svc.Status(ctx, id)
	})

var statusCmd = idCommand("status", "Show processing status",
	func(ctx context.Context, svc *pipeline.Service, id string) (any, error) {
		return svc.Status(ctx, id)
	})

var analysisCmd = idCommand("analysis", "Show transcript, visual analysis and suggestions",
	func(ctx context.Context, svc *pipeline.Service, id string) (any, error) {
		return svc.Analysis(ctx, id)
	})

var outputCmd = idCommand("output", "Show the rendered output and a download URL",
	func(ctx context.Context, svc *pipeline.Service, id string) (any, error) {
		return svc.Output(ctx, id)
	})

var retryCmd = idCommand("retry", "Reset a failed video so its stage can run again",
	func(ctx context.Context, svc *pipeline.Service, id string) (any, error) {
		return svc.Retry(ctx, id)
	})

var regenerateCmd = idCommand("regenerate", "Recompute headline and location suggestions",
	func(ctx context.Context, svc *pipeline.Service, id string) (any, error) {
		if _, err := svc.Regenerate(ctx, id); err != nil {
			return nil, err
		}
		return svc.Analysis(ctx, id)
	})

var metadataCmd = &cobra.Command{
	Use:   "metadata <video-id>",
	Short: "Change headline, location, pill visibility or template",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		headline, location, show, tmpl := overrides(cmd)
		return withApp(app.ModeCommand, func(ctx context.Context, a *app.App) error {
			v, err := a.Service.UpdateMetadata(ctx, args[0], pipeline.MetadataRequest{
				Headline: headline, Location: location, ShowLocation: show, TemplateID: tmpl,
			})
			if err != nil {
				return err
			}
			return printJSON(v)
		})
	},
}

var renderCmd = &cobra.Command{
	Use:   "render <video-id>",
	Short: "Render the 9:16 output with the chosen overlay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		headline, location, show, tmpl := overrides(cmd)
		return withApp(app.ModeCommand, func(ctx context.Context, a *app.App) error {
			if _, err := a.Service.Render(ctx, args[0], pipeline.RenderRequest{
				Headline: headline, Location: location, ShowLocation: show, TemplateID: tmpl,
			}); err != nil {
				return err
			}
			st, err := a.Service.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Hand back videos stuck in analyzing or rendering",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(app.ModeCommand, func(ctx context.Context, a *app.App) error {
			ids, err := a.Service.RecoverStale(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"reverted": ids})
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete completed videos past the retention period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(app.ModeCommand, func(ctx context.Context, a *app.App) error {
			res, err := a.Service.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(res)
		})
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
