package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"geoslice/internal/common"
	"geoslice/internal/config"
	"geoslice/internal/layering"
	"geoslice/internal/progress"
	"geoslice/internal/project"
)

type rootFlags struct {
	quiet    bool
	logLevel string
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "geoslice",
		Short:         "Cut IGN vegetation, topography and parcel data into tiled bundles",
		Version:       AppVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVarP(&flags.quiet, "quiet", "q", false, "do not print progress")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newCreateCommand(flags),
		newResumeCommand(flags),
		newExportCommand(flags),
		newProjectsCommand(flags),
		newRegionsCommand(flags),
		newCacheCommand(flags),
		newSettingsCommand(flags),
		newJobsCommand(flags),
		newDoctorCommand(flags),
	)
	return root
}

// withApp loads settings, builds the App and runs fn with a context
// cancelled on SIGINT or SIGTERM
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, app *App) error) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}
	if flags.logLevel != "" {
		settings.LogLevel = flags.logLevel
	}
	app, err := NewApp(settings, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !flags.quiet {
		done := printProgress(cmd.ErrOrStderr(), app.bus)
		defer done()
	}
	return fn(ctx, app)
}

// printProgress prints bus events as "stage label percent" lines. Counted
// stages print every tenth of their progress.
func printProgress(w io.Writer, bus *progress.Bus) func() {
	ch, cancel := bus.Subscribe("")
	done := make(chan struct{})
	go func() {
		defer close(done)
		var lastStage progress.Stage
		lastPct := -100.0
		for e := range ch {
			if e.Stage == lastStage && e.Total > 0 && e.Done < e.Total && e.Percent-lastPct < 10 {
				continue
			}
			lastStage, lastPct = e.Stage, e.Percent
			fmt.Fprintln(w, e.String())
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func newCreateCommand(flags *rootFlags) *cobra.Command {
	var name, bbox string
	cmd := &cobra.Command{
		Use:     "create",
		Short:   "Create a project for a Lambert-93 area of interest",
		Example: "  geoslice create --name \"Forêt de Retz\" --bbox 700000,6900000,705000,6905000",
		RunE: func(cmd *cobra.Command, args []string) error {
			aoi, err := common.ParseBoundingBox(bbox)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				p, err := app.CreateProject(ctx, name, aoi)
				if p != nil {
					printProject(cmd.OutOrStdout(), p)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&bbox, "bbox", "", "xmin,ymin,xmax,ymax in EPSG:2154 meters")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("bbox")
	return cmd
}

func newResumeCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <project-id>",
		Short: "Retry the downloads a project is missing and finish building it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				p, err := app.ResumeProject(ctx, args[0])
				if p != nil {
					printProject(cmd.OutOrStdout(), p)
				}
				return err
			})
		},
	}
}

func printProject(w io.Writer, p *project.Project) {
	fmt.Fprintf(w, "project %s (%s)\n", p.ID, p.Name)
	fmt.Fprintf(w, "  status:  %s\n", p.Status)
	fmt.Fprintf(w, "  aoi:     %s\n", p.AOI)
	fmt.Fprintf(w, "  regions: %v\n", p.RegionCodes())
	for _, l := range p.Layers {
		if l.Type == layering.Raster {
			fmt.Fprintf(w, "  layer %-12s %s\n", l.Name, l.Type)
			continue
		}
		fmt.Fprintf(w, "  layer %-12s %s, %d features\n", l.Name, l.Type, l.Features)
	}
	for _, m := range p.Missing {
		fmt.Fprintf(w, "  missing %s %s (regions %v): %s\n", m.Kind, m.Key, m.Regions, m.Error)
	}
	if len(p.Missing) > 0 {
		fmt.Fprintf(w, "run \"geoslice resume %s\" to retry\n", p.ID)
	}
}

func newExportCommand(flags *rootFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export <project-id>",
		Short: "Write the tiled bundle of a ready project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				res, err := app.ExportProject(ctx, args[0], out)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "bundle:  %s (%d tiles, %.1f MB)\n", res.Path, res.Tiles, float64(res.Size)/1024/1024)
				if res.PreviewPath != "" {
					fmt.Fprintf(w, "preview: %s\n", res.PreviewPath)
				}
				fmt.Fprintf(w, "took %s\n", res.Duration.Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output directory (default: configured output dir)")
	return cmd
}

func newProjectsCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				projects, err := app.store.List()
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tAOI\tCREATED\tEXPORTED")
				for _, p := range projects {
					exported := "-"
					if p.Export != nil {
						exported = p.Export.ExportedAt.Local().Format(time.DateTime)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Status, p.AOI,
						p.CreatedAt.Local().Format(time.DateTime), exported)
				}
				return tw.Flush()
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and its layers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				return app.store.Delete(args[0])
			})
		},
	})
	return cmd
}

func newRegionsCommand(flags *rootFlags) *cobra.Command {
	var bbox, neighbors string
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "List regions, those covering an area, or a region's neighbors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				catalog, err := app.Regions()
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()

				switch {
				case neighbors != "":
					if _, ok := catalog.Get(neighbors); !ok {
						return fmt.Errorf("unknown region %q", neighbors)
					}
					for _, code := range catalog.Neighbors(neighbors) {
						r, _ := catalog.Get(code)
						fmt.Fprintf(w, "%s\t%s\n", r.Code, r.Name)
					}
				case bbox != "":
					aoi, err := common.ParseBoundingBox(bbox)
					if err != nil {
						return err
					}
					regions, err := catalog.Resolve(aoi)
					if err != nil {
						return err
					}
					for _, r := range regions {
						fmt.Fprintf(w, "%s\t%s\n", r.Code, r.Name)
					}
				default:
					for _, r := range catalog.All() {
						fmt.Fprintf(w, "%s\t%s\n", r.Code, r.Name)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bbox, "bbox", "", "only regions intersecting xmin,ymin,xmax,ymax")
	cmd.Flags().StringVar(&neighbors, "neighbors", "", "list the regions adjacent to CODE")
	return cmd
}

func newCacheCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the dataset and orthophoto caches",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				s := app.GetCacheStats()
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "datasets: %d entries, %.1f MB in %s\n", s.DatasetEntries, float64(s.DatasetBytes)/1024/1024, s.DatasetPath)
				for _, e := range app.datasets.Entries() {
					fmt.Fprintf(w, "  %-12s %-10s %s\n", e.Key, e.Edition, e.CreatedAt.Local().Format(time.DateTime))
				}
				if s.OrthoPath != "" {
					fmt.Fprintf(w, "ortho:    %d entries, %.1f / %.0f MB in %s\n", s.OrthoEntries, s.OrthoSizeMB, s.OrthoMaxMB, s.OrthoPath)
				}
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached dataset and orthophoto",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				if err := app.ClearCache(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
				return nil
			})
		},
	})
	return cmd
}

func newSettingsCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change settings",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				out, err := app.SettingsYAML()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# %s\n%s", config.GetSettingsPath(), out)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:       "set <key> <value>",
		Short:     "Change one setting",
		Args:      cobra.ExactArgs(2),
		ValidArgs: config.Keys(),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := SetSetting(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", args[0], args[1])
			return nil
		},
	})
	return cmd
}

func newJobsCommand(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List past and running build and export jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tKIND\tNAME\tSTATUS\tCREATED\tOUTPUT\tERROR")
				for _, j := range app.jobs.List() {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Kind, j.Name, j.Status, j.CreatedAt,
						lo.Ternary(j.OutputPath == "", "-", j.OutputPath), lo.Ternary(j.Error == "", "-", j.Error))
				}
				return tw.Flush()
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget finished jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d jobs\n", app.jobs.ClearFinished())
				return nil
			})
		},
	})
	return cmd
}

func newDoctorCommand(flags *rootFlags) *cobra.Command {
	var online bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check settings, directories and the region catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, app *App) error {
				checks := app.Doctor(ctx, online)
				for _, c := range checks {
					fmt.Fprintf(cmd.OutOrStdout(), "%-5s %-13s %s\n", lo.Ternary(c.OK, "ok", "FAIL"), c.Name, c.Detail)
				}
				failed := lo.CountBy(checks, func(c Check) bool { return !c.OK })
				if failed > 0 {
					return fmt.Errorf("%d check(s) failed", failed)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "also query the orthophoto service")
	return cmd
}
