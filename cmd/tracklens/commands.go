package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tracklens/internal/auth"
	"tracklens/internal/store"
)

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.Bool(flagServe) {
		cfg.Server.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()

	if cfg.Server.Enabled {
		srv, err := a.server(serveCtx)
		if err != nil {
			return err
		}
		g.Go(func() error { return srv.Run(serveCtx) })
	}

	name := cfg.Pipeline.Name
	runID, err := a.runner.Start(gctx, name, cfg.Source)
	if err != nil {
		stopServing()
		return multierr.Append(err, g.Wait())
	}

	var runErr error
	g.Go(func() error {
		// The pipeline is a child of gctx; wait for it to release its source
		runErr = a.runner.Wait(context.Background(), name)
		stopServing()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	stats, _ := a.runner.Manager().Stats(name)
	w := c.App.Writer
	fmt.Fprintf(w, "run:        %s\n", runID)
	fmt.Fprintf(w, "source:     %s\n", stats.Source)
	fmt.Fprintf(w, "frames:     %d processed, %d read, %d dropped\n", stats.FramesProcessed, stats.FramesRead, stats.FramesDropped)
	if stats.ArtifactPath != "" {
		fmt.Fprintf(w, "artifact:   %s\n", stats.ArtifactPath)
	}
	return runErr
}

func serveAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	cfg.Server.Enabled = true
	if c.Bool(flagStart) {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srv, err := a.server(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if c.Bool(flagStart) {
		if _, err := a.runner.Start(gctx, cfg.Pipeline.Name, cfg.Source); err != nil {
			stop()
			return multierr.Append(err, g.Wait())
		}
	}
	return g.Wait()
}

func withStore(c *cli.Context, fn func(*store.Store) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Store.Path == "" {
		return errors.New("run history is disabled (store.path is empty)")
	}
	st, err := openStore(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func listRunsAction(c *cli.Context) error {
	return withStore(c, func(st *store.Store) error {
		runs, err := st.ListRuns(c.String(flagName), c.Int(flagLimit))
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPIPELINE\tSOURCE\tTRACKING\tSTATUS\tSTARTED\tFRAMES\tARTIFACT")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				r.ID, r.Pipeline, r.Source, r.Tracking, r.Status,
				r.StartedAt.Local().Format(time.DateTime), r.Frames, r.ArtifactPath)
		}
		return tw.Flush()
	})
}

func showRunAction(c *cli.Context) error {
	id := c.Args().First()
	if id == "" {
		return errors.New("run id is required")
	}
	return withStore(c, func(st *store.Store) error {
		run, err := st.GetRun(id)
		if err != nil {
			return err
		}
		tracks, err := st.ListTracks(id)
		if err != nil {
			return err
		}

		w := c.App.Writer
		fmt.Fprintf(w, "run:       %s\n", run.ID)
		fmt.Fprintf(w, "pipeline:  %s\n", run.Pipeline)
		fmt.Fprintf(w, "source:    %s\n", run.Source)
		fmt.Fprintf(w, "tracking:  %s\n", run.Tracking)
		fmt.Fprintf(w, "status:    %s\n", run.Status)
		if run.Error != "" {
			fmt.Fprintf(w, "error:     %s\n", run.Error)
		}
		fmt.Fprintf(w, "frames:    %d\n", run.Frames)
		if run.ArtifactPath != "" {
			fmt.Fprintf(w, "artifact:  %s\n", run.ArtifactPath)
		}
		if len(tracks) == 0 {
			return nil
		}

		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TRACK\tCLASS\tFIRST\tLAST\tFRAMES\tMAX CONF\tLAST BOX")
		for _, t := range tracks {
			b := t.LastBBox
			fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%.2f\t[%.0f %.0f %.0f %.0f]\n",
				t.TrackID, t.Class, t.FirstSeq, t.LastSeq, t.Frames, t.MaxConfidence, b.X1, b.Y1, b.X2, b.Y2)
		}
		return tw.Flush()
	})
}

func pruneRunsAction(c *cli.Context) error {
	return withStore(c, func(st *store.Store) error {
		n, err := st.DeleteRunsBefore(time.Now().Add(-c.Duration(flagOlderThan)))
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "deleted %d runs\n", n)
		return nil
	})
}

func hashPasswordAction(c *cli.Context) error {
	password := c.Args().First()
	if password == "" {
		return errors.New("password is required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, hash)
	return nil
}
