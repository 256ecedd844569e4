package cli

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v2"

	"github.com/camsolve/camsolve/resultstore"
)

func withStore(c *cli.Context, fn func(*resultstore.Store) error) (err error) {
	store, err := resultstore.Open(c.Path(runsFlagDB), newLogger(c).Sublogger("store"))
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); err == nil {
			err = closeErr
		}
	}()
	return fn(store)
}

// ListRunsAction lists stored runs, newest first.
func ListRunsAction(c *cli.Context) error {
	return withStore(c, func(store *resultstore.Store) error {
		runs, err := store.Runs(c.Context)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			printf(c.App.Writer, "no runs stored")
			return nil
		}
		t := table.NewWriter()
		t.AppendHeader(table.Row{"ID", "Created", "Name", "Status", "Solved", "Average error", "UUID"})
		for _, r := range runs {
			t.AppendRow(table.Row{
				r.ID,
				r.CreatedAt.Format("2006-01-02 15:04:05"),
				r.Name,
				r.Status,
				fmt.Sprintf("%d/%d", r.SolvedFrames, r.SolvedFrames+r.FailedFrames),
				fmt.Sprintf("%.6g", r.AverageError),
				r.UUID,
			})
		}
		printf(c.App.Writer, "%s", t.Render())
		return nil
	})
}

// ShowRunAction prints the frames of a stored run.
func ShowRunAction(c *cli.Context) error {
	return withStore(c, func(store *resultstore.Store) error {
		run, err := store.Run(c.Context, c.Uint(runsFlagID))
		if err != nil {
			return err
		}
		printf(c.App.Writer, "%s", run.String())
		printf(c.App.Writer, "%d bundles well solved, %d rejected", run.WellSolvedBundles, run.RejectedBundles)
		return nil
	})
}

// DeleteRunAction deletes a stored run.
func DeleteRunAction(c *cli.Context) error {
	return withStore(c, func(store *resultstore.Store) error {
		id := c.Uint(runsFlagID)
		if err := store.Delete(c.Context, id); err != nil {
			return err
		}
		printf(c.App.Writer, "run %d deleted", id)
		return nil
	})
}
