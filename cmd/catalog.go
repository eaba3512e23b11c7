package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/orchestrator/internal/catalog"
	"github.com/sells-group/orchestrator/internal/store"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage provider, source, workflow, and monitor definitions",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import [path]",
	Short: "Validate a catalog file and write it to the store",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		path, err := catalogPath(args)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sum, err := importCatalog(ctx, st, path)
		if err != nil {
			return err
		}
		formatCatalogSummary(cmd.OutOrStdout(), "Imported", sum)
		return nil
	},
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a catalog file without importing it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := catalogPath(args)
		if err != nil {
			return err
		}
		cat, err := catalog.Load(path)
		if err != nil {
			return err
		}
		formatCatalogSummary(cmd.OutOrStdout(), "Valid", catalog.Summary{
			Providers: len(cat.Providers),
			Sources:   len(cat.Sources),
			Workflows: len(cat.Workflows),
			Monitors:  len(cat.Monitors),
		})
		return nil
	},
}

func init() {
	catalogCmd.AddCommand(catalogImportCmd)
	catalogCmd.AddCommand(catalogValidateCmd)
	rootCmd.AddCommand(catalogCmd)
}

// catalogPath returns the path argument or the configured catalog path.
func catalogPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if cfg.Catalog.Path == "" {
		return "", eris.New("catalog path is required (argument or ORCH_CATALOG_PATH)")
	}
	return cfg.Catalog.Path, nil
}

// importCatalog loads a catalog file and writes it to repo.
func importCatalog(ctx context.Context, repo store.Repository, path string) (catalog.Summary, error) {
	cat, err := catalog.Load(path)
	if err != nil {
		return catalog.Summary{}, err
	}
	sum, err := catalog.Import(ctx, repo, cat, time.Now())
	if err != nil {
		return sum, eris.Wrapf(err, "import catalog %s", path)
	}
	zap.L().Info("catalog imported", zap.String("path", path))
	return sum, nil
}

func formatCatalogSummary(out io.Writer, verb string, s catalog.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "%s catalog:\n", verb)
	_, _ = fmt.Fprintf(w, "  Providers:\t%d\n", s.Providers)
	_, _ = fmt.Fprintf(w, "  Sources:\t%d\n", s.Sources)
	_, _ = fmt.Fprintf(w, "  Workflows:\t%d\n", s.Workflows)
	_, _ = fmt.Fprintf(w, "  Monitors:\t%d\n", s.Monitors)
	_ = w.Flush()
}
