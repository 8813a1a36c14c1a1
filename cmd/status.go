package cmd

import (
	"context"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"annoflow/internal/config"
	"annoflow/internal/project"
	"annoflow/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the configured Git repositories",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		color.NoColor = true
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := store.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer st.Close()

	repos, err := st.ListRepositories(ctx, project.DefaultProjectID)
	if err != nil {
		return err
	}
	if len(repos) == 0 {
		color.Yellow("No Git repository is configured yet. Run 'annoflow setup' first.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Repository", "Target Branch", "Protected", "First Annotator"})

	for _, repo := range repos {
		protected := "no"
		if repo.IsTargetBranchProtected {
			protected = "yes"
		}
		annotator := "-"
		if repo.FirstAnnotatorID != nil {
			annotator = color.RedString("%s (unpublished changes)", *repo.FirstAnnotatorID)
		}
		table.Append([]string{
			strconv.Itoa(repo.ID),
			repo.RepositoryURL,
			repo.TargetBranch,
			protected,
			annotator,
		})
	}
	table.Render()
	return nil
}
