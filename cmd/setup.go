package cmd

import (
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"annoflow/internal/config"
	"annoflow/pkg/models"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Initial configuration setup",
	Run:   runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) {
	fmt.Println("Setting up annoflow...")
	fmt.Println()

	if _, err := os.Stat(config.GetConfigFile()); err == nil {
		var overwrite bool
		prompt := &survey.Confirm{
			Message: "Configuration already exists. Do you want to overwrite it?",
			Default: false,
		}
		survey.AskOne(prompt, &overwrite)
		if !overwrite {
			fmt.Println("Setup cancelled.")
			return
		}
	}

	cfg := (&models.Config{}).WithDefaults()

	questions := []*survey.Question{
		{
			Name: "database",
			Prompt: &survey.Input{
				Message: "PostgreSQL URL:",
				Default: "postgres://localhost:5432/annoflow?sslmode=disable",
			},
			Validate: survey.Required,
		},
		{
			Name: "clones",
			Prompt: &survey.Input{
				Message: "Directory for Git clones:",
				Default: "/var/lib/annoflow/clones",
			},
			Validate: survey.Required,
		},
		{
			Name: "address",
			Prompt: &survey.Input{
				Message: "Server listen address:",
				Default: cfg.Server.Address,
			},
		},
	}

	answers := struct {
		Database string
		Clones   string
		Address  string
	}{}
	if err := survey.Ask(questions, &answers); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	cfg.Database.URL = answers.Database
	cfg.Git.ClonesDirectory = answers.Clones
	if answers.Address != "" {
		cfg.Server.Address = answers.Address
	}

	var licenseKey string
	survey.AskOne(&survey.Password{
		Message: "License key (leave empty to disable HTTPS repositories):",
	}, &licenseKey)
	cfg.License.Key = licenseKey

	if err := config.Save(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save configuration: %v\n", err)
		return
	}
	fmt.Printf("Configuration written to %s\n", config.GetConfigFile())
}
