package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"mnemo/internal/config"
	"mnemo/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a mnemo workspace in the current directory",
	Long: `Creates the .mnemo/ directory with a starter config.json and an
empty database. Safe to re-run; existing files are left alone.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := filepath.Join(workspace, ".mnemo")
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	cfgPath := config.Path(workspace)
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.Save(workspace, &config.Config{}); err != nil {
			return err
		}
		fmt.Printf("Created %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists at %s\n", cfgPath)
	}

	cfg, err := config.Load(workspace)
	if err != nil {
		return &configError{err: err}
	}
	st, err := store.New(cfg.GetDBPath(workspace))
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Printf("Workspace ready at %s\n", workspace)
	fmt.Println("Next: set notion.token / MNEMO_NOTION_TOKEN and run 'mnemo sync notion'.")
	return nil
}
