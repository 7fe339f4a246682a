package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mobiliza/disparo/internal/config"
	"github.com/mobiliza/disparo/internal/db"
	"github.com/mobiliza/disparo/internal/models"
	"github.com/mobiliza/disparo/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var migrateConfigFile string

func init() {
	migrateCmd.Flags().StringVarP(&migrateConfigFile, "config", "c", "/etc/disparo/config.yaml", "Path to configuration file")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(migrateConfigFile)
	if err != nil {
		return err
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return err
	}

	// The verification template must exist before the first
	// verification-flow run; seed it if nobody created one yet.
	templates := store.NewTemplateStore(database.DB)
	key := cfg.Dispatch.VerificationTemplate
	existing, err := templates.GetByKey(context.Background(), key)
	if err != nil {
		return err
	}
	if existing == nil {
		err = templates.Upsert(context.Background(), &models.Template{
			Key:       key,
			Name:      "Link de verificacao",
			Variables: `["name","link_verificacao"]`,
		})
		if err != nil {
			return err
		}
		fmt.Printf("seeded template %s\n", key)
	}

	fmt.Println("migrations applied")
	return nil
}
