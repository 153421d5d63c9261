package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/credrisk/internal/ingest"
)

var (
	importFileFlag = &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "Path to the transaction CSV file",
		Required: true,
	}

	importCmd = &cli.Command{
		Name:      "import",
		Aliases:   []string{"i"},
		Usage:     "Import a transaction CSV into the transaction store",
		UsageText: "credrisk import --file data/raw/data.csv",
		Action:    cmdImport,
		Flags: []cli.Flag{
			importFileFlag,
		},
	}
)

func cmdImport(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	records, err := ingest.NewCSVReader(cfg.Data.Columns).ReadFile(ctx, cmd.String(importFileFlag.Name))
	if err != nil {
		return err
	}

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	n, err := repo.SaveTransactions(ctx, records)
	if err != nil {
		return err
	}

	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"file":     cmd.String(importFileFlag.Name),
		"imported": n,
	})
}
