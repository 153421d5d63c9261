package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/opensource-finance/credrisk/internal/domain"
	"github.com/opensource-finance/credrisk/internal/ingest"
	"github.com/opensource-finance/credrisk/internal/pipeline"
	"github.com/opensource-finance/credrisk/internal/tracing"
)

var (
	trainFileFlag = &cli.StringFlag{
		Name:    "file",
		Aliases: []string{"f"},
		Usage:   "Train on this CSV instead of the transaction store (optional)",
	}

	searchModeFlag = &cli.StringFlag{
		Name:  "search",
		Usage: "Hyperparameter search mode [grid, random] (optional, overrides config)",
	}

	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Concurrent cross-validation fits (optional, overrides config)",
	}

	trainCmd = &cli.Command{
		Name:    "train",
		Aliases: []string{"t"},
		Usage:   "Label customers, select the best model and register it",
		UsageText: `credrisk train                          # train on the imported transaction store
   credrisk train --file data/raw/data.csv  # train directly on a CSV file
   credrisk train --search random           # randomized search`,
		Action: cmdTrain,
		Flags: []cli.Flag{
			trainFileFlag,
			searchModeFlag,
			workersFlag,
		},
	}
)

// familySummary is the printed outcome of one family.
type familySummary struct {
	Family  string             `json:"family"`
	RunID   string             `json:"runId,omitempty"`
	Params  map[string]string  `json:"params,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Error   string             `json:"error,omitempty"`
}

type trainSummary struct {
	Customers  int                     `json:"customers"`
	HighRisk   int                     `json:"highRisk"`
	Families   []familySummary         `json:"families"`
	Winner     string                  `json:"winner,omitempty"`
	Registered *domain.RegisteredModel `json:"registered,omitempty"`
}

func cmdTrain(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v := cmd.String(searchModeFlag.Name); v != "" {
		cfg.Training.SearchMode = v
	}
	if v := cmd.Int(workersFlag.Name); v > 0 {
		cfg.Training.Workers = int(v)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	shutdown, err := tracing.Init(ctx, cfg.Tracing, Version)
	if err != nil {
		return err
	}
	defer shutdown(context.Background())

	repo, err := openRepository(cfg)
	if err != nil {
		return err
	}
	defer repo.Close()

	var records []domain.TransactionRecord
	if path := cmd.String(trainFileFlag.Name); path != "" {
		records, err = ingest.NewCSVReader(cfg.Data.Columns).ReadFile(ctx, path)
	} else {
		records, err = repo.ListTransactions(ctx)
	}
	if err != nil {
		return err
	}
	slog.Info("transactions loaded", "count", len(records))

	pcfg, err := pipeline.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	p, err := pipeline.New(repo, pcfg)
	if err != nil {
		return err
	}

	res, err := p.Train(ctx, records)
	if res != nil && res.Outcome != nil {
		if perr := printSummary(res); perr != nil {
			slog.Error("failed to print summary", "error", perr)
		}
	}
	return err
}

func printSummary(res *pipeline.Result) error {
	out := trainSummary{
		Customers:  len(res.Prepared.Profiles),
		HighRisk:   res.Prepared.Positives(),
		Registered: res.Outcome.Registered,
	}
	for _, r := range res.Outcome.Results {
		fs := familySummary{Family: r.Family}
		if r.Run != nil {
			fs.RunID = r.Run.RunID
		}
		if r.Err != nil {
			fs.Error = r.Err.Error()
		} else {
			fs.Metrics = r.Metrics.Map()
			if r.Search != nil {
				fs.Params = r.Search.BestParams.Strings()
			}
		}
		out.Families = append(out.Families, fs)
	}
	if res.Outcome.Winner != nil {
		out.Winner = res.Outcome.Winner.Family
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
