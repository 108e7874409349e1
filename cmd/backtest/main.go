package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"stratlab/internal/config"
	"stratlab/internal/logger"
	"stratlab/internal/market"
	"stratlab/internal/orchestrator"
	"stratlab/internal/strategy/backtest"
	"stratlab/internal/strategy/block"
	"stratlab/internal/strategy/graph"
	"stratlab/internal/strategy/optimizer"
	"stratlab/internal/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "Server configuration file, for the engine section")
		graphPath  = flag.String("graph", "", "Graph definition (JSON)")
		runPath    = flag.String("run", "", "Run configuration (YAML)")
		symbol     = flag.String("symbol", "", "Override the run symbol")
		timeframe  = flag.String("timeframe", "", "Override the run timeframe")
		start      = flag.String("start", "", "Override the window start (YYYY-MM-DD)")
		end        = flag.String("end", "", "Override the window end (YYYY-MM-DD)")
		trades     = flag.Int("trades", 20, "Number of trades to print, 0 for none")
		asJSON     = flag.Bool("json", false, "Print the full result as JSON")
		logLevel   = flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	)
	flag.Parse()

	if *graphPath == "" || *runPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logCfg := cfg.Logging
	logCfg.Level = logger.LogLevel(*logLevel)
	logCfg.Output = "stderr"
	logger.Init(logCfg)
	lg := logger.GetGlobalLogger()

	g, err := loadGraph(*graphPath)
	if err != nil {
		log.Fatalf("Failed to load graph: %v", err)
	}
	run, err := loadRun(*runPath)
	if err != nil {
		log.Fatalf("Failed to load run configuration: %v", err)
	}
	if err := applyOverrides(&run, *symbol, *timeframe, *start, *end); err != nil {
		log.Fatalf("Invalid override: %v", err)
	}

	executor := graph.NewExecutor(block.DefaultRegistry(), block.Deps{
		Provider: market.NewSyntheticProvider(cfg.Engine.Synthetic),
		Logger:   lg,
	})
	engine := backtest.NewEngine(executor, lg)
	runner := orchestrator.NewBacktestRunner(engine, optimizer.NewWalkForward(engine, lg))

	if err := runner.Validate(g, run); err != nil {
		log.Fatalf("Rejected: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	began := time.Now()
	outcome, err := runner.Run(ctx, g, run, func(percent float64, message string) error {
		if !*asJSON {
			fmt.Fprintf(os.Stderr, "\r%5.1f%% %-40s", percent, message)
		}
		return nil
	})
	if !*asJSON {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		log.Fatalf("Backtest failed: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			log.Fatalf("Failed to encode result: %v", err)
		}
		return
	}

	fmt.Printf("%s %s %s → %s (%s)\n\n", run.Symbol, run.Timeframe,
		run.Start.Format(time.DateOnly), run.End.Format(time.DateOnly), time.Since(began).Round(time.Millisecond))
	printReport(os.Stdout, outcome, *trades)
}

func loadGraph(path string) (*graph.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return graph.Parse(data)
}

func loadRun(path string) (types.RunConfig, error) {
	var run types.RunConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return run, err
	}
	if err := yaml.Unmarshal(data, &run); err != nil {
		return run, err
	}
	return run, nil
}

func applyOverrides(run *types.RunConfig, symbol, timeframe, start, end string) error {
	if symbol != "" {
		run.Symbol = symbol
	}
	if timeframe != "" {
		tf, err := types.ParseTimeframe(timeframe)
		if err != nil {
			return err
		}
		run.Timeframe = tf
	}
	if start != "" {
		t, err := time.Parse(time.DateOnly, start)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		run.Start = t
	}
	if end != "" {
		t, err := time.Parse(time.DateOnly, end)
		if err != nil {
			return fmt.Errorf("end: %w", err)
		}
		run.End = t
	}
	return nil
}

func printReport(w io.Writer, o *orchestrator.Outcome, maxTrades int) {
	m := o.Metrics

	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	table.Append("Total PnL", money(m.TotalPnL))
	table.Append("Total return", pct(m.TotalReturn))
	table.Append("CAGR", pct(m.CAGR))
	table.Append("Sharpe", num(m.Sharpe))
	table.Append("Sortino", num(m.Sortino))
	table.Append("Max drawdown", pct(m.MaxDrawdown))
	table.Append("Calmar", num(m.Calmar))
	table.Append("Win rate", pct(m.WinRate))
	table.Append("Profit factor", num(m.ProfitFactor))
	table.Append("Expectancy", money(m.Expectancy))
	table.Append("Trades", fmt.Sprintf("%d", m.TradeCount))
	table.Append("Avg holding", fmt.Sprintf("%.1fh", m.AvgHoldingHours))
	table.Append("Fees", money(m.TotalFees))
	table.Append("Slippage", money(m.TotalSlippage))
	table.Render()

	if mc := o.MonteCarlo; mc != nil {
		fmt.Fprintf(w, "\nMonte Carlo (%d trials, seed %d)\n", mc.Trials, mc.Seed)
		t := tablewriter.NewWriter(w)
		t.Header("Band", "Total PnL", "Sharpe")
		t.Append("p05", money(mc.ReturnP05), num(mc.SharpeP05))
		t.Append("p25", money(mc.ReturnP25), "")
		t.Append("median", money(mc.ReturnMedian), num(mc.SharpeMedian))
		t.Append("p75", money(mc.ReturnP75), "")
		t.Append("p95", money(mc.ReturnP95), num(mc.SharpeP95))
		t.Render()
	}

	if len(o.Folds) > 0 {
		fmt.Fprintln(w, "\nWalk-forward folds")
		t := tablewriter.NewWriter(w)
		t.Header("Fold", "Train", "Test", "Trades", "PnL", "Sharpe")
		for _, f := range o.Folds {
			t.Append(
				fmt.Sprintf("%d", f.Index),
				f.TrainStart.Format(time.DateOnly)+" → "+f.TrainEnd.Format(time.DateOnly),
				f.TestStart.Format(time.DateOnly)+" → "+f.TestEnd.Format(time.DateOnly),
				fmt.Sprintf("%d", f.TradeCount),
				money(f.Metrics.TotalPnL),
				num(f.Metrics.Sharpe),
			)
		}
		t.Render()
	}

	if maxTrades > 0 && len(o.Trades) > 0 {
		fmt.Fprintln(w, "\nTrades")
		t := tablewriter.NewWriter(w)
		t.Header("Entry", "Exit", "Side", "Qty", "Entry px", "Exit px", "PnL")
		for i, tr := range o.Trades {
			if i == maxTrades {
				break
			}
			t.Append(
				tr.EntryTime.Format(time.DateTime),
				tr.ExitTime.Format(time.DateTime),
				string(tr.Side),
				fmt.Sprintf("%.4f", tr.Quantity),
				fmt.Sprintf("%.2f", tr.EntryPrice),
				fmt.Sprintf("%.2f", tr.ExitPrice),
				money(tr.PnL),
			)
		}
		t.Render()
		if len(o.Trades) > maxTrades {
			fmt.Fprintf(w, "... %d more\n", len(o.Trades)-maxTrades)
		}
	}

	if len(o.Warnings) > 0 {
		fmt.Fprintln(w, "\nWarnings")
		for _, warn := range o.Warnings {
			fmt.Fprintf(w, "  [%s] %s: %s\n", warn.Severity, warn.Type, warn.Message)
		}
	}

	fmt.Fprintf(w, "\ngraph %s  data %s  params %s\n", short(o.Hashes.Graph), short(o.Hashes.Data), short(o.Hashes.Params))
}

func money(v float64) string { return fmt.Sprintf("%.2f", v) }
func pct(v float64) string   { return fmt.Sprintf("%.2f%%", v*100) }
func num(v float64) string   { return fmt.Sprintf("%.3f", v) }

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
