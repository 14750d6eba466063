// Command odyssey is a multi-stage AI research assistant. It analyzes a
// query, asks clarifying questions when the query is too vague, gathers
// data from model knowledge, web search and scraping, and writes a
// confidence-scored markdown report.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"odyssey/internal/config"
	"odyssey/internal/gemini"
	"odyssey/internal/research"
	"odyssey/internal/scrape"
	"odyssey/internal/store"
)

var (
	flagConfig  string
	flagVerbose bool

	logger *zap.Logger
	cfg    *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "odyssey",
		Short: "AI research assistant",
		Long:  "Odyssey runs multi-stage research: intent analysis, clarification, data gathering, synthesis and report generation.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; real env vars win.
			_ = godotenv.Load()

			var err error
			cfg, err = config.Load(flagConfig)
			if err != nil {
				return err
			}

			zapCfg := zap.NewProductionConfig()
			if flagVerbose {
				zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
			}
			logger, err = zapCfg.Build()
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		newResearchCmd(),
		newAnswerCmd(),
		newSessionsCmd(),
		newShowCmd(),
		newDeleteCmd(),
		newCleanupCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type engine struct {
	orchestrator *research.Orchestrator
	store        *store.SQLiteStore
	rod          *scrape.RodFetcher
}

func (e *engine) close() {
	if e.rod != nil {
		_ = e.rod.Close()
	}
	_ = e.store.Close()
}

func buildEngine(useBrowser bool) (*engine, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, errors.New("GEMINI_API_KEY is not set")
	}

	st, err := store.NewSQLiteStore(cfg.SessionStoragePath, logger.Named("store"))
	if err != nil {
		return nil, err
	}

	client := gemini.NewClientWithConfig(gemini.Config{
		APIKey:     cfg.GeminiAPIKey,
		Model:      cfg.GeminiModel,
		Timeout:    cfg.RequestTimeout * 4,
		MinSpacing: 600 * time.Millisecond,
	})

	e := &engine{store: st}
	var fetcher scrape.Fetcher
	if useBrowser {
		e.rod = scrape.NewRodFetcher(cfg.RequestTimeout)
		fetcher = e.rod
	} else {
		fetcher = scrape.NewHTTPFetcher(cfg.RequestTimeout)
	}

	e.orchestrator = research.NewOrchestrator(client, fetcher, st, research.OrchestratorConfig{
		ConfidenceThreshold:  cfg.ConfidenceThreshold,
		MaxFollowUpQuestions: cfg.MaxFollowUpQuestions,
		Gatherer: research.GathererConfig{
			MaxSearchResults: cfg.MaxSearchResults,
			MaxScrapingDepth: cfg.MaxScrapingDepth,
			MaxConcurrent:    cfg.MaxConcurrentRequests,
			RequestTimeout:   cfg.RequestTimeout,
		},
		Report: research.ReportConfig{
			OutputPath:         cfg.ReportsOutputPath,
			Tone:               cfg.DefaultReportTone,
			IncludeConfidence:  cfg.IncludeConfidenceScores,
			IncludeReliability: cfg.IncludeSourceReliability,
			MaxConcurrent:      cfg.MaxConcurrentRequests,
		},
	}, logger.Named("research"))
	return e, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newResearchCmd() *cobra.Command {
	var docPaths []string
	var noInput, useBrowser bool

	cmd := &cobra.Command{
		Use:   "research <query>",
		Short: "Start a research run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(useBrowser)
			if err != nil {
				return err
			}
			defer e.close()

			documents, err := loadDocuments(docPaths)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			query := strings.Join(args, " ")
			session, err := e.orchestrator.Start(query)
			if err != nil {
				return err
			}
			fmt.Println("Session:", session.ID)

			outcome, err := e.orchestrator.Conduct(ctx, session.ID, nil, documents)
			if err != nil {
				return err
			}

			if len(outcome.Questions) > 0 {
				if noInput {
					printQuestions(outcome.Questions)
					fmt.Printf("\nAnswer later with: odyssey answer %s\n", session.ID)
					return nil
				}
				answers := promptAnswers(outcome.Questions)
				outcome, err = e.orchestrator.Conduct(ctx, session.ID, answers, documents)
				if err != nil {
					return err
				}
			}

			return printOutcome(outcome)
		},
	}
	cmd.Flags().StringArrayVar(&docPaths, "doc", nil, "document file to include as a source (repeatable)")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "never prompt; print clarifying questions and exit")
	cmd.Flags().BoolVar(&useBrowser, "browser", false, "scrape with a headless browser instead of plain HTTP")
	return cmd
}

func newAnswerCmd() *cobra.Command {
	var useBrowser bool

	cmd := &cobra.Command{
		Use:   "answer <session-id>",
		Short: "Answer clarifying questions and resume a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEngine(useBrowser)
			if err != nil {
				return err
			}
			defer e.close()

			session, err := e.store.Load(args[0])
			if err != nil {
				return err
			}
			if session.Status != research.StatusNeedsClarification {
				return fmt.Errorf("session %s is %s, not awaiting answers", session.ID, session.Status)
			}

			ctx, cancel := signalContext()
			defer cancel()

			answers := promptAnswers(session.ClarifyingQuestions)
			outcome, err := e.orchestrator.Conduct(ctx, session.ID, answers, nil)
			if err != nil {
				return err
			}
			return printOutcome(outcome)
		},
	}
	cmd.Flags().BoolVar(&useBrowser, "browser", false, "scrape with a headless browser instead of plain HTTP")
	return cmd
}

func newSessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List research sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(cfg.SessionStoragePath, logger.Named("store"))
			if err != nil {
				return err
			}
			defer st.Close()

			summaries, err := st.List(limit)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No sessions.")
				return nil
			}
			for _, s := range summaries {
				fmt.Printf("%s  %-20s  %s  %s\n",
					s.ID, s.Status, s.CreatedAt.Local().Format("2006-01-02 15:04"), s.InitialQuery)
			}

			stats, err := st.Stats()
			if err == nil {
				fmt.Printf("\n%d total", stats.Total)
				for _, status := range []string{"started", "needs_clarification", "completed", "error"} {
					if n := stats.ByStatus[status]; n > 0 {
						fmt.Printf(", %d %s", n, status)
					}
				}
				fmt.Println()
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(cfg.SessionStoragePath, logger.Named("store"))
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.Load(args[0])
			if err != nil {
				return err
			}

			fmt.Printf("Session: %s\nQuery:   %s\nStatus:  %s\nCreated: %s\n",
				s.ID, s.InitialQuery, s.Status, s.CreatedAt.Local().Format(time.RFC1123))
			for _, stage := range research.StageOrder {
				rec := s.Stages[stage]
				if rec == nil {
					continue
				}
				line := fmt.Sprintf("  %-18s %s", stage, rec.Status)
				if rec.Confidence != nil {
					line += fmt.Sprintf("  %.0f (%s)", rec.Confidence.Score, rec.Confidence.Level)
				}
				fmt.Println(line)
			}
			if s.Error != "" {
				fmt.Println("Error:  ", s.Error)
			}
			if len(s.ClarifyingQuestions) > 0 && s.Status == research.StatusNeedsClarification {
				fmt.Println("\nAwaiting answers:")
				printQuestions(s.ClarifyingQuestions)
			}
			if s.OverallConfidence != nil {
				fmt.Printf("\nOverall confidence: %.1f (%s)\n",
					s.OverallConfidence.Overall, s.OverallConfidence.Level)
			}
			if s.FinalReport != nil {
				fmt.Println()
				return renderMarkdown(s.FinalReport.Markdown)
			}
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(cfg.SessionStoragePath, logger.Named("store"))
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("Deleted", args[0])
			return nil
		},
	}
}

func newCleanupCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete finished sessions older than a given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.NewSQLiteStore(cfg.SessionStoragePath, logger.Named("store"))
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.Cleanup(olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d sessions.\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age cutoff for finished sessions")
	return cmd
}

func loadDocuments(paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	docs := make(map[string]string, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", p, err)
		}
		docs[p] = string(data)
	}
	return docs, nil
}

func printQuestions(questions []research.ClarifyingQuestion) {
	for i, q := range questions {
		fmt.Printf("%d. %s\n", i+1, q.Question)
		if q.Purpose != "" {
			fmt.Printf("   (%s)\n", q.Purpose)
		}
		if len(q.Examples) > 0 {
			fmt.Printf("   e.g. %s\n", strings.Join(q.Examples, ", "))
		}
	}
}

// promptAnswers asks each clarifying question on stdin. Blank input on
// an allow_unknown question records "unknown".
func promptAnswers(questions []research.ClarifyingQuestion) map[string]string {
	reader := bufio.NewScanner(os.Stdin)
	answers := make(map[string]string, len(questions))
	fmt.Println("\nA few questions before researching:")
	for i, q := range questions {
		fmt.Printf("\n%d. %s\n", i+1, q.Question)
		if len(q.Examples) > 0 {
			fmt.Printf("   e.g. %s\n", strings.Join(q.Examples, ", "))
		}
		if q.AllowUnknown {
			fmt.Print("   (press enter to skip) > ")
		} else {
			fmt.Print("   > ")
		}
		var answer string
		if reader.Scan() {
			answer = strings.TrimSpace(reader.Text())
		}
		if answer == "" {
			answer = "unknown"
		}
		answers[q.Question] = answer
	}
	return answers
}

func printOutcome(outcome *research.Outcome) error {
	s := outcome.Session
	if outcome.Report == nil {
		fmt.Printf("Session %s is %s.\n", s.ID, s.Status)
		return nil
	}
	if err := renderMarkdown(outcome.Report.Markdown); err != nil {
		return err
	}
	if outcome.Report.FilePath != "" {
		fmt.Println("\nSaved to:", outcome.Report.FilePath)
	}
	if s.OverallConfidence != nil {
		fmt.Printf("Overall confidence: %.1f (%s)\n",
			s.OverallConfidence.Overall, s.OverallConfidence.Level)
	}
	return nil
}

// renderMarkdown pretty-prints in a terminal, falling back to raw
// markdown when rendering is unavailable (pipes, dumb terminals).
func renderMarkdown(markdown string) error {
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		fmt.Println(markdown)
		return nil
	}
	out, err := renderer.Render(markdown)
	if err != nil {
		fmt.Println(markdown)
		return nil
	}
	fmt.Print(out)
	return nil
}
