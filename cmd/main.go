package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"

	"github.com/kestrelab/docqa/internal/models"
	"github.com/kestrelab/docqa/internal/types"
	"github.com/kestrelab/docqa/pkg/cleanup"
	cfgPkg "github.com/kestrelab/docqa/pkg/config"
	"github.com/kestrelab/docqa/pkg/llm"
	"github.com/kestrelab/docqa/pkg/loader"
	"github.com/kestrelab/docqa/pkg/pipeline"
	"github.com/kestrelab/docqa/pkg/processor"
	"github.com/kestrelab/docqa/pkg/query"
	"github.com/kestrelab/docqa/pkg/store"
	"github.com/kestrelab/docqa/pkg/tracker"
	"github.com/kestrelab/docqa/server"
)

type flags struct {
	configPath string
	ingestDir  string
	serve      bool
	sweep      bool
}

func main() {
	godotenv.Load()

	f := parseFlags()

	config, err := cfgPkg.LoadConfig(f.configPath)
	if err != nil {
		log.Fatal(err)
	}
	if errs := config.Validate(); len(errs) > 0 {
		for _, e := range errs {
			color.Red("config: %v", e)
		}
		os.Exit(1)
	}

	if err := run(f, config); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to config file")
	flag.StringVar(&f.ingestDir, "ingest", "", "Directory of documents to ingest")
	flag.BoolVar(&f.serve, "serve", false, "Start the HTTP server")
	flag.BoolVar(&f.sweep, "sweep", false, "Remove uploads past the retention window and exit")
	flag.Parse()
	return f
}

func run(f flags, config *cfgPkg.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	embedder, err := llm.NewEmbedder(llm.EmbedderConfig{
		Provider:  config.LLM.Provider,
		Model:     config.LLM.EmbeddingModel,
		BaseURL:   config.LLM.BaseURL,
		APIKey:    config.LLM.APIKey,
		Dim:       config.Index.VectorDim,
		RateLimit: config.Pipeline.EmbedRateLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize embedder: %v", err)
	}

	chatEngine, err := llm.NewChatEngine(llm.ChatConfig{
		Provider:    config.LLM.Provider,
		Model:       config.LLM.Model,
		BaseURL:     config.LLM.BaseURL,
		APIKey:      config.LLM.APIKey,
		MaxTokens:   config.LLM.MaxTokens,
		Temperature: config.LLM.Temperature,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize chat engine: %v", err)
	}

	index, err := newIndex(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to initialize vector index: %v", err)
	}
	defer index.Close()

	if err := index.Load(ctx); err != nil {
		return fmt.Errorf("failed to load index: %v", err)
	}

	trk, err := tracker.New(config.Tracker.ManifestPath)
	if err != nil {
		return fmt.Errorf("failed to initialize tracker: %v", err)
	}

	splitter, err := processor.NewSplitter(processor.SplitterConfig{
		ChunkSize:    config.Pipeline.ChunkSize,
		ChunkOverlap: config.Pipeline.ChunkOverlap,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize splitter: %v", err)
	}

	pipe, err := pipeline.New(loader.Default(), splitter, embedder, index, trk, pipeline.Config{
		Workers:        config.Pipeline.Workers,
		EmbedBatchSize: config.Pipeline.EmbedBatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %v", err)
	}

	engine, err := query.New(embedder, index, chatEngine, query.Config{})
	if err != nil {
		return fmt.Errorf("failed to initialize query engine: %v", err)
	}

	sweeper, err := cleanup.NewSweeper(cleanup.Config{
		Dir:           config.Storage.UploadDir,
		RetentionDays: config.Storage.RetentionDays,
	}, index, trk)
	if err != nil {
		return fmt.Errorf("failed to initialize cleanup: %v", err)
	}

	if f.sweep {
		return runSweep(ctx, sweeper)
	}

	if f.ingestDir != "" {
		if err := runIngest(ctx, pipe, index, f.ingestDir); err != nil {
			return err
		}
		if !f.serve {
			return nil
		}
	}

	if f.serve {
		srv, err := server.New(server.Config{
			Addr:      config.Server.Addr,
			UploadDir: config.Storage.UploadDir,
		}, pipe, engine, sweeper, trk, index)
		if err != nil {
			return fmt.Errorf("failed to initialize server: %v", err)
		}
		return srv.ListenAndServe()
	}

	return chatLoop(ctx, engine, index, config.UI.Streaming)
}

func newIndex(ctx context.Context, config *cfgPkg.Config) (types.VectorIndex, error) {
	switch config.Index.Backend {
	case "pgvector":
		return store.NewPgVectorIndex(ctx, store.PgVectorConfig{
			ConnString: config.Index.URL,
			TableName:  config.Index.TableName,
			VectorDim:  config.Index.VectorDim,
			BatchSize:  config.Index.BatchSize,
		})
	default:
		return store.NewMemoryIndex(store.MemoryConfig{
			VectorDim: config.Index.VectorDim,
			DataDir:   config.Index.DataDir,
		})
	}
}

func runIngest(ctx context.Context, pipe *pipeline.Pipeline, index types.VectorIndex, dir string) error {
	paths, err := pipe.Discover(dir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		color.Yellow("No supported documents found in %s", dir)
		return nil
	}

	color.Blue("\nIngesting %d documents from %s\n", len(paths), dir)
	bar := getProgressBar(len(paths), "Indexing documents...")

	report, err := pipe.SyncWithProgress(ctx, dir, func(path string, skipped bool, err error) {
		bar.Add(1)
	})
	bar.Finish()
	if err != nil {
		return err
	}

	color.Green("\n✓ Ingested %d documents (%d skipped) in %s\n",
		report.Processed, report.Skipped, report.Elapsed.Round(10*time.Millisecond))
	for _, failure := range report.Failed {
		color.Red("  failed %s: %s", failure.Path, failure.Error)
	}

	if err := index.Persist(ctx); err != nil {
		return fmt.Errorf("failed to persist index: %v", err)
	}
	return nil
}

func runSweep(ctx context.Context, sweeper *cleanup.Sweeper) error {
	report, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	color.Green("✓ Removed %d expired files", len(report.Removed))
	for _, e := range report.Errors {
		color.Red("  %s", e)
	}
	return nil
}

func chatLoop(ctx context.Context, engine *query.Engine, index types.VectorIndex, streaming bool) error {
	color.Cyan("\nChat with your knowledge base (type 'exit' to quit)")

	scanner := bufio.NewScanner(os.Stdin)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		question := strings.TrimSpace(scanner.Text())
		if question == "" {
			continue
		}
		if strings.ToLower(question) == "exit" {
			break
		}

		spinner := getSpinner("Searching knowledge base...")

		var result models.QueryResult
		var err error
		if streaming {
			spinner.Finish()
			fmt.Print("\r")
			assistantPrompt("\nAssistant: ")
			result, err = engine.AnswerStream(ctx, question, 0, func(token string) {
				fmt.Print(token)
			})
			fmt.Println()
		} else {
			result, err = engine.Answer(ctx, question, 0)
			spinner.Finish()
			fmt.Print("\r")
		}

		if err != nil {
			color.Red("Error: %v\n", err)
			continue
		}

		if !streaming {
			assistantPrompt("\nAssistant: ")
			fmt.Println(result.Answer)
		}

		if len(result.Sources) > 0 {
			color.HiBlack("Sources:")
			for _, src := range result.Sources {
				color.HiBlack("  %s (score %.3f)", src.Chunk.SourceID, src.Score)
			}
		}
	}

	return index.Persist(ctx)
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("docs"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
	)
}
