package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"document-qa/internal/chromemdb"
	"document-qa/internal/chunker"
	"document-qa/internal/config"
	"document-qa/internal/db"
	"document-qa/internal/embedding"
	"document-qa/internal/helper"
	"document-qa/internal/index"
	"document-qa/internal/llmservice"
	"document-qa/internal/models"
	"document-qa/internal/parser"
	"document-qa/internal/rag"
	"document-qa/internal/server"
	"document-qa/internal/sqlitedb"
)

const configFilePath = "./configs/config.yaml"

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", configFilePath, "Path to the config file")
	filePath := flag.String("file", "", "Path to the document file")
	query := flag.String("query", "", "Question to be answered")
	indexID := flag.String("index", "", "ID of a stored index to query")
	serve := flag.Bool("serve", false, "Start the HTTP server")
	list := flag.Bool("list", false, "List stored indexes")
	dryRun := flag.Bool("dry-run", false, "Build the index but do not save it")
	reset := flag.Bool("reset", false, "Drop and recreate the postgres index tables")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}
	setupLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *reset {
		if err := resetDatabase(ctx, cfg); err != nil {
			log.Fatal().Err(err).Msg("Error resetting database")
		}
		return
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening index store")
	}
	defer store.Close()

	if *list {
		listIndexes(ctx, store)
		return
	}

	pipeline, err := newPipeline(cfg, store)
	if err != nil {
		log.Fatal().Err(err).Msg("Error initializing pipeline")
	}

	switch {
	case *serve:
		if err := server.New(pipeline, cfg.Server).Run(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server stopped")
		}
	case *filePath != "" && *query != "":
		answerOnce(ctx, pipeline, *filePath, *query)
	case *filePath != "":
		ingest(ctx, pipeline, *filePath, *dryRun)
	case *indexID != "" && *query != "":
		if !helper.ValidUUID(*indexID) {
			log.Fatal().Str("index_id", *indexID).Msg("Index id must be a UUID")
		}
		resp, err := pipeline.Ask(ctx, *indexID, *query)
		if err != nil {
			log.Fatal().Err(err).Msg("Error querying")
		}
		printAnswer(resp)
	default:
		log.Fatal().Msg("Please provide -file to build an index, -file with -query for a one-off answer, -index with -query, -list or -serve")
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()
}

func openStore(ctx context.Context, cfg *config.Config) (index.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return db.Open(ctx, cfg.Database)
	case "sqlite":
		return sqlitedb.NewStore(cfg.Storage.SQLitePath)
	default:
		return chromemdb.NewStore(cfg.Storage.Path, cfg.RAG.Compress, cfg.RAG.EncryptionKey)
	}
}

func resetDatabase(ctx context.Context, cfg *config.Config) error {
	if cfg.Storage.Backend != "postgres" {
		return errors.New("-reset only applies to the postgres backend")
	}
	sqldb, err := db.ConnectDB(cfg.Database)
	if err != nil {
		return err
	}
	bunDB := db.NewDB(sqldb, cfg.Database.Debug)
	defer bunDB.Close()

	if err := db.DropTables(ctx, bunDB); err != nil {
		return err
	}
	if err := db.InitDB(ctx, bunDB); err != nil {
		return err
	}
	log.Info().Msg("Recreated index tables")
	return nil
}

func newPipeline(cfg *config.Config, store index.Store) (*rag.Pipeline, error) {
	splitter, err := chunker.New(cfg.RAG)
	if err != nil {
		return nil, err
	}
	embedder, err := embedding.NewEmbedder(cfg.EmbedLLM)
	if err != nil {
		return nil, fmt.Errorf("error initializing embedder: %w", err)
	}
	llm, err := llmservice.NewLLM(cfg.LLM)
	if err != nil {
		return nil, err
	}
	return rag.NewPipeline(cfg, parser.New(cfg.RAG.StagingDir), splitter, embedder, llm, store), nil
}

func ingest(ctx context.Context, p *rag.Pipeline, filePath string, dryRun bool) {
	upload, f, err := parser.OpenUpload(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening document")
	}
	defer f.Close()

	if dryRun {
		idx, err := p.Build(ctx, upload)
		if err != nil {
			log.Fatal().Err(err).Msg("Error building index")
		}
		helper.PrettyPrint(idx.Manifest())
		return
	}

	id, err := p.Ingest(ctx, upload)
	if err != nil {
		log.Fatal().Err(err).Msg("Error ingesting document")
	}
	fmt.Printf("Index: %s\n", color.New(color.FgGreen, color.Bold).Sprint(id))
}

func answerOnce(ctx context.Context, p *rag.Pipeline, filePath, question string) {
	upload, f, err := parser.OpenUpload(filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error opening document")
	}
	defer f.Close()

	resp, err := p.AnswerOnce(ctx, upload, question)
	if err != nil {
		log.Fatal().Err(err).Msg("Error answering")
	}
	printAnswer(resp)
}

func listIndexes(ctx context.Context, store index.Store) {
	manifests, err := store.List(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Error listing indexes")
	}
	boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	for _, m := range manifests {
		fmt.Printf("%s  %-30s %4d chunks  %s  %s\n", boldCyan(m.ID), m.Source, m.Entries, m.EmbeddingModel, m.CreatedAt.Local().Format(time.DateTime))
	}
}

func printAnswer(resp *models.PromptResponse) {
	boldGreen := color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()

	fmt.Println(boldGreen("Query:"))
	fmt.Printf("%s\n\n", resp.Query)
	fmt.Println(boldGreen("Source:"))
	fmt.Printf("%s\n\n", resp.Source)
	fmt.Println(boldGreen("Assistant:"))
	fmt.Printf("%s\n\n", resp.Content)
	fmt.Printf("%s %s\n", boldCyan("took"), resp.Duration.Round(time.Millisecond))
}
