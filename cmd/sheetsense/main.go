package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quilldesk/sheetsense/internal/assistant"
	"github.com/quilldesk/sheetsense/internal/catalog"
	"github.com/quilldesk/sheetsense/internal/completion"
	"github.com/quilldesk/sheetsense/internal/config"
	"github.com/quilldesk/sheetsense/internal/maintenance"
	"github.com/quilldesk/sheetsense/internal/memory"
	"github.com/quilldesk/sheetsense/internal/search"
	"github.com/quilldesk/sheetsense/internal/workbook"
)

// app bundles the wired components behind one Close.
type app struct {
	cfg       *config.Config
	store     *memory.Store
	history   *memory.History
	assistant *assistant.Assistant
}

func newApp(cfg *config.Config) (*app, error) {
	if cfg.Completion.APIKey == "" {
		return nil, fmt.Errorf("API key not set. Run 'sheetsense onboard' or set SHEETSENSE_API_KEY / OPENAI_API_KEY")
	}

	store, err := memory.NewStore(cfg.Memory.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	cat, err := catalog.LoadEmbedded()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load function catalog: %w", err)
	}

	embedder := memory.NewEmbedder(memory.EmbedderOptions{
		Provider:  cfg.Embedding.Provider,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   time.Duration(cfg.Embedding.TimeoutMs) * time.Millisecond,
	})

	chunker := memory.NewChunker(memory.ChunkerOptions{
		MaxTokens: cfg.Memory.ChunkMaxTokens,
		Known: func(name string) bool {
			_, ok := cat.Lookup(name)
			return ok
		},
		Advanced: cat.IsAdvanced,
	})
	history := memory.NewHistory(store, chunker, embedder, memory.HistoryOptions{
		WindowTokenBudget: cfg.Memory.WindowTokenBudget,
		EmbeddingModel:    cfg.Embedding.Model,
	})

	orchestrator := search.NewOrchestrator(history, store, embedder, cat, search.Options{
		CatalogLimit:       cfg.Search.CatalogLimit,
		SemanticLimit:      cfg.Search.SemanticLimit,
		ContextTokenBudget: cfg.Search.ContextTokenBudget,
		QueryTimeout:       time.Duration(cfg.Search.TimeoutMs) * time.Millisecond,
	})

	completer := completion.NewClient(completion.ClientOptions{
		BaseURL:     cfg.Completion.BaseURL,
		APIKey:      cfg.Completion.APIKey,
		Model:       cfg.Completion.Model,
		MaxTokens:   cfg.Completion.MaxTokens,
		Temperature: cfg.Completion.Temperature,
		Timeout:     time.Duration(cfg.Completion.TimeoutMs) * time.Millisecond,
	})

	return &app{
		cfg:       cfg,
		store:     store,
		history:   history,
		assistant: assistant.New(store, history, orchestrator, completer, assistant.Options{}),
	}, nil
}

func (a *app) Close() {
	a.history.Close()
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "close store: %v\n", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sheetsense",
	Short: "sheetsense - spreadsheet formula assistant",
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask a question in single message or REPL mode",
	RunE:  runChat,
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Embed stored chunks that are missing vectors",
	RunE:  runBackfill,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and data directory",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sheetsense status",
	RunE:  runStatus,
}

var (
	messageFlag      string
	userFlag         string
	conversationFlag string
	workbookFlag     string
	watchFlag        bool
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	chatCmd.Flags().StringVarP(&userFlag, "user", "u", "local", "User ID owning the conversation")
	chatCmd.Flags().StringVarP(&conversationFlag, "conversation", "c", "", "Conversation ID to continue")
	chatCmd.Flags().StringVarP(&workbookFlag, "workbook", "w", "", "Path to a workbook snapshot JSON file")
	backfillCmd.Flags().BoolVar(&watchFlag, "watch", false, "Keep running and sweep on the configured schedule")
	rootCmd.AddCommand(chatCmd, backfillCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ChatOptions for running chat with custom dependencies
type ChatOptions struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func runChat(cmd *cobra.Command, args []string) error {
	return runChatWithOptions(ChatOptions{})
}

func runChatWithOptions(opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	var snapshot *workbook.Snapshot
	if workbookFlag != "" {
		snapshot, err = loadSnapshot(workbookFlag)
		if err != nil {
			return fmt.Errorf("load workbook snapshot: %w", err)
		}
	}

	ctx := context.Background()
	conversationID := conversationFlag

	// Single message mode
	if messageFlag != "" {
		reply, err := a.assistant.Turn(ctx, userFlag, conversationID, messageFlag, snapshot)
		if err != nil {
			return fmt.Errorf("chat error: %w", err)
		}
		fmt.Fprintln(stdout, reply.Text)
		return nil
	}

	// REPL mode
	fmt.Fprintln(stdout, "sheetsense chat (type 'exit' to quit)")
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		reply, err := a.assistant.Turn(ctx, userFlag, conversationID, input, snapshot)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			continue
		}
		conversationID = reply.ConversationID
		fmt.Fprintln(stdout, reply.Text)
	}
	return nil
}

func runBackfill(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := memory.NewStore(cfg.Memory.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	embedder := memory.NewEmbedder(memory.EmbedderOptions{
		Provider:  cfg.Embedding.Provider,
		BaseURL:   cfg.Embedding.BaseURL,
		APIKey:    cfg.Embedding.APIKey,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Embedding.Dimension,
		BatchSize: cfg.Embedding.BatchSize,
		Timeout:   time.Duration(cfg.Embedding.TimeoutMs) * time.Millisecond,
	})

	sweep := func(ctx context.Context) (int, error) {
		return store.BackfillEmbeddings(ctx, embedder, cfg.Embedding.Model, cfg.Maintenance.BackfillBatchSize)
	}

	if !watchFlag {
		n, err := sweep(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Embedded %d chunks\n", n)
		return nil
	}

	svc := maintenance.NewService(sweep, maintenance.Options{
		Schedule: cfg.Maintenance.BackfillSchedule,
	})
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	fmt.Printf("Backfill sweep running on schedule %q, press Ctrl-C to stop\n", cfg.Maintenance.BackfillSchedule)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store, err := memory.NewStore(cfg.Memory.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	if err := store.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	fmt.Printf("Database ready: %s\n", cfg.Memory.DBPath)

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key\n", cfgPath)
	fmt.Println("  2. Or set SHEETSENSE_API_KEY environment variable")
	fmt.Println("  3. Run 'sheetsense chat -m \"How does VLOOKUP work?\"' to test")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.Completion.Model)
	fmt.Printf("Embedding: %s/%s (dim %d)\n", cfg.Embedding.Provider, cfg.Embedding.Model, cfg.Embedding.Dimension)
	if cfg.Completion.APIKey != "" && len(cfg.Completion.APIKey) > 8 {
		masked := cfg.Completion.APIKey[:4] + "..." + cfg.Completion.APIKey[len(cfg.Completion.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Completion.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}

	if _, err := os.Stat(cfg.Memory.DBPath); err != nil {
		fmt.Printf("Database: not found at %s (run 'sheetsense onboard')\n", cfg.Memory.DBPath)
		return nil
	}
	fmt.Printf("Database: %s\n", cfg.Memory.DBPath)

	store, err := memory.NewStore(cfg.Memory.DBPath)
	if err != nil {
		fmt.Printf("Database: error (%v)\n", err)
		return nil
	}
	defer store.Close()

	if convs, err := store.ListConversations(userFlag, 5); err == nil && len(convs) > 0 {
		fmt.Printf("Recent conversations (%s):\n", userFlag)
		for _, conv := range convs {
			fmt.Printf("  %s  %s\n", conv.ID, conv.Title)
		}
	}
	return nil
}

// snapshotCell is the JSON shape of one cell in a workbook snapshot file.
type snapshotCell struct {
	Sheet   string `json:"sheet"`
	Address string `json:"address"`
	Formula string `json:"formula"`
}

func loadSnapshot(path string) (*workbook.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cells []snapshotCell
	if err := json.Unmarshal(data, &cells); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	snapshot := &workbook.Snapshot{Cells: make([]workbook.Cell, 0, len(cells))}
	for _, c := range cells {
		snapshot.Cells = append(snapshot.Cells, workbook.Cell{
			Sheet:   c.Sheet,
			Address: c.Address,
			Formula: c.Formula,
		})
	}
	return snapshot, nil
}
