// Command cli is the local developer entry point: ingest a report, ask
// questions about it and check the vector store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/DeafMist/sigma-rag/internal/app"
	"github.com/DeafMist/sigma-rag/internal/config"
	"github.com/DeafMist/sigma-rag/internal/logger"
)

// demoQuestions are asked when ask gets no arguments.
var demoQuestions = []string{
	"Give me a short and precise summary about the report.",
	"Can you tell me about the malicious use of Microsoft Word and COM objects?",
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c := &cli{log: logger.New("cli"), prompt: promptTerminal}
	if err := c.rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli holds state shared by the subcommands of one invocation.
type cli struct {
	log       *slog.Logger
	overrides app.Overrides
	prompt    func(name string) (string, error)

	collection string
	cfg        *config.Common
	svc        *app.Services
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "sigma-rag",
		Short:        "Ask questions about the Sigma matches of a VirusTotal report",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.collection, "collection", "c", "", "collection name (default $COLLECTION_NAME or virustotal_sigma)")

	root.AddCommand(c.ingestCmd(), c.askCmd(), c.checkCmd())
	return root
}

func (c *cli) ingestCmd() *cobra.Command {
	var hash string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Download a report and index its Sigma matches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.setup("VIRUSTOTAL_API_KEY"); err != nil {
				return err
			}
			if hash == "" {
				hash = c.cfg.Report.Hash
			}
			n, err := c.svc.Pipeline.Ingest(cmd.Context(), c.cfg.CollectionName, hash)
			if err != nil {
				return fmt.Errorf("ingest failed: %w", err)
			}
			cmd.Printf("Indexed %d records from %s into %q\n", n, hash, c.cfg.CollectionName)
			return nil
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "report hash (default $REPORT_HASH)")
	return cmd
}

func (c *cli) askCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask [question...]",
		Short: "Answer questions about the indexed report",
		Long: `Answers each question with the documents closest to it.
The collection is built from $REPORT_HASH on first use. Without arguments
two demo questions are asked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.setup("OPENAI_API_KEY"); err != nil {
				return err
			}
			ctx := cmd.Context()
			download, err := c.needsDownload(ctx)
			if err != nil {
				return err
			}
			if download && c.cfg.Report.APIKey == "" {
				if err := c.resolve("VIRUSTOTAL_API_KEY"); err != nil {
					return err
				}
				if err := c.build(); err != nil {
					return err
				}
			}
			if err := c.svc.Pipeline.EnsureCollection(ctx, c.cfg.CollectionName); err != nil {
				return fmt.Errorf("prepare collection: %w", err)
			}

			questions := args
			if len(questions) == 0 {
				questions = demoQuestions
			}
			for _, q := range questions {
				ans, err := c.svc.Engine.Answer(ctx, q)
				if err != nil {
					return fmt.Errorf("answer %q: %w", q, err)
				}
				cmd.Printf("Q: %s\nA: %s\n\n", ans.Question, ans.Answer)
			}
			return nil
		},
	}
}

func (c *cli) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the vector store connection and collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.setup(); err != nil {
				return err
			}
			ctx := cmd.Context()
			if err := c.svc.Store.Ping(ctx); err != nil {
				return fmt.Errorf("%s backend unreachable: %w", c.cfg.VectorBackend, err)
			}
			cmd.Printf("%s backend: ok\n", c.cfg.VectorBackend)

			exists, err := c.svc.Store.Exists(ctx, c.cfg.CollectionName)
			if err != nil {
				return err
			}
			if !exists {
				cmd.Printf("collection %q: missing\n", c.cfg.CollectionName)
				return nil
			}
			info, err := c.svc.Store.Describe(ctx, c.cfg.CollectionName)
			if err != nil {
				return err
			}
			cmd.Printf("collection %q: dim=%d metric=%s\n", info.Name, info.Dimension, info.Metric)
			return nil
		},
	}
}

// setup loads configuration, asks for missing keys and builds services.
func (c *cli) setup(required ...string) error {
	cfg, err := config.LoadCommon()
	if err != nil {
		return err
	}
	if c.collection != "" {
		cfg.CollectionName = c.collection
	}
	c.cfg = cfg

	if err := c.resolve(required...); err != nil {
		return err
	}
	return c.build()
}

// resolve prompts for every named key that is still empty.
func (c *cli) resolve(names ...string) error {
	for _, name := range names {
		target := credentialField(c.cfg, name)
		if target == nil || *target != "" {
			continue
		}
		value, err := c.prompt(name)
		if err != nil {
			return err
		}
		*target = value
	}
	return nil
}

func (c *cli) build() error {
	svc, err := app.Build(c.cfg, c.log, c.overrides)
	if err != nil {
		return err
	}
	c.svc = svc
	return nil
}

// needsDownload reports whether preparing the collection will call the
// report service.
func (c *cli) needsDownload(ctx context.Context) (bool, error) {
	exists, err := c.svc.Store.Exists(ctx, c.cfg.CollectionName)
	if err != nil {
		return false, err
	}
	return !exists && !c.svc.Reports.Cached(c.cfg.Report.Hash), nil
}

func credentialField(cfg *config.Common, name string) *string {
	switch name {
	case "VIRUSTOTAL_API_KEY":
		return &cfg.Report.APIKey
	case "OPENAI_API_KEY":
		return &cfg.LLM.APIKey
	}
	return nil
}

// promptTerminal reads a secret without echo. Outside a terminal a missing
// key is a configuration error.
func promptTerminal(name string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%w: %s", config.ErrMissingCredential, name)
	}
	fmt.Fprintf(os.Stderr, "%s: ", name)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	value := strings.TrimSpace(string(secret))
	if value == "" {
		return "", fmt.Errorf("%w: %s", config.ErrMissingCredential, name)
	}
	return value, nil
}
