package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/memory"
)

var indexRemove []string

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index knowledge documents for draft retrieval",
	Long: "Indexes markdown, text or YAML article files (a file or a directory tree).\n" +
		"Without a path, knowledge.path from the config is used. A re-indexed\n" +
		"document replaces its previous version atomically.",
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringSliceVar(&indexRemove, "remove", nil, "document ids to remove instead of indexing")
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg, os.Stderr)

	tl, err := openTimeline(cfg)
	if err != nil {
		return err
	}
	defer tl.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if len(indexRemove) > 0 {
		kb, err := openKnowledge(ctx, cfg, tl, newProvider(cfg))
		if err != nil {
			return err
		}
		defer kb.Close()
		for _, id := range indexRemove {
			if err := kb.Index.Remove(ctx, id); err != nil {
				return fmt.Errorf("remove %s: %w", id, err)
			}
			okLine(out, "Removed", id)
		}
		return nil
	}

	path := cfg.Knowledge.Path
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no knowledge path given and knowledge.path is not set")
	}
	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("indexing needs provider.apiKey or OPENAI_API_KEY for embeddings")
	}

	docs, err := memory.LoadDocuments(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if len(docs) == 0 {
		failLine(out, "Documents", "nothing to index in "+path)
		return nil
	}

	kb, err := openKnowledge(ctx, cfg, tl, newProvider(cfg))
	if err != nil {
		return err
	}
	defer kb.Close()

	var failed int
	for _, doc := range docs {
		chunks, err := kb.Index.Index(ctx, doc)
		if err != nil {
			failed++
			failLine(out, doc.ID, err.Error())
			continue
		}
		okLine(out, doc.ID, fmt.Sprintf("%d chunks", len(chunks)))
	}
	fmt.Fprintf(out, "\nIndexed %d of %d documents, %d chunks total\n", len(docs)-failed, len(docs), kb.Index.Len())
	if failed > 0 {
		return fmt.Errorf("%d documents failed to index", failed)
	}
	return nil
}
