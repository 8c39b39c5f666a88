package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liliang-cn/vectrix"
	"github.com/liliang-cn/vectrix/pkg/kernel"
)

var (
	rootPath  string
	namespace string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "vectrix",
	Short: "CLI tool for the vectrix embedded vector database",
	Long:  `A command-line interface for managing namespaced vector collections backed by SQLite.`,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a vectrix database directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB(context.Background())
		if err != nil {
			return err
		}
		defer db.Close()
		fmt.Printf("vectrix database initialized at %s\n", rootPath)
		return nil
	},
}

var namespaceCmd = &cobra.Command{
	Use:   "namespace",
	Short: "Manage namespaces",
}

var namespaceCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new namespace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dim, _ := cmd.Flags().GetInt("dimensions")
		metric, _ := cmd.Flags().GetString("metric")

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.CreateNamespace(ctx, args[0], dim, kernel.Metric(metric)); err != nil {
			return fmt.Errorf("failed to create namespace: %w", err)
		}
		fmt.Printf("namespace %q created (dim=%d, metric=%s)\n", args[0], dim, metric)
		return nil
	},
}

var namespaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all namespaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		rows, err := db.ListNamespaces(ctx)
		if err != nil {
			return fmt.Errorf("failed to list namespaces: %w", err)
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			data, _ := json.MarshalIndent(rows, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Namespaces (%d):\n", len(rows))
		for _, r := range rows {
			fmt.Printf("  %s (dim=%d, metric=%s, vectors=%d)\n", r.Name, r.Config.Dimension, r.Config.DistanceMetric, r.Stats.VectorCount)
		}
		return nil
	},
}

var namespaceDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a namespace and its vectors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		if !force {
			fmt.Printf("Are you sure you want to delete namespace %q? This deletes all vectors in it. [y/N]: ", args[0])
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("Cancelled.")
				return nil
			}
		}
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DeleteNamespace(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete namespace: %w", err)
		}
		fmt.Printf("namespace %q deleted\n", args[0])
		return nil
	},
}

var vectorCmd = &cobra.Command{
	Use:   "vector",
	Short: "Manage vectors",
}

var vectorAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add or replace a vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		metadataStr, _ := cmd.Flags().GetString("metadata")

		if vectorStr == "" {
			return fmt.Errorf("vector is required")
		}
		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		var metadata map[string]any
		if metadataStr != "" {
			if err := json.Unmarshal([]byte(metadataStr), &metadata); err != nil {
				return fmt.Errorf("invalid metadata JSON: %w", err)
			}
		}

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.AddVector(ctx, namespace, args[0], vector, metadata); err != nil {
			return fmt.Errorf("failed to add vector: %w", err)
		}
		fmt.Printf("vector %q added to namespace %q\n", args[0], namespace)
		return nil
	},
}

var vectorGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get a vector by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		rec, err := db.GetVector(ctx, namespace, args[0])
		if err != nil {
			return fmt.Errorf("failed to get vector: %w", err)
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			data, _ := json.MarshalIndent(rec, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("ID: %s\n", rec.ID)
		fmt.Printf("Dimensions: %d\n", len(rec.Values))
		fmt.Printf("Access count: %d\n", rec.AccessCount)
		fmt.Printf("Metadata: %v\n", rec.Metadata)
		return nil
	},
}

var vectorDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a vector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.DeleteVector(ctx, namespace, args[0]); err != nil {
			return fmt.Errorf("failed to delete vector: %w", err)
		}
		fmt.Printf("vector %q deleted\n", args[0])
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search for similar vectors",
	RunE: func(cmd *cobra.Command, args []string) error {
		vectorStr, _ := cmd.Flags().GetString("vector")
		k, _ := cmd.Flags().GetInt("top-k")

		vector, err := parseVector(vectorStr)
		if err != nil {
			return err
		}

		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		results, err := db.Search(ctx, namespace, vector, k, vectrix.SearchOptions{IncludeMetadata: true})
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			data, _ := json.MarshalIndent(results, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Found %d results:\n", len(results))
		for i, r := range results {
			fmt.Printf("%d. %s (score: %.4f, distance: %.4f)\n", i+1, r.ID, r.Score, r.Distance)
		}
		return nil
	},
}

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage a namespace's HNSW index",
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the HNSW index from the backing store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.RebuildIndex(ctx, namespace); err != nil {
			return fmt.Errorf("rebuild failed: %w", err)
		}
		fmt.Println("index rebuilt")
		return nil
	},
}

var indexStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display index statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		stats, err := db.IndexStats(ctx, namespace)
		if err != nil {
			return fmt.Errorf("failed to get index stats: %w", err)
		}
		fmt.Printf("Total nodes: %d\n", stats.TotalNodes)
		fmt.Printf("Active nodes: %d\n", stats.ActiveNodes)
		fmt.Printf("Deleted nodes: %d\n", stats.DeletedNodes)
		fmt.Printf("Total edges: %d\n", stats.TotalEdges)
		fmt.Printf("Max layer: %d\n", stats.MaxLayer)
		return nil
	},
}

func parseVector(str string) ([]float32, error) {
	var vector []float32
	for _, part := range strings.Split(str, ",") {
		val, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid vector format: %w", err)
		}
		vector = append(vector, float32(val))
	}
	return vector, nil
}

func openDB(ctx context.Context) (*vectrix.DB, error) {
	cfg := vectrix.DefaultConfig()
	cfg.RootPath = rootPath
	return vectrix.Open(ctx, cfg)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootPath, "root", "d", "./vectrix-data", "Database root directory")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "default", "Namespace to operate on")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	namespaceCmd.AddCommand(namespaceCreateCmd, namespaceListCmd, namespaceDeleteCmd)
	namespaceCreateCmd.Flags().Int("dimensions", 0, "Vector dimensions")
	namespaceCreateCmd.Flags().String("metric", "cosine", "Distance metric (cosine/euclidean/manhattan/dot/hamming/jaccard)")
	namespaceCreateCmd.MarkFlagRequired("dimensions")
	namespaceListCmd.Flags().Bool("json", false, "Output as JSON")
	namespaceDeleteCmd.Flags().Bool("force", false, "Skip confirmation prompt")

	vectorCmd.AddCommand(vectorAddCmd, vectorGetCmd, vectorDeleteCmd)
	vectorAddCmd.Flags().String("vector", "", "Vector values (comma-separated)")
	vectorAddCmd.Flags().String("metadata", "", "Metadata as JSON")
	vectorAddCmd.MarkFlagRequired("vector")
	vectorGetCmd.Flags().Bool("json", false, "Output as JSON")

	searchCmd.Flags().String("vector", "", "Query vector (comma-separated)")
	searchCmd.Flags().Int("top-k", 10, "Number of results")
	searchCmd.Flags().Bool("json", false, "Output as JSON")
	searchCmd.MarkFlagRequired("vector")

	indexCmd.AddCommand(indexRebuildCmd, indexStatsCmd)

	rootCmd.AddCommand(initCmd, namespaceCmd, vectorCmd, searchCmd, indexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
