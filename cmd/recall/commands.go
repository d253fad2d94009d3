package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/recallos/recall/internal/config"
	"github.com/recallos/recall/internal/extract"
	"github.com/recallos/recall/internal/memstore"
	"github.com/recallos/recall/internal/storage"
)

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest content into the memory store",
	Long: `Ingest content into the memory store.

Examples:
  recall ingest --text "I prefer Go for backend services"
  recall ingest --file ./notes.pdf
  recall ingest --image ./screenshot.png --ocr "visible text"
  recall ingest --url https://example.com/article --text "page body"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		image, _ := cmd.Flags().GetString("image")
		pageURL, _ := cmd.Flags().GetString("url")
		ocr, _ := cmd.Flags().GetString("ocr")
		source, _ := cmd.Flags().GetString("source")
		async, _ := cmd.Flags().GetBool("async")

		if text == "" && file == "" && image == "" {
			return fmt.Errorf("one of --text, --file, or --image is required")
		}

		rec := map[string]any{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		}
		attrs := map[string]string{}

		switch {
		case image != "":
			data, err := os.ReadFile(image)
			if err != nil {
				return fmt.Errorf("reading image: %w", err)
			}
			rec["content_type"] = storage.TypeImage
			rec["source"] = storage.SourceScreenshot
			rec["image_data"] = data
			rec["raw_path"] = image
			if ocr != "" {
				attrs["ocr_text"] = ocr
			}
		case file != "":
			doc, err := extract.File(file)
			if err != nil {
				return fmt.Errorf("extracting %s: %w", file, err)
			}
			rec["content_type"] = storage.TypeFile
			rec["source"] = storage.SourceFilesystem
			rec["text"] = doc.Text
			rec["raw_path"] = file
			attrs["filename"] = filepath.Base(file)
			if doc.Title != "" {
				attrs["title"] = doc.Title
			}
		default:
			rec["content_type"] = storage.TypeText
			rec["source"] = storage.SourceClipboard
			rec["text"] = text
		}

		if pageURL != "" {
			rec["content_type"] = storage.TypeURL
			rec["source"] = storage.SourceBrowser
			attrs["url"] = pageURL
		}
		if source != "" {
			rec["source"] = source
		}
		if len(attrs) > 0 {
			rec["attributes"] = attrs
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/ingest"
		if async {
			path += "?async=1"
		}
		resp, err := client.post(cmd.Context(), path, rec)
		if err != nil {
			return err
		}

		if async {
			var queued map[string]string
			if err := decodeJSON(resp, &queued); err != nil {
				return err
			}
			printSuccess("Queued job %s", queued["job_id"])
			return nil
		}

		var result memstore.Result
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Status == memstore.StatusDuplicateSkipped {
			printWarning("Already stored as %s", result.ItemID)
			return nil
		}
		printSuccess("Stored %s (%d text, %d visual chunks)", result.ItemID, result.TextChunks, result.VisualChunks)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("text", "", "text content to ingest")
	ingestCmd.Flags().String("file", "", "file to extract and ingest (pdf, html, or plain text)")
	ingestCmd.Flags().String("image", "", "image file to ingest into the visual index")
	ingestCmd.Flags().String("url", "", "source URL for the content")
	ingestCmd.Flags().String("ocr", "", "recognized text to index alongside an image")
	ingestCmd.Flags().String("source", "", "override the capture source (browser, clipboard, filesystem, screenshot, ...)")
	ingestCmd.Flags().Bool("async", false, "queue the record for the background worker")
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search stored memories by similarity",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		modality, _ := cmd.Flags().GetString("modality")
		source, _ := cmd.Flags().GetString("source")
		contentType, _ := cmd.Flags().GetString("type")
		since, _ := cmd.Flags().GetString("since")

		params := url.Values{}
		params.Set("q", query)
		params.Set("k", fmt.Sprintf("%d", limit))
		if modality != "" {
			params.Set("modality", modality)
		}
		if source != "" {
			params.Set("source", source)
		}
		if contentType != "" {
			params.Set("content_type", contentType)
		}
		if since != "" {
			params.Set("since", since)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/search?"+params.Encode())
		if err != nil {
			return err
		}

		var results []memstore.SearchResult
		if err := decodeJSON(resp, &results); err != nil {
			return err
		}

		if len(results) == 0 {
			printWarning("No matching memories")
			return nil
		}

		for i, r := range results {
			header := fmt.Sprintf("%d. [%s/%s] %s", i+1, r.Item.ContentType, r.Item.Source, r.Item.CreatedAt.Local().Format("2006-01-02 15:04"))
			fmt.Printf("%s  %s\n", colorize(colorBold, header), colorize(colorCyan, fmt.Sprintf("score %.3f", r.Score)))
			payload := r.Chunk.Text
			if payload == "" {
				payload = r.Item.Preview
			}
			fmt.Printf("   %s\n", dim(payload))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.Flags().String("modality", "", "search modality: text, visual, or both")
	searchCmd.Flags().String("source", "", "filter by capture source")
	searchCmd.Flags().String("type", "", "filter by content type")
	searchCmd.Flags().String("since", "", "only results captured after this RFC3339 timestamp")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show memory store counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}

		var stats memstore.Stats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printStatus("Items", "%d", stats.Items)
		printStatus("Text chunks", "%d (%d vectors)", stats.TextChunks, stats.TextVectors)
		printStatus("Visual chunks", "%d (%d vectors)", stats.VisualChunks, stats.VisualVectors)
		return nil
	},
}

// --- flush ---

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Persist the vector indices to disk now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/flush", nil)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("server returned %d", resp.StatusCode)
		}

		printSuccess("Indices flushed")
		return nil
	},
}

// --- rebuild ---

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild both vector indices from the metadata store",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Rebuilding indices (re-embeds every stored chunk)...")
		resp, err := client.post(cmd.Context(), "/rebuild", nil)
		if err != nil {
			return err
		}

		var stats memstore.Stats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}

		printSuccess("Rebuilt: %d text vectors, %d visual vectors", stats.TextVectors, stats.VisualVectors)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
