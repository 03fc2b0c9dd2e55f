package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/google/dfdewey/internal/config"
	"github.com/google/dfdewey/pkg/datastore"
	"github.com/google/dfdewey/pkg/errors"
	"github.com/google/dfdewey/pkg/processor"
	"github.com/google/dfdewey/pkg/searcher"
)

var (
	searchQuery string
	searchList  string
	highlight   bool
	jsonOutput  bool
)

var searchCmd = &cobra.Command{
	Use:   "search <case> [image]",
	Short: "Search the indexed strings of a case or a single image",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&searchQuery, "search", "s", "", "search query")
	searchCmd.Flags().StringVar(&searchList, "search-list", "", "file with one search term per line")
	searchCmd.Flags().BoolVar(&highlight, "highlight", false, "highlight matches in results")
	searchCmd.Flags().BoolVar(&jsonOutput, "json", false, "output results as JSON")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	if searchQuery == "" && searchList == "" {
		return errors.Wrap(os.ErrInvalid, "either --search or --search-list is required")
	}

	caseID := args[0]
	imagePath := "all"
	if len(args) == 2 {
		imagePath = args[1]
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	imageID := ""
	if imagePath != "all" {
		imagePath, err = filepath.Abs(imagePath)
		if err != nil {
			return errors.Wrap(err, "failed to resolve image path")
		}
		imageID, err = processor.GetImageID(imagePath)
		if err != nil {
			return errors.Wrap(err, "failed to identify image")
		}
	}

	store, err := datastore.NewSQLiteDataStore(cfg.DataDir)
	if err != nil {
		return errors.Wrap(err, "datastore init failed")
	}
	defer store.Close()

	index, err := datastore.NewBleveDataStore(cfg.IndexDir(), cfg.FlushInterval)
	if err != nil {
		return errors.Wrap(err, "index store init failed")
	}
	defer index.Close()

	s, err := searcher.New(store, index, caseID, imageID, imagePath, cfg.SearchSize, jsonOutput, os.Stdout)
	if err != nil {
		return errors.Wrap(err, "searcher init failed")
	}

	if searchList != "" {
		return s.ListSearch(searchList)
	}
	return s.Search(searchQuery, highlight)
}
