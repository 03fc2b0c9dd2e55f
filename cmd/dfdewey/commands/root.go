package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "dfdewey",
	Short: "dfDewey - digital forensics string indexing and searching",
	Long:  `Indexes strings extracted from disk images and maps search hits back to the files allocated at their offsets.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	rootCmd.PersistentFlags().String("data-dir", filepath.Join(home, ".dfdewey"), "datastore directory")
	rootCmd.PersistentFlags().String("bulk-extractor", "bulk_extractor", "path to the bulk_extractor binary")
	rootCmd.PersistentFlags().Int("batch-size", 1500, "row batch size for filesystem map inserts")
	rootCmd.PersistentFlags().Int("flush-interval", 1000, "string records queued before an index flush")
	rootCmd.PersistentFlags().Int("search-size", 1000, "maximum search results returned per query")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region for s3:// image URLs")

	viper.BindPFlag("data-dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	viper.BindPFlag("bulk-extractor", rootCmd.PersistentFlags().Lookup("bulk-extractor"))
	viper.BindPFlag("batch-size", rootCmd.PersistentFlags().Lookup("batch-size"))
	viper.BindPFlag("flush-interval", rootCmd.PersistentFlags().Lookup("flush-interval"))
	viper.BindPFlag("search-size", rootCmd.PersistentFlags().Lookup("search-size"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
}
