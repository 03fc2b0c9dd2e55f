package commands

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/google/dfdewey/internal/config"
	"github.com/google/dfdewey/pkg/datastore"
	"github.com/google/dfdewey/pkg/errors"
	"github.com/google/dfdewey/pkg/processor"
	"github.com/google/dfdewey/pkg/storage"
)

var (
	noBase64    bool
	noGzip      bool
	noZip       bool
	reparse     bool
	reindex     bool
	deleteImage bool
)

var processCmd = &cobra.Command{
	Use:   "process <case> <image>",
	Short: "Parse, extract and index an image for a case",
	Args:  cobra.ExactArgs(2),
	RunE:  runProcess,
}

func init() {
	processCmd.Flags().BoolVar(&noBase64, "no-base64", false, "don't decode base64 during extraction")
	processCmd.Flags().BoolVar(&noGzip, "no-gzip", false, "don't decompress gzip during extraction")
	processCmd.Flags().BoolVar(&noZip, "no-zip", false, "don't decompress zip during extraction")
	processCmd.Flags().BoolVar(&reparse, "reparse", false, "reparse filesystems, replacing the existing map")
	processCmd.Flags().BoolVar(&reindex, "reindex", false, "reindex strings, replacing the existing index")
	processCmd.Flags().BoolVar(&deleteImage, "delete", false, "remove the image from the case")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	caseID, imagePath := args[0], args[1]

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return errors.Wrap(err, "failed to create data directory")
	}

	if storage.IsS3URL(imagePath) {
		staged, err := storage.Stage(ctx, imagePath, filepath.Join(cfg.DataDir, "images"), cfg.S3Region)
		if err != nil {
			return errors.Wrap(err, "failed to stage image from S3")
		}
		imagePath = staged
	}
	imagePath, err = filepath.Abs(imagePath)
	if err != nil {
		return errors.Wrap(err, "failed to resolve image path")
	}

	imageID, err := processor.GetImageID(imagePath)
	if err != nil {
		return errors.Wrap(err, "failed to identify image")
	}
	slog.Info("image_identified", "image_path", imagePath, "image_id", imageID)

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

	options := processor.Options{
		Base64:  !noBase64,
		Gunzip:  !noGzip,
		Unzip:   !noZip,
		Reparse: reparse,
		Reindex: reindex,
		Delete:  deleteImage,
	}
	p := processor.New(cfg, store, index, caseID, imageID, imagePath, options)
	return p.ProcessImage(ctx)
}
