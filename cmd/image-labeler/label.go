package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	imagelabeler "github.com/menta2k/image-labeler"
	"github.com/menta2k/image-labeler/internal/utils"
	"github.com/menta2k/image-labeler/pkg/export"
	"github.com/menta2k/image-labeler/pkg/ingest"
	"github.com/menta2k/image-labeler/pkg/naming"
)

func labelCommand() *cobra.Command {
	var manifestPath, archivePath string

	cmd := &cobra.Command{
		Use:   "label <dir|file>...",
		Short: "Classify images and print or export their new names",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			l, err := imagelabeler.New(cfg)
			if err != nil {
				return err
			}

			inputs, err := ingest.LoadFiles(args)
			if err != nil {
				return err
			}
			res, err := l.Ingest(inputs)
			if err != nil {
				return err
			}
			for _, s := range res.Skipped {
				klog.Warningf("Skipped %s: %s", s.Name, s.Reason)
			}
			if len(res.Added) == 0 {
				return fmt.Errorf("no images found in %v", args)
			}

			sum, err := l.ClassifyPending(cmd.Context())
			if err != nil {
				return err
			}
			klog.Infof("Classified %d images (%s)", len(res.Added), sum)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tORIGINAL\tNEW NAME\tTHEME\tSTYLE\tCONF")
			for _, e := range l.Snapshot() {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s (%s)\t%s (%s)\t%s\n",
					e.Ordinal, e.OriginalName, e.Name(),
					e.Theme, naming.FormatConfidence(e.ThemeScore()),
					e.Style, naming.FormatConfidence(e.StyleScore()),
					export.FormatConfidence(export.Confidence(e)))
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if manifestPath != "" {
				if err := writeFile(manifestPath, l.WriteManifest); err != nil {
					return err
				}
				klog.Infof("Wrote %s", manifestPath)
			}
			if archivePath != "" {
				if err := writeFile(archivePath, l.WriteArchive); err != nil {
					return err
				}
				if fi, err := os.Stat(archivePath); err == nil {
					klog.Infof("Wrote %s (%s)", archivePath, utils.FormatFileSize(fi.Size()))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "write the CSV manifest to this file")
	cmd.Flags().StringVarP(&archivePath, "archive", "a", "", "write the renamed images as a ZIP to this file")
	return cmd
}

func writeFile(path string, write func(w io.Writer) error) error {
	if err := utils.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
