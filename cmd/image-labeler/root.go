package main

import (
	goflag "flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	imagelabeler "github.com/menta2k/image-labeler"
	"github.com/menta2k/image-labeler/internal/config"
)

// rootCommand creates the image-labeler command tree
func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "image-labeler",
		Short:         "Label images with a theme and a style and suggest new names",
		Version:       imagelabeler.GetVersion(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	d := config.Default()
	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file (YAML)")
	pf.Float64P("threshold", "t", d.Threshold, "confidence threshold between 0 and 1")
	pf.String("template", d.PromptTemplate, "prompt template, {} is replaced by each label")
	pf.Bool("strict-taxonomy", d.StrictTaxonomy, "label predictions outside the taxonomy as unknown")
	pf.String("backend", d.Classifier.Backend, "classifier backend: ollama, llamacpp or gemini")
	pf.String("url", d.Classifier.URL, "classifier server URL")
	pf.String("model", d.Classifier.Model, "model name")
	pf.String("api-key", "", "API key (gemini)")
	pf.Duration("timeout", d.Classifier.Timeout, "time limit for classifying one image")
	pf.Bool("skip-duplicates", d.Ingest.SkipDuplicates, "skip images that look like an earlier one")

	root.AddCommand(
		labelCommand(),
		serveCommand(),
		configCommand(),
		taxonomyCommand(),
	)
	return root
}

// loadConfig reads the configuration for cmd, honoring its flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path, cmd.Flags())
}
