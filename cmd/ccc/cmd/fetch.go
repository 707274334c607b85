package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"computecannon/pkg/files"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <manifest> [output...]",
	Short: "Download outputs recorded in a manifest",
	Long: `Rematerialize output files recorded by "ccc run --manifest". Remote outputs
are downloaded again from where the job left them; outputs that were
local carry their content in the manifest.

Without output names every output in the manifest is fetched.`,
	Example: `  ccc run --engine remote --manifest out.json -- "make report.pdf"
  ccc fetch out.json report.pdf -o .`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read manifest: %w", err)
		}
		refs, err := files.UnmarshalMap(data)
		if err != nil {
			return fmt.Errorf("invalid manifest %s: %w", args[0], err)
		}

		names := args[1:]
		if len(names) == 0 {
			for name := range refs {
				names = append(names, name)
			}
			sort.Strings(names)
		}

		list, _ := cmd.Flags().GetBool("list")
		outputDir, _ := cmd.Flags().GetString("output-dir")
		for _, name := range names {
			ref, ok := refs[name]
			if !ok {
				return fmt.Errorf("output %s is not in the manifest", name)
			}
			if list {
				cmd.Printf("%s\t%s\n", name, ref.Source())
				continue
			}
			dst, err := putOutput(ref, outputDir, name)
			if err != nil {
				return err
			}
			cmd.Printf("%s -> %s\n", name, dst)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringP("output-dir", "o", ".", "directory to write outputs to")
	fetchCmd.Flags().BoolP("list", "l", false, "list the outputs and where they come from")
}
