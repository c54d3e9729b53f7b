package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <file>...",
	Short: "Validate workflow definition files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, path := range args {
			def, err := loadDefinitionFile(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s v%d ok (%d steps)\n", path, def.ID, def.Version, len(def.Steps))
		}
		return nil
	},
}
