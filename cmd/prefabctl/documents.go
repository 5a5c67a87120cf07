package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"prefabcore/pkg/dom"
	"prefabcore/pkg/patch"
)

func newDiffCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "diff BEFORE AFTER",
		Short:   "Print the patch that turns one document into another",
		Example: `  prefabctl diff Child.prefab Child.edited.prefab`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			before, err := readDocument(args[0])
			if err != nil {
				return err
			}
			after, err := readDocument(args[1])
			if err != nil {
				return err
			}
			v, err := patch.Diff(before, after).ToValue()
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), v)
		},
	}
}

func newApplyCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "apply DOCUMENT PATCH",
		Short:   "Apply a JSON patch file to a document and print the result",
		Example: `  prefabctl apply Child.prefab rename.patch.json`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readDocument(args[0])
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			pv, err := dom.Parse(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", args[1], err)
			}
			p, err := patch.FromValue(pv)
			if err != nil {
				return fmt.Errorf("%s: %w", args[1], err)
			}
			out, err := patch.Apply(doc, p)
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), out)
		},
	}
}
