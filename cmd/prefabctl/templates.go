package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"prefabcore/internal/core"
	"prefabcore/pkg/domain"
)

func newLoadCommand(a *app) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "load PATH...",
		Short: "Register template files and every template they nest",
		Long: `Load reads each template file relative to --root, follows the Source of
every nested instance and registers the templates and links. Paths already
registered are reused.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.loadAll(cmd.Context(), root, args)
			if err != nil {
				return err
			}
			for _, p := range args {
				t, err := svc.FindTemplateByPath(p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\ttemplate %s\n", t.Path, t.ID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d templates, %d links registered\n", len(svc.ListTemplates()), len(svc.ListLinks()))
			return nil
		},
	}
	cmd.Flags().StringVarP(&root, "root", "r", ".", "directory template paths are relative to")
	return cmd
}

func newTreeCommand(a *app) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "tree [PATH...]",
		Short: "Print the nesting tree of registered templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.loadAll(cmd.Context(), root, args)
			if err != nil {
				return err
			}
			templates := svc.ListTemplates()
			if len(templates) == 0 {
				return errNoTemplates
			}
			printTree(cmd.OutOrStdout(), templates, svc.ListLinks())
			return nil
		},
	}
	cmd.Flags().StringVarP(&root, "root", "r", ".", "directory template paths are relative to")
	return cmd
}

// printTree writes every template nobody nests as a tree root, followed by
// its nested instances as "alias -> path" lines.
func printTree(w io.Writer, templates []core.Template, links []core.Link) {
	byID := make(map[domain.TemplateID]core.Template, len(templates))
	nested := make(map[domain.TemplateID][]core.Link)
	targeted := make(map[domain.TemplateID]bool)
	for _, t := range templates {
		byID[t.ID] = t
	}
	for _, l := range links {
		nested[l.Source] = append(nested[l.Source], l)
		targeted[l.Target] = true
	}
	for id := range nested {
		sort.Slice(nested[id], func(i, j int) bool { return nested[id][i].Alias < nested[id][j].Alias })
	}
	var walk func(id domain.TemplateID, depth int)
	walk = func(id domain.TemplateID, depth int) {
		for _, l := range nested[id] {
			fmt.Fprintf(w, "%s%s -> %s\n", strings.Repeat("  ", depth), l.Alias, byID[l.Target].Path)
			walk(l.Target, depth+1)
		}
	}
	for _, t := range templates {
		if targeted[t.ID] {
			continue
		}
		fmt.Fprintln(w, t.Path)
		walk(t.ID, 1)
	}
}

func newExportCommand(a *app) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "export PATH",
		Short: "Print a template in its on-disk form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.loadAll(cmd.Context(), root, args)
			if err != nil {
				return err
			}
			t, err := svc.FindTemplateByPath(args[0])
			if err != nil {
				return err
			}
			doc, err := svc.ExportTemplate(cmd.Context(), t.ID)
			if err != nil {
				return err
			}
			return writeDocument(cmd.OutOrStdout(), doc)
		},
	}
	cmd.Flags().StringVarP(&root, "root", "r", ".", "directory template paths are relative to")
	return cmd
}
