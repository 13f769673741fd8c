package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"scrapeline/internal/engine"
	"scrapeline/internal/paging"
	"scrapeline/internal/rules"
)

type pagesFlags struct {
	inputFlags
	rules      string
	set        string
	hrefField  string
	countField string
	perPage    int
	format     string
}

func newPagesCmd(d *deps) *cobra.Command {
	var f pagesFlags
	cmd := &cobra.Command{
		Use:   "pages",
		Short: "print paginated URLs from a listing page.",
		Long: "Extract listing records (an href and an item count each) and print the listing URL " +
			"plus one URL per further page, deduplicated. The output can feed the targets of a job.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPages(cmd.Context(), d, f)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.rules, "rules", "", "path to a rule-set file")
	cmd.Flags().StringVar(&f.set, "set", "", "rule set id; optional when the file holds exactly one")
	cmd.Flags().StringVar(&f.hrefField, "href-field", paging.DefaultHrefField, "record field holding the listing URL")
	cmd.Flags().StringVar(&f.countField, "count-field", paging.DefaultCountField, "record field holding the item count")
	cmd.Flags().IntVar(&f.perPage, "per-page", paging.DefaultPerPage, "items per page")
	cmd.Flags().StringVar(&f.format, "format", paging.DefaultFormat, "page URL format, given the href and the page number")
	return cmd
}

func runPages(ctx context.Context, d *deps, f pagesFlags) error {
	if f.rules == "" {
		return usageErr("missing --rules")
	}
	if f.perPage <= 0 {
		return usageErr("--per-page must be > 0")
	}
	sets, err := rules.LoadFile(f.rules)
	if err != nil {
		return usageErr("load rules: %w", err)
	}
	rs, err := pickRuleSet(sets, f.set)
	if err != nil {
		return err
	}

	doc, err := loadDocument(ctx, d, f.inputFlags)
	if err != nil {
		return err
	}
	records, err := engine.Extract(doc, rs)
	if err != nil {
		return runtimeErr("extract: %w", err)
	}

	urls, err := paging.Expand(records, paging.Options{
		HrefField:  f.hrefField,
		CountField: f.countField,
		PerPage:    f.perPage,
		Format:     f.format,
		Base:       doc.BaseURL,
	})
	if err != nil {
		return usageErr("%w", err)
	}
	for _, u := range urls {
		if _, err := fmt.Fprintln(d.Stdout, u); err != nil {
			return runtimeErr("write: %w", err)
		}
	}
	return nil
}
