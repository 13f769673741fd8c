package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/cobra"

	"scrapeline/internal/document"
	"scrapeline/internal/rules"
)

type selectFlags struct {
	inputFlags
	selector string
	xpath    bool
	text     bool
}

func newSelectCmd(d *deps) *cobra.Command {
	var f selectFlags
	cmd := &cobra.Command{
		Use:   "select",
		Short: "print matches for a selector.",
		Long:  "Debug a selector: print the outer HTML (or, with --text, the text) of every match, separated by blank lines.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelect(cmd.Context(), d, f)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&f.selector, "selector", "s", "", "CSS selector (XPath with --xpath)")
	cmd.Flags().BoolVar(&f.xpath, "xpath", false, "treat --selector as XPath")
	cmd.Flags().BoolVar(&f.text, "text", false, "print text instead of outer HTML")
	return cmd
}

func runSelect(ctx context.Context, d *deps, f selectFlags) error {
	if strings.TrimSpace(f.selector) == "" {
		return usageErr("missing --selector")
	}
	doc, err := loadDocument(ctx, d, f.inputFlags)
	if err != nil {
		return err
	}

	kind := rules.CSS
	if f.xpath {
		kind = rules.XPath
	}
	sel, err := doc.Select(doc.Root(), kind, f.selector)
	if err != nil {
		return usageErr("selector: %w", err)
	}
	printMatches(d.Stdout, sel, f.text)
	return nil
}

func printMatches(w io.Writer, sel *goquery.Selection, textOnly bool) {
	sel.Each(func(_ int, s *goquery.Selection) {
		if textOnly {
			fmt.Fprintln(w, document.VisibleText(s))
			fmt.Fprintln(w)
			return
		}
		out, err := goquery.OuterHtml(s)
		if err != nil {
			out, _ = s.Html()
		}
		fmt.Fprintln(w, out)
		fmt.Fprintln(w)
	})
}
