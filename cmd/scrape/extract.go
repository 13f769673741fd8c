package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"scrapeline/internal/config"
	"scrapeline/internal/document"
	"scrapeline/internal/engine"
	"scrapeline/internal/fetch"
	"scrapeline/internal/rules"
)

// inputFlags are shared by extract and select.
type inputFlags struct {
	url     string
	charset string
	base    string
	timeout time.Duration
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "", "fetch HTML from URL instead of stdin")
	cmd.Flags().StringVar(&f.charset, "charset", "", "override the document charset")
	cmd.Flags().StringVar(&f.base, "base", "", "base URL for resolving links when reading stdin")
	cmd.Flags().DurationVar(&f.timeout, "timeout", fetch.DefaultTimeout, "timeout for --url fetch")
}

// loadDocument reads stdin or fetches --url and parses the result.
func loadDocument(ctx context.Context, d *deps, f inputFlags) (*document.Document, error) {
	if f.url == "" {
		body, err := io.ReadAll(d.Stdin)
		if err != nil {
			return nil, runtimeErr("read stdin: %w", err)
		}
		doc, err := document.Parse(body, f.charset, f.base)
		if err != nil {
			return nil, runtimeErr("parse: %w", err)
		}
		return doc, nil
	}

	transport := d.Transport
	if transport == nil {
		transport = fetch.NewRestyTransport(fetch.RestyOptions{})
	}
	fetcher, err := fetch.New(fetch.Options{Transport: transport})
	if err != nil {
		return nil, runtimeErr("%w", err)
	}
	resp, err := fetcher.Fetch(ctx, fetch.Request{
		URL:        f.url,
		Timeout:    f.timeout,
		MaxRetries: fetch.DefaultMaxRetries,
	})
	if err != nil {
		return nil, runtimeErr("fetch: %w", err)
	}

	declared := f.charset
	if declared == "" {
		declared = resp.ContentType()
	}
	doc, err := document.Parse(resp.Body, declared, resp.FinalURL)
	if err != nil {
		return nil, runtimeErr("parse: %w", err)
	}
	return doc, nil
}

type extractFlags struct {
	inputFlags
	rules string
	set   string
	dir   string
}

func newExtractCmd(d *deps) *cobra.Command {
	var f extractFlags
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "extract records from one document or a directory.",
		Long: "Apply a rule set to HTML from stdin, --url, or every file in --dir. " +
			"List-mode rule sets print a JSON array; single-mode rule sets print one object. " +
			"Directory mode prints one JSON array with a source_file field on every record.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtract(cmd.Context(), d, f)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.rules, "rules", "", "path to a rule-set file (.yaml, .yml, .json, .toml)")
	cmd.Flags().StringVar(&f.set, "set", "", "rule set id; optional when the file holds exactly one")
	cmd.Flags().StringVar(&f.dir, "dir", "", "directory of HTML files to extract from")
	return cmd
}

func runExtract(ctx context.Context, d *deps, f extractFlags) error {
	if f.rules == "" {
		return usageErr("missing --rules")
	}
	sets, err := rules.LoadFile(f.rules)
	if err != nil {
		return usageErr("load rules: %w", err)
	}
	rs, err := pickRuleSet(sets, f.set)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(d.Stdout)
	enc.SetEscapeHTML(false)

	if f.dir != "" {
		log, _, err := setupLogger(d.Stderr, config.LogConfig{Level: "warn"}, false)
		if err != nil {
			return runtimeErr("%w", err)
		}
		if err := streamFromDir(d.Stdout, f.dir, rs, f.charset, enc, log); err != nil {
			return runtimeErr("dir extract: %w", err)
		}
		return nil
	}

	doc, err := loadDocument(ctx, d, f.inputFlags)
	if err != nil {
		return err
	}
	records, err := engine.Extract(doc, rs)
	if err != nil {
		return runtimeErr("extract: %w", err)
	}

	var out any = records
	if !rs.ListMode() {
		out = records[0]
	} else if records == nil {
		out = []engine.Record{}
	}
	if err := enc.Encode(out); err != nil {
		return runtimeErr("encode json: %w", err)
	}
	return nil
}

func pickRuleSet(sets map[string]*rules.RuleSet, id string) (*rules.RuleSet, error) {
	if id != "" {
		rs, ok := sets[id]
		if !ok {
			return nil, usageErr("unknown rule set %q (have: %s)", id, strings.Join(ruleSetIDs(sets), ", "))
		}
		return rs, nil
	}
	if len(sets) != 1 {
		return nil, usageErr("--set is required when the file holds %d rule sets (%s)", len(sets), strings.Join(ruleSetIDs(sets), ", "))
	}
	for _, rs := range sets {
		return rs, nil
	}
	return nil, errors.New("unreachable")
}

func ruleSetIDs(sets map[string]*rules.RuleSet) []string {
	ids := make([]string, 0, len(sets))
	for id := range sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// streamFromDir writes a single JSON array to w with one element per
// extracted record, each tagged with source_file.
//
//   - files are visited in name order
//   - unreadable files and files failing extraction are skipped with a warning
//   - list-mode rule sets may emit several records per file
func streamFromDir(w io.Writer, dir string, rs *rules.RuleSet, charset string, enc *json.Encoder, log *zap.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	if _, err := io.WriteString(w, "["); err != nil {
		return fmt.Errorf("write [: %w", err)
	}

	first := true
	emit := func(rec engine.Record) error {
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return fmt.Errorf("write comma: %w", err)
			}
		}
		first = false
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		return nil
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		full := filepath.Join(dir, name)

		b, err := os.ReadFile(full)
		if err != nil {
			log.Warn("skip file", zap.String("file", name), zap.Error(err))
			continue
		}
		doc, err := document.Parse(b, charset, "")
		if err != nil {
			log.Warn("skip file", zap.String("file", name), zap.Error(err))
			continue
		}
		records, err := engine.Extract(doc, rs)
		if err != nil {
			log.Warn("skip file", zap.String("file", name), zap.Error(err))
			continue
		}
		for _, rec := range records {
			src := name
			rec = append(rec, engine.Field{Name: "source_file", Value: &src})
			if err := emit(rec); err != nil {
				return err
			}
		}
	}

	if _, err := io.WriteString(w, "]"); err != nil {
		return fmt.Errorf("write ]: %w", err)
	}
	return nil
}
