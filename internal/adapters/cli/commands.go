package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
)

func newQueryCommand(connect Connector) *cobra.Command {
	var (
		toolContext       string
		organizations     []string
		documentTypes     []string
		topics            []string
		entity            string
		after, before     string
		includeSuperseded bool
		limit             int
		asJSON            bool
	)

	cmd := &cobra.Command{
		Use:   "query [text]",
		Short: "Run a guidance query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			effectiveAfter, err := parseDay(after)
			if err != nil {
				return err
			}
			effectiveBefore, err := parseDay(before)
			if err != nil {
				return err
			}
			req := domain.QueryRequest{
				Query:              args[0],
				ToolContext:        toolContext,
				Hints:              domain.QueryHints{EntityName: entity},
				OrganizationFilter: organizations,
				DocumentTypeFilter: documentTypes,
				TopicFilter:        topics,
				IncludeSuperseded:  includeSuperseded,
				EffectiveAfter:     effectiveAfter,
				EffectiveBefore:    effectiveBefore,
				ResultCount:        limit,
			}

			return withServices(cmd, connect, func(ctx context.Context, s Services) error {
				if s.Searcher == nil {
					return fmt.Errorf("query: %w", errNotConfigured)
				}
				resp, err := s.Searcher.Search(ctx, req)
				if err != nil {
					return fmt.Errorf("query failed: %w", err)
				}
				if asJSON {
					return printJSON(cmd, resp)
				}
				printResponse(cmd, resp)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&toolContext, "tool", "", "tool context of the caller")
	f.StringSliceVar(&organizations, "org", nil, "restrict to organizations")
	f.StringSliceVar(&documentTypes, "type", nil, "restrict to document types")
	f.StringSliceVar(&topics, "topic", nil, "require any of these topics")
	f.StringVar(&entity, "entity", "", "entity name hint")
	f.StringVar(&after, "after", "", "effective on or after YYYY-MM-DD")
	f.StringVar(&before, "before", "", "effective on or before YYYY-MM-DD")
	f.BoolVar(&includeSuperseded, "include-superseded", false, "keep superseded documents")
	f.IntVarP(&limit, "limit", "n", 0, "maximum number of results")
	f.BoolVar(&asJSON, "json", false, "print the raw response")
	return cmd
}

func newResolveCommand(connect Connector) *cobra.Command {
	var chain bool

	cmd := &cobra.Command{
		Use:   "resolve [document-id]",
		Short: "Show the current version of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd, connect, func(ctx context.Context, s Services) error {
				if s.Supersession == nil {
					return fmt.Errorf("resolve: %w", errNotConfigured)
				}
				if chain {
					ids, err := s.Supersession.Chain(ctx, args[0])
					if err != nil {
						return fmt.Errorf("resolve chain: %w", err)
					}
					cmd.Println(strings.Join(ids, " -> "))
					return nil
				}
				current, err := s.Supersession.ResolveCurrent(ctx, args[0])
				if err != nil {
					return fmt.Errorf("resolve: %w", err)
				}
				cmd.Println(current)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&chain, "chain", false, "print the whole supersession chain")
	return cmd
}

func newSupersedeCommand(connect Connector) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "supersede [old-id] [new-id]",
		Short: "Record that one document replaces another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now().UTC()
			if at != "" {
				parsed, err := parseDay(at)
				if err != nil {
					return err
				}
				when = *parsed
			}
			return withServices(cmd, connect, func(ctx context.Context, s Services) error {
				if s.Supersession == nil {
					return fmt.Errorf("supersede: %w", errNotConfigured)
				}
				if err := s.Supersession.MarkSuperseded(ctx, args[0], args[1], when); err != nil {
					return fmt.Errorf("supersede: %w", err)
				}
				cmd.Printf("%s superseded by %s\n", args[0], args[1])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "supersession date YYYY-MM-DD (default today)")
	return cmd
}

func newIngestCommand(connect Connector) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [payload.json]",
		Short: "Queue an ingestion payload for the worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read payload: %w", err)
			}
			var payload domain.IngestPayload
			if err := json.Unmarshal(raw, &payload); err != nil {
				return domain.WrapError(domain.ErrInvalidInput, "decode payload", err)
			}
			return withServices(cmd, connect, func(ctx context.Context, s Services) error {
				if s.Publisher == nil {
					return fmt.Errorf("ingest: %w", errNotConfigured)
				}
				if err := s.Publisher.PublishIngest(ctx, payload); err != nil {
					return fmt.Errorf("publish payload: %w", err)
				}
				cmd.Printf("queued %s\n", args[0])
				return nil
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func printResponse(cmd *cobra.Command, resp *domain.QueryResponse) {
	cmd.Printf("route=%s confidence=%.2f provenance=%s", resp.Route, resp.Confidence, strings.Join(resp.Provenance, ","))
	if resp.Degraded {
		cmd.Print(" degraded")
	}
	cmd.Println()

	if len(resp.Results) == 0 {
		cmd.Println("No results found.")
	}
	for i, r := range resp.Results {
		cmd.Printf("  [%d] %s (%.2f) %s %s\n", i+1, r.DocumentID, r.RelevanceScore, r.SourceOrg, r.DocumentType)
		if r.Heading != "" {
			cmd.Printf("      %s\n", r.Heading)
		}
		if r.IsSuperseded {
			cmd.Printf("      superseded, current: %s\n", r.CurrentDocumentID)
		}
	}
	for _, c := range resp.Conflicts {
		cmd.Printf("  conflict %s.%s: sql=%q vector=%q\n", c.DocumentID, c.Field, c.StructuredValue, c.SimilarityValue)
	}
	for _, w := range resp.Warnings {
		cmd.Printf("  warning: %s\n", w)
	}
}
