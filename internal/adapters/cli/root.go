package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/guidance-retrieval/internal/core/domain"
	"github.com/kirillkom/guidance-retrieval/internal/core/ports"
)

// IngestPublisher hands ingestion payloads to the worker queue.
type IngestPublisher interface {
	PublishIngest(ctx context.Context, payload domain.IngestPayload) error
}

// Services are the use cases a command may need. Nil members make the
// commands that depend on them fail with a clear error.
type Services struct {
	Searcher     ports.GuidanceSearcher
	Supersession ports.SupersessionService
	Publisher    IngestPublisher
}

// Connector builds services on demand so that help and flag errors never
// touch external systems. The returned func releases them.
type Connector func(ctx context.Context) (Services, func(), error)

var errNotConfigured = errors.New("service not configured")

func NewRootCommand(connect Connector) *cobra.Command {
	root := &cobra.Command{
		Use:           "guidancectl",
		Short:         "Operate the clinical guidance retrieval service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newQueryCommand(connect),
		newResolveCommand(connect),
		newSupersedeCommand(connect),
		newIngestCommand(connect),
	)
	return root
}

func withServices(cmd *cobra.Command, connect Connector, run func(context.Context, Services) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	services, release, err := connect(ctx)
	if err != nil {
		return err
	}
	if release != nil {
		defer release()
	}
	return run(ctx, services)
}

func parseDay(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "parse date", err)
	}
	return &t, nil
}
