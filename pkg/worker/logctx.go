package worker

import (
	"context"
	"log/slog"

	"github.com/conveyorhq/conveyor/pkg/queue"
)

type jobAttrsKey struct{}

type jobAttrs struct {
	jobID    string
	tenantID string
	jobType  string
	attempt  int
}

// withJobAttrs stamps the context handed to a handler with the job's
// identity, so every log line emitted under it carries the job fields
// without threading a derived logger through the call chain.
func withJobAttrs(ctx context.Context, job queue.Job) context.Context {
	return context.WithValue(ctx, jobAttrsKey{}, jobAttrs{
		jobID:    job.ID.String(),
		tenantID: job.TenantID,
		jobType:  job.JobType(),
		attempt:  job.Attempt,
	})
}

// LogExtractor surfaces the job attributes stamped by the worker onto log
// records. Pass it to logger.New or logger.NewWithSentry in any binary
// that runs a Worker.
func LogExtractor(ctx context.Context) (slog.Attr, bool) {
	attrs, ok := ctx.Value(jobAttrsKey{}).(jobAttrs)
	if !ok {
		return slog.Attr{}, false
	}
	return slog.Group("job",
		slog.String("job_id", attrs.jobID),
		slog.String("tenant_id", attrs.tenantID),
		slog.String("job_type", attrs.jobType),
		slog.Int("attempt", attrs.attempt),
	), true
}
