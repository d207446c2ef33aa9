package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const artifactHashHeader = "X-Artifact-SHA256"

// ExportService requests and downloads evidence exports.
type ExportService struct {
	c *Client
}

type exportRequest struct {
	Kind    string        `json:"kind,omitempty"`
	Filters ExportFilters `json:"filters"`
}

// Request queues an export of the entries matching filters. The returned
// result's TargetID is the job ID.
func (s *ExportService) Request(ctx context.Context, filters ExportFilters, opts *CommandOptions) (*CommandResult, error) {
	return s.c.Commands.submit(ctx, "/api/v1/exports", exportRequest{Filters: filters}, opts)
}

// Cancel asks for a job to be cancelled. Cancellation of a claimed job is
// observed by its worker at the next stage boundary.
func (s *ExportService) Cancel(ctx context.Context, jobID string, opts *CommandOptions) (*CommandResult, error) {
	return s.c.Commands.submit(ctx, "/api/v1/exports/"+url.PathEscape(jobID)+"/cancel", struct{}{}, opts)
}

// List returns a page of the tenant's jobs.
func (s *ExportService) List(ctx context.Context, opts *ListOptions) ([]ExportJob, bool, error) {
	var resp page[ExportJob]
	if err := s.c.get(ctx, "/api/v1/exports", listParams(opts), &resp); err != nil {
		return nil, false, err
	}
	return resp.Items, resp.HasMore, nil
}

// Get returns one job.
func (s *ExportService) Get(ctx context.Context, jobID string) (*ExportJob, error) {
	var job ExportJob
	if err := s.c.get(ctx, "/api/v1/exports/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Wait polls until the job reaches a terminal state or ctx ends.
func (s *ExportService) Wait(ctx context.Context, jobID string, interval time.Duration) (*ExportJob, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Artifact is a downloaded export archive.
type Artifact struct {
	Body io.ReadCloser
	// SHA256 is the hex digest the server recorded for the archive.
	SHA256 string
	Size   int64
}

// Download opens the archive of a ready job. The caller closes Body.
func (s *ExportService) Download(ctx context.Context, jobID string) (*Artifact, error) {
	resp, err := s.c.stream(ctx, "/api/v1/exports/"+url.PathEscape(jobID)+"/artifact")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return &Artifact{Body: resp.Body, SHA256: resp.Header.Get(artifactHashHeader), Size: resp.ContentLength}, nil
}
