package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// IdempotencyKeyHeader carries the client's idempotency key.
const IdempotencyKeyHeader = "Idempotency-Key"

const replayedHeader = "Idempotent-Replayed"

// CommandService submits state-changing commands.
type CommandService struct {
	c *Client
}

// CommandOptions controls one submission.
type CommandOptions struct {
	// IdempotencyKey deduplicates retries. When empty a random key is
	// generated so transient failures can be retried safely.
	IdempotencyKey string
}

func (o *CommandOptions) key() string {
	if o != nil && o.IdempotencyKey != "" {
		return o.IdempotencyKey
	}
	return uuid.NewString()
}

// Execute submits cmd.
func (s *CommandService) Execute(ctx context.Context, cmd Command, opts *CommandOptions) (*CommandResult, error) {
	return s.submit(ctx, "/api/v1/commands", cmd, opts)
}

// CreateRecord submits record.create.
func (s *CommandService) CreateRecord(ctx context.Context, recordType string, data any, opts *CommandOptions) (*CommandResult, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal record data: %w", err)
	}
	return s.record(ctx, ActionRecordCreate, RecordPayload{RecordType: recordType, Data: raw}, opts)
}

// UpdateRecord submits record.update against expectedVersion.
func (s *CommandService) UpdateRecord(
	ctx context.Context, recordID string, expectedVersion int64, data any, opts *CommandOptions,
) (*CommandResult, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal record data: %w", err)
	}
	return s.record(ctx, ActionRecordUpdate, RecordPayload{RecordID: recordID, ExpectedVersion: expectedVersion, Data: raw}, opts)
}

// DeleteRecord submits record.delete against expectedVersion.
func (s *CommandService) DeleteRecord(ctx context.Context, recordID string, expectedVersion int64, opts *CommandOptions) (*CommandResult, error) {
	return s.record(ctx, ActionRecordDelete, RecordPayload{RecordID: recordID, ExpectedVersion: expectedVersion}, opts)
}

func (s *CommandService) record(ctx context.Context, action string, p RecordPayload, opts *CommandOptions) (*CommandResult, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return s.Execute(ctx, Command{Action: action, Payload: raw}, opts)
}

func (s *CommandService) submit(ctx context.Context, path string, body any, opts *CommandOptions) (*CommandResult, error) {
	header := http.Header{}
	header.Set(IdempotencyKeyHeader, opts.key())

	var res CommandResult
	resp, err := s.c.do(ctx, request{method: http.MethodPost, path: path, body: body, header: header}, &res)
	if err != nil {
		return nil, err
	}

	res.Replayed = resp.header.Get(replayedHeader) == "true"

	return &res, nil
}
