package models_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/persistorai/custodian/internal/models"
)

func assertNoError(t *testing.T, err error) {
	t.Helper()

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func assertErrorContains(t *testing.T, err error, want string) {
	t.Helper()

	if err == nil {
		t.Fatalf("expected error containing %q, got nil", want)
	}

	if !strings.Contains(err.Error(), want) {
		t.Errorf("expected error containing %q, got %q", want, err.Error())
	}
}

func cmd(action models.Action, payload string) models.Command {
	return models.Command{Action: action, Payload: json.RawMessage(payload)}
}

const recordID = "6f1c1f3e-8f7a-4a53-9a43-6b3b0f8c2d11"

func TestCommand_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     models.Command
		wantErr string
	}{
		{name: "create", cmd: cmd(models.ActionRecordCreate, `{"record_type":"evidence","data":{"a":1}}`)},
		{name: "create with id", cmd: cmd(models.ActionRecordCreate, `{"record_type":"evidence","record_id":"`+recordID+`","data":{}}`)},
		{name: "create missing type", cmd: cmd(models.ActionRecordCreate, `{"data":{}}`), wantErr: "record_type is required"},
		{name: "create missing data", cmd: cmd(models.ActionRecordCreate, `{"record_type":"evidence"}`), wantErr: "data must be a JSON value"},
		{name: "create bad id", cmd: cmd(models.ActionRecordCreate, `{"record_type":"x","record_id":"nope","data":{}}`), wantErr: "record_id must be a valid UUID"},
		{name: "update", cmd: cmd(models.ActionRecordUpdate, `{"record_type":"evidence","record_id":"`+recordID+`","expected_version":2,"data":{"b":2}}`)},
		{name: "update missing version", cmd: cmd(models.ActionRecordUpdate, `{"record_type":"evidence","record_id":"`+recordID+`","data":{}}`), wantErr: "expected_version"},
		{name: "update missing type", cmd: cmd(models.ActionRecordUpdate, `{"record_id":"`+recordID+`","expected_version":2,"data":{}}`), wantErr: "record_type is required"},
		{name: "delete", cmd: cmd(models.ActionRecordDelete, `{"record_type":"evidence","record_id":"`+recordID+`","expected_version":1}`)},
		{name: "export default kind", cmd: cmd(models.ActionExportRequest, `{"filters":{"from_seq":1,"to_seq":10}}`)},
		{name: "export bad bounds", cmd: cmd(models.ActionExportRequest, `{"filters":{"from_seq":10,"to_seq":1}}`), wantErr: "from_seq must not exceed to_seq"},
		{name: "export unknown kind", cmd: cmd(models.ActionExportRequest, `{"kind":"pdf"}`), wantErr: "unsupported export kind"},
		{name: "cancel", cmd: cmd(models.ActionExportCancel, `{"job_id":"`+recordID+`"}`)},
		{name: "cancel bad id", cmd: cmd(models.ActionExportCancel, `{"job_id":"x"}`), wantErr: "job_id must be a valid UUID"},
		{name: "missing payload", cmd: cmd(models.ActionRecordCreate, ``), wantErr: "payload is required"},
		{name: "malformed payload", cmd: cmd(models.ActionRecordCreate, `{`), wantErr: "payload is not valid JSON"},
		{name: "missing action", cmd: cmd("", `{}`), wantErr: "action is required"},
		{name: "unknown action", cmd: cmd("billing.charge", `{}`), wantErr: "unknown action"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.wantErr == "" {
				assertNoError(t, err)
				return
			}

			assertErrorContains(t, err, tt.wantErr)

			if models.KindOf(err) != models.KindValidation {
				t.Errorf("kind = %q, want validation", models.KindOf(err))
			}
		})
	}
}

func TestCommand_UnknownActionCode(t *testing.T) {
	err := cmd("billing.charge", `{}`).Validate()
	if got := models.CodeOf(err); got != models.CodeUnknownAction {
		t.Errorf("code = %q, want %q", got, models.CodeUnknownAction)
	}
}

func TestJobState(t *testing.T) {
	tests := []struct {
		state    models.JobState
		terminal bool
		claimed  bool
	}{
		{models.JobQueued, false, false},
		{models.JobPreparing, false, true},
		{models.JobGenerating, false, true},
		{models.JobUploading, false, true},
		{models.JobReady, true, false},
		{models.JobFailed, true, false},
		{models.JobCancelled, true, false},
	}

	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}

		if got := tt.state.IsClaimed(); got != tt.claimed {
			t.Errorf("%s.IsClaimed() = %v, want %v", tt.state, got, tt.claimed)
		}

		if !tt.state.Valid() {
			t.Errorf("%s.Valid() = false", tt.state)
		}
	}

	if models.JobState("paused").Valid() {
		t.Error("unknown state reported valid")
	}
}

func TestJobState_NextWalksHappyPath(t *testing.T) {
	s := models.JobQueued
	var path []models.JobState

	for {
		next, ok := s.Next()
		if !ok {
			break
		}

		path = append(path, next)
		s = next
	}

	want := []models.JobState{models.JobPreparing, models.JobGenerating, models.JobUploading, models.JobReady}
	if fmt.Sprint(path) != fmt.Sprint(want) {
		t.Errorf("path = %v, want %v", path, want)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		kind  models.ErrorKind
		code  string
		retry bool
	}{
		{"validation", models.NewValidationError("", "bad"), models.KindValidation, models.CodeValidation, false},
		{"authorization", models.NewAuthorizationError(models.CodeReadOnlyRole, "no"), models.KindAuthorization, models.CodeReadOnlyRole, false},
		{"conflict", models.NewConflictError("", "stale"), models.KindConflict, models.CodeVersionConflict, true},
		{"idempotency", models.NewIdempotencyConflict("abc"), models.KindIdempotencyConflict, models.CodeIdempotencyInProgress, true},
		{"storage", models.NewStorageError("insert", errors.New("boom")), models.KindStorage, models.CodeStorageUnavailable, true},
		{"corruption", &models.CorruptionError{TenantID: "t", Seq: 3, Reason: "hash mismatch"}, models.KindCorruption, models.CodeLedgerCorruption, false},
		{"not found", models.NewNotFoundError("job"), models.KindNotFound, models.CodeNotFound, false},
		{"wrapped", fmt.Errorf("outer: %w", models.NewConflictError("", "x")), models.KindConflict, models.CodeVersionConflict, true},
		{"plain", errors.New("plain"), "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := models.KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf = %q, want %q", got, tt.kind)
			}

			if got := models.CodeOf(tt.err); got != tt.code {
				t.Errorf("CodeOf = %q, want %q", got, tt.code)
			}

			if got := models.IsRetryable(tt.err); got != tt.retry {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retry)
			}
		})
	}
}

func TestNotFoundWrapsSentinel(t *testing.T) {
	err := fmt.Errorf("loading job: %w", models.NewNotFoundError("export job"))
	if !errors.Is(err, models.ErrNotFound) {
		t.Error("expected errors.Is(err, ErrNotFound)")
	}
}

func TestCorruptionError_Message(t *testing.T) {
	err := &models.CorruptionError{TenantID: "t1", Seq: 3, Reason: "entry_hash mismatch"}
	assertErrorContains(t, err, "seq 3")

	err = &models.CorruptionError{TenantID: "t1", Period: "2026-01-02", Reason: "merkle root mismatch"}
	assertErrorContains(t, err, "period 2026-01-02")
}
