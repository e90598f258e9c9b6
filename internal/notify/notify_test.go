package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/johndauphine/erp-aps-sync/internal/config"
	"github.com/johndauphine/erp-aps-sync/internal/store/storetest"
	"github.com/johndauphine/erp-aps-sync/internal/syncerr"
)

func TestSummarize(t *testing.T) {
	long := strings.Repeat("x", 250)
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "unknown error"},
		{"no colon", errors.New("  timeout  "), "timeout"},
		{"leading clause", errors.New("ORA-00942: table or view does not exist"), "ORA-00942"},
		{"innermost cause", &syncerr.LoadError{EntityName: "itens", Cause: fmt.Errorf("upsert: %w", errors.New("deadlock victim"))}, "deadlock victim"},
		{"capped", errors.New(long), strings.Repeat("x", 200) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.err); got != tt.want {
				t.Errorf("Summarize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	r := FailureReport{
		FailedStage: syncerr.StageExtract,
		Entity:      "estoque",
		Cause:       &syncerr.ExtractionError{EntityName: "estoque", Cause: errors.New("ORA-01017: invalid username/password")},
	}
	want := "Falha identificada durante: extract (estoque)\n\nErro: ORA-01017"
	if got := Message(r); got != want {
		t.Errorf("Message() = %q, want %q", got, want)
	}

	if got := (FailureReport{FailedStage: syncerr.StageReverseSync}).Context(); got != "reverse_sync" {
		t.Errorf("Context() = %q", got)
	}
}

func TestSlackCycleFailed(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#aps"})
	err := n.CycleFailed(context.Background(), FailureReport{
		RunID:       "abc12345",
		CycleStart:  time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC),
		FailedStage: syncerr.StageLoad,
		Entity:      "recursos",
		Cause:       errors.New("constraint violation"),
	})
	if err != nil {
		t.Fatalf("CycleFailed() error: %v", err)
	}

	if got.Channel != "#aps" || got.Username != "erp-aps-sync" {
		t.Errorf("message header = %+v", got)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(got.Attachments))
	}
	fields := map[string]string{}
	for _, f := range got.Attachments[0].Fields {
		fields[f.Title] = f.Value
	}
	if fields["Stage"] != "load" || fields["Entity"] != "recursos" || fields["Run ID"] != "abc12345" {
		t.Errorf("fields = %v", fields)
	}
}

func TestSlackErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL})
	if err := n.CycleFailed(context.Background(), FailureReport{}); err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestSlackDisabled(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	tests := []struct {
		name string
		cfg  *config.SlackConfig
	}{
		{"nil config", nil},
		{"disabled", &config.SlackConfig{WebhookURL: srv.URL}},
		{"no webhook", &config.SlackConfig{Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(tt.cfg)
			if n.IsEnabled() {
				t.Error("IsEnabled() = true")
			}
			if err := n.CycleFailed(context.Background(), FailureReport{}); err != nil {
				t.Error(err)
			}
		})
	}

	done := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL})
	if err := done.CycleCompleted(context.Background(), Summary{}); err != nil {
		t.Error(err)
	}
	if calls != 0 {
		t.Errorf("webhook called %d times, want 0", calls)
	}
}

func TestSummarizeKeepsRunesWhole(t *testing.T) {
	msg := strings.Repeat("a", 199) + "ção falhou"
	got := Summarize(errors.New(msg))
	if !utf8.ValidString(got) {
		t.Fatalf("Summarize() produced invalid UTF-8: %q", got)
	}
	if want := strings.Repeat("a", 199) + "..."; got != want {
		t.Errorf("Summarize() = %q, want %q", got, want)
	}
}

func TestSlackCycleCompleted(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
	}))
	defer srv.Close()

	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL, NotifyDone: true, Username: "aps-bot"})
	err := n.CycleCompleted(context.Background(), Summary{
		RunID:      "abc12345",
		Duration:   93 * time.Second,
		Entities:   12,
		RowsLoaded: 1234567,
		RowsCopied: 42,
	})
	if err != nil {
		t.Fatalf("CycleCompleted() error: %v", err)
	}
	if got.Username != "aps-bot" {
		t.Errorf("Username = %q, want aps-bot", got.Username)
	}
	if !strings.Contains(got.Text, "1,234,567 rows across 12 entities") {
		t.Errorf("Text = %q", got.Text)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Fields[2].Value != "1m33s" {
		t.Errorf("attachments = %+v", got.Attachments)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 3); got != "abc..." {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("abc", 3); got != "abc" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("ação", 2); got != "a..." {
		t.Errorf("truncate() = %q, want cut before the split rune", got)
	}
}

func TestProcedureCycleFailed(t *testing.T) {
	s := storetest.New()
	var args []any
	s.OnExec("CALL PC_SEND_MAIL", func(a []any) (int64, error) {
		args = a
		return 0, nil
	})

	p := NewProcedure(s, config.AlertProcedureConfig{
		Enabled:   true,
		Procedure: "PC_SEND_MAIL",
		Recipient: "dba@example.com",
		Subject:   "Falha na integração APS",
	})
	err := p.CycleFailed(context.Background(), FailureReport{
		FailedStage: syncerr.StageFlagReset,
		Cause:       errors.New("connection refused"),
	})
	if err != nil {
		t.Fatalf("CycleFailed() error: %v", err)
	}

	want := "CALL PC_SEND_MAIL(psender => $1, precipient => $2, psubject => $3, pmessage => $4)"
	if calls := s.Calls(want); len(calls) != 1 {
		t.Errorf("expected %q, got %v", want, s.Log)
	}
	if len(args) != 4 || args[0] != "dba@example.com" || args[1] != "dba@example.com" {
		t.Fatalf("args = %v", args)
	}
	if msg := args[3].(string); !strings.HasPrefix(msg, "Falha identificada durante: flag_reset") {
		t.Errorf("message = %q", msg)
	}
}

func TestProcedureDisabled(t *testing.T) {
	s := storetest.New()
	p := NewProcedure(s, config.AlertProcedureConfig{Procedure: "PC_SEND_MAIL", Recipient: "x"})
	if err := p.CycleFailed(context.Background(), FailureReport{}); err != nil {
		t.Fatal(err)
	}
	if len(s.Log) != 0 {
		t.Errorf("disabled notifier wrote %v", s.Log)
	}
}

type recorder struct {
	mu     sync.Mutex
	failed int
	done   int
	err    error
}

func (r *recorder) CycleFailed(context.Context, FailureReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
	return r.err
}

func (r *recorder) CycleCompleted(context.Context, Summary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
	return r.err
}

func TestMulti(t *testing.T) {
	ok := &recorder{}
	bad := &recorder{err: errors.New("smtp down")}
	m := Multi{bad, ok}

	err := m.CycleFailed(context.Background(), FailureReport{})
	if err == nil || !strings.Contains(err.Error(), "smtp down") {
		t.Errorf("CycleFailed() error = %v", err)
	}
	if ok.failed != 1 || bad.failed != 1 {
		t.Error("every provider must be called even when one fails")
	}

	if err := (Multi{ok}).CycleCompleted(context.Background(), Summary{}); err != nil {
		t.Error(err)
	}
	if err := (Multi(nil)).CycleFailed(context.Background(), FailureReport{}); err != nil {
		t.Error(err)
	}
}
