package cauce

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSummarizerRefreshUpdatesContext(t *testing.T) {
	provider := &stubProvider{responses: []string{"El cliente pidió la factura de marzo; se le envió por mail."}}
	s := NewSummarizer(provider)

	c := Context{ConversationID: "c1", RollingSummary: "resumen viejo"}
	recent := []StoredMessage{
		{Sender: SenderUser, Content: "necesito la factura de marzo"},
		{Sender: SenderAssistant, AgentName: AgentBilling, Content: "te la envío por mail"},
	}
	if err := s.Refresh(context.Background(), &c, recent); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(c.RollingSummary, "factura de marzo") {
		t.Errorf("RollingSummary = %q", c.RollingSummary)
	}

	// The prompt carries the prior summary and the transcript.
	prompt := provider.requests[0].Messages[1].Content
	if !strings.Contains(prompt, "resumen viejo") {
		t.Error("prior summary missing from prompt")
	}
	if !strings.Contains(prompt, AgentBilling) {
		t.Error("agent name missing from transcript")
	}
}

func TestSummarizerMaybeRefreshInterval(t *testing.T) {
	provider := &stubProvider{responses: []string{"resumen nuevo"}}
	s := NewSummarizer(provider, WithSummarizeEvery(3))
	recent := []StoredMessage{{Sender: SenderUser, Content: "hola"}}

	c := Context{ConversationID: "c1", TotalTurns: 2}
	s.MaybeRefresh(context.Background(), &c, recent)
	if provider.calls != 0 {
		t.Error("refreshed off-interval")
	}

	c.TotalTurns = 3
	s.MaybeRefresh(context.Background(), &c, recent)
	if provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1", provider.calls)
	}
	if c.RollingSummary != "resumen nuevo" {
		t.Errorf("RollingSummary = %q", c.RollingSummary)
	}
}

func TestSummarizerFailureKeepsPreviousSummary(t *testing.T) {
	provider := &stubProvider{err: errors.New("provider down")}
	s := NewSummarizer(provider, WithSummarizeEvery(1))

	c := Context{ConversationID: "c1", TotalTurns: 1, RollingSummary: "previo"}
	s.MaybeRefresh(context.Background(), &c, []StoredMessage{{Sender: SenderUser, Content: "hola"}})
	if c.RollingSummary != "previo" {
		t.Errorf("RollingSummary = %q, want previous kept", c.RollingSummary)
	}
}

func TestSummarizerEmptyRecentIsNoop(t *testing.T) {
	provider := &stubProvider{}
	s := NewSummarizer(provider)
	c := Context{ConversationID: "c1"}
	if err := s.Refresh(context.Background(), &c, nil); err != nil {
		t.Fatal(err)
	}
	if provider.calls != 0 {
		t.Error("provider called with no messages")
	}
}
