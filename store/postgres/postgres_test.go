package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cauce-ai/cauce"
)

// testStore connects to the database named by CAUCE_TEST_POSTGRES_URL and
// runs migrations. Tests are skipped when the variable is unset, so the suite
// passes without a running Postgres. Rows use fresh ids and clean up after
// themselves; a shared database is fine.
func testStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("CAUCE_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("CAUCE_TEST_POSTGRES_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)

	s := New(pool)
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestContextRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := cauce.NewID()
	org := "org-" + id
	t.Cleanup(func() { _ = s.DeleteContext(ctx, id) })

	c := cauce.Context{
		ConversationID: id,
		OrganizationID: org,
		UserPhone:      "+5492641234567",
		RollingSummary: "el cliente pregunta por su pedido",
		TotalTurns:     2,
		LastAgent:      cauce.AgentTracking,
	}
	if err := s.UpsertContext(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetContext(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalTurns != 2 || got.LastAgent != cauce.AgentTracking || got.RollingSummary != c.RollingSummary {
		t.Errorf("context = %+v", got)
	}

	// Upsert replaces.
	c.TotalTurns = 3
	c.LastAgent = cauce.AgentBilling
	if err := s.UpsertContext(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, err = s.GetContext(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalTurns != 3 || got.LastAgent != cauce.AgentBilling {
		t.Errorf("after upsert: %+v", got)
	}

	recent, err := s.RecentContexts(ctx, org, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].ConversationID != id {
		t.Errorf("recent = %+v", recent)
	}

	if err := s.DeleteContext(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetContext(ctx, id); !errors.Is(err, cauce.ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
}

func TestMessagePagination(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := cauce.NewID()
	t.Cleanup(func() { _ = s.DeleteContext(ctx, id) })

	if err := s.UpsertContext(ctx, cauce.Context{ConversationID: id}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		m := cauce.StoredMessage{
			ConversationID: id,
			Sender:         cauce.SenderUser,
			Content:        fmt.Sprintf("mensaje %d", i),
			CreatedAt:      int64(1000 + i),
		}
		if err := s.InsertMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	page, err := s.Messages(ctx, id, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Content != "mensaje 0" {
		t.Errorf("first page = %+v", page)
	}
	page, err = s.Messages(ctx, id, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].Content != "mensaje 4" {
		t.Errorf("last page = %+v", page)
	}

	// DeleteContext takes the messages with it.
	if err := s.DeleteContext(ctx, id); err != nil {
		t.Fatal(err)
	}
	page, err = s.Messages(ctx, id, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 0 {
		t.Errorf("messages after delete = %+v", page)
	}
}

func TestBypassRuleRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	org := "org-" + cauce.NewID()

	rule := cauce.BypassRule{
		ID:             cauce.NewID(),
		OrganizationID: org,
		RuleType:       cauce.BypassByPhonePattern,
		Pattern:        "549264*",
		TargetAgent:    cauce.AgentPharmacy,
		Priority:       10,
		Enabled:        true,
	}
	t.Cleanup(func() { _ = s.DeleteBypassRule(ctx, rule.ID) })

	if err := s.UpsertBypassRule(ctx, rule); err != nil {
		t.Fatal(err)
	}
	rules, err := s.BypassRules(ctx, org)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].Pattern != "549264*" || rules[0].TargetAgent != cauce.AgentPharmacy {
		t.Errorf("rules = %+v", rules)
	}

	if err := s.DeleteBypassRule(ctx, rule.ID); err != nil {
		t.Fatal(err)
	}
	rules, err = s.BypassRules(ctx, org)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 0 {
		t.Errorf("rules after delete = %+v", rules)
	}
}

func TestCheckpointRoundtrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := cauce.NewID()
	t.Cleanup(func() { _ = s.DeleteCheckpoint(ctx, id) })

	cp := cauce.Checkpoint{
		State: cauce.State{
			ConversationID: id,
			Messages:       []cauce.StateMessage{{Role: cauce.SenderUser, Content: "hola"}},
			CurrentAgent:   cauce.AgentGreeting,
		},
		Node: cauce.AgentGreeting,
		Step: 2,
	}
	if err := s.PutCheckpoint(ctx, id, cp); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetCheckpoint(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got.Node != cauce.AgentGreeting || got.Step != 2 || len(got.State.Messages) != 1 {
		t.Errorf("checkpoint = %+v", got)
	}

	if err := s.DeleteCheckpoint(ctx, id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCheckpoint(ctx, id); !errors.Is(err, cauce.ErrNotFound) {
		t.Errorf("after delete: err = %v, want ErrNotFound", err)
	}
}
