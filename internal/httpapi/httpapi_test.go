package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cauce-ai/cauce"
	"github.com/cauce-ai/cauce/store/sqlite"
)

// newTestServer wires a real engine over a throwaway SQLite store. The
// default registry and builtin workers handle greetings, so "hola" turns
// complete without any LLM.
func newTestServer(t *testing.T) (*httptest.Server, cauce.Store) {
	t.Helper()
	store := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	engine := cauce.NewEngine(cauce.NewTiered(store, nil), cauce.NewFactory())
	srv := httptest.NewServer(New(engine, store).Routes())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestConverse(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/conversations/c1/messages", cauce.TurnRequest{
		Message: "hola",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	result := decodeBody[cauce.TurnResult](t, resp)
	if result.Agent != cauce.AgentGreeting {
		t.Errorf("agent = %q, want %q", result.Agent, cauce.AgentGreeting)
	}
	if result.Response == "" {
		t.Error("empty response")
	}
	if result.TotalTurns != 1 {
		t.Errorf("total turns = %d", result.TotalTurns)
	}
}

func TestConverseValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/conversations/c1/messages", cauce.TurnRequest{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing message: status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	raw, err := http.Post(srv.URL+"/v1/conversations/c1/messages", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	if raw.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body: status = %d", raw.StatusCode)
	}
	raw.Body.Close()
}

func TestConverseStream(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/conversations/c1/messages/stream", cauce.TurnRequest{
		Message: "hola",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var events []cauce.StreamEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev cauce.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if len(events) < 2 {
		t.Fatalf("events = %d, want at least progress + final", len(events))
	}
	last := events[len(events)-1]
	if last.Type != cauce.EventFinal || last.Data == nil {
		t.Fatalf("last event = %+v", last)
	}
	if last.Data.Agent != cauce.AgentGreeting {
		t.Errorf("final agent = %q", last.Data.Agent)
	}
	for _, ev := range events[:len(events)-1] {
		if ev.Type != cauce.EventStream {
			t.Errorf("progress event type = %q", ev.Type)
		}
	}
}

func TestConversationLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	postJSON(t, srv.URL+"/v1/conversations/c1/messages", cauce.TurnRequest{
		Message: "hola",
	}).Body.Close()

	resp, err := http.Get(srv.URL + "/v1/conversations/c1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get conversation: status = %d", resp.StatusCode)
	}
	c := decodeBody[cauce.Context](t, resp)
	if c.TotalTurns != 1 || c.LastAgent != cauce.AgentGreeting {
		t.Errorf("context = %+v", c)
	}

	resp, err = http.Get(srv.URL + "/v1/conversations/c1/messages")
	if err != nil {
		t.Fatal(err)
	}
	msgs := decodeBody[struct {
		Messages []cauce.StoredMessage `json:"messages"`
	}](t, resp)
	if len(msgs.Messages) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(msgs.Messages))
	}
	if msgs.Messages[0].Sender != "user" || msgs.Messages[1].Sender != "assistant" {
		t.Errorf("senders = %q, %q", msgs.Messages[0].Sender, msgs.Messages[1].Sender)
	}

	resp, err = http.Get(srv.URL + "/v1/conversations")
	if err != nil {
		t.Fatal(err)
	}
	list := decodeBody[struct {
		Conversations []cauce.Context `json:"conversations"`
	}](t, resp)
	if len(list.Conversations) != 1 {
		t.Errorf("conversations = %d", len(list.Conversations))
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/conversations/c1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/conversations/c1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("after delete: status = %d", resp.StatusCode)
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/conversations/c1/resume", struct{}{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

// summaryProvider answers every chat with a fixed summary.
type summaryProvider struct{}

func (summaryProvider) Name() string { return "summary-stub" }
func (summaryProvider) Chat(context.Context, cauce.ChatRequest) (cauce.ChatResponse, error) {
	return cauce.ChatResponse{Content: "El cliente saludó."}, nil
}
func (summaryProvider) ChatStream(_ context.Context, _ cauce.ChatRequest, ch chan<- string) (cauce.ChatResponse, error) {
	close(ch)
	return cauce.ChatResponse{Content: "El cliente saludó."}, nil
}

func TestRegenerateSummary(t *testing.T) {
	store := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	engine := cauce.NewEngine(cauce.NewTiered(store, nil), cauce.NewFactory(),
		cauce.WithEngineSummarizer(cauce.NewSummarizer(summaryProvider{})))
	srv := httptest.NewServer(New(engine, store).Routes())
	t.Cleanup(srv.Close)

	postJSON(t, srv.URL+"/v1/conversations/c1/messages", cauce.TurnRequest{
		Message: "hola",
	}).Body.Close()

	resp := postJSON(t, srv.URL+"/v1/conversations/c1/summary", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	c := decodeBody[cauce.Context](t, resp)
	if c.RollingSummary != "El cliente saludó." {
		t.Errorf("rolling summary = %q", c.RollingSummary)
	}

	resp = postJSON(t, srv.URL+"/v1/conversations/desconocida/summary", struct{}{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown conversation: status = %d", resp.StatusCode)
	}
}

func TestTurnObserver(t *testing.T) {
	store := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	var (
		calls int
		last  *cauce.TurnResult
	)
	engine := cauce.NewEngine(cauce.NewTiered(store, nil), cauce.NewFactory())
	h := New(engine, store, WithTurnObserver(func(_ context.Context, res *cauce.TurnResult, _ error, _ time.Duration) {
		calls++
		last = res
	}))
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	postJSON(t, srv.URL+"/v1/conversations/c1/messages", cauce.TurnRequest{
		Message: "hola",
	}).Body.Close()

	if calls != 1 {
		t.Fatalf("observer calls = %d", calls)
	}
	if last == nil || last.Agent != cauce.AgentGreeting {
		t.Errorf("observed result = %+v", last)
	}
}

func TestBypassRuleLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v1/admin/organizations/farmacia-sur/bypass-rules"

	resp := postJSON(t, base, cauce.BypassRule{
		RuleType:    cauce.BypassByPhonePattern,
		Pattern:     "549264*",
		TargetAgent: cauce.AgentPharmacy,
		Priority:    10,
		Enabled:     true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}
	created := decodeBody[cauce.BypassRule](t, resp)
	if created.ID == "" {
		t.Fatal("no id assigned")
	}
	if created.OrganizationID != "farmacia-sur" {
		t.Errorf("org = %q", created.OrganizationID)
	}

	resp, err := http.Get(base)
	if err != nil {
		t.Fatal(err)
	}
	rules := decodeBody[struct {
		BypassRules []cauce.BypassRule `json:"bypass_rules"`
	}](t, resp)
	if len(rules.BypassRules) != 1 {
		t.Fatalf("rules = %d", len(rules.BypassRules))
	}

	// Dry-run against a matching and a non-matching phone.
	resp = postJSON(t, base+"/test", map[string]string{"user_phone": "+5492641234567"})
	match := decodeBody[cauce.BypassTest](t, resp)
	if !match.Matched || match.TargetAgent != cauce.AgentPharmacy {
		t.Errorf("match = %+v", match)
	}
	resp = postJSON(t, base+"/test", map[string]string{"user_phone": "+5411999"})
	miss := decodeBody[cauce.BypassTest](t, resp)
	if miss.Matched {
		t.Errorf("miss = %+v", miss)
	}
	if len(miss.EvaluationOrder) != 1 {
		t.Errorf("evaluation order = %v", miss.EvaluationOrder)
	}

	req, _ := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/admin/bypass-rules/%s", srv.URL, created.ID), nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}
}

func TestBypassRuleValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v1/admin/organizations/org/bypass-rules"

	cases := []cauce.BypassRule{
		{RuleType: cauce.BypassByPhonePattern, Pattern: "54*"}, // no target
		{RuleType: cauce.BypassByPhonePattern, TargetAgent: cauce.AgentBilling}, // no pattern
		{RuleType: cauce.BypassByPhoneList, TargetAgent: cauce.AgentBilling},    // no phones
		{RuleType: "geo", TargetAgent: cauce.AgentBilling},                      // unknown type
	}
	for i, rule := range cases {
		resp := postJSON(t, base, rule)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status = %d", i, resp.StatusCode)
		}
	}
}

func TestTenantAgentUpsert(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/v1/admin/organizations/farmacia-sur"

	body, _ := json.Marshal(cauce.AgentConfig{
		DisplayName: "Farmacia",
		Enabled:     true,
		Priority:    80,
		Keywords:    []string{"receta"},
	})
	req, _ := http.NewRequest(http.MethodPut, base+"/agents/pharmacy_operations_agent", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	saved := decodeBody[cauce.AgentConfig](t, resp)
	if saved.AgentKey != cauce.AgentPharmacy {
		t.Errorf("key not taken from URL: %q", saved.AgentKey)
	}
	if saved.AgentType != cauce.AgentTypeBuiltin {
		t.Errorf("type not defaulted: %q", saved.AgentType)
	}

	resp, err = http.Get(base + "/agents")
	if err != nil {
		t.Fatal(err)
	}
	agents := decodeBody[struct {
		Agents []cauce.AgentConfig `json:"agents"`
	}](t, resp)
	if len(agents.Agents) != 1 || agents.Agents[0].AgentKey != cauce.AgentPharmacy {
		t.Errorf("agents = %+v", agents.Agents)
	}
}

func TestDomainLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	put := func(key string, d cauce.Domain) *http.Response {
		body, _ := json.Marshal(d)
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/v1/admin/domains/"+key, bytes.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	resp := put("farmacia", cauce.Domain{DisplayName: "Farmacia", Enabled: true, SortOrder: 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put: status = %d", resp.StatusCode)
	}
	saved := decodeBody[cauce.Domain](t, resp)
	if saved.DomainKey != "farmacia" {
		t.Errorf("key = %q", saved.DomainKey)
	}

	resp = put("Bad-Key", cauce.Domain{DisplayName: "x"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad key: status = %d", resp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/v1/admin/domains")
	if err != nil {
		t.Fatal(err)
	}
	domains := decodeBody[struct {
		Domains []cauce.Domain `json:"domains"`
	}](t, getResp)
	if len(domains.Domains) != 1 {
		t.Errorf("domains = %+v", domains.Domains)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/v1/admin/domains/farmacia", nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	delResp.Body.Close()
	if delResp.StatusCode != http.StatusNoContent {
		t.Errorf("delete: status = %d", delResp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody[map[string]string](t, resp)
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}
