package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/daviddao/mailpilot/internal/failure"
	"github.com/daviddao/mailpilot/internal/types"
)

var testItem = types.Item{ID: "m1", Account: "work", Sender: "a@b.com", Subject: "Invoice 42", Body: "Please pay."}

func TestExtractJSON(t *testing.T) {
	tests := map[string]string{
		"plain":  `{"action":"archive"}`,
		"fenced": "```json\n{\"action\":\"archive\"}\n```",
		"prose":  "Sure! Here you go: {\"action\":\"archive\"} hope it helps",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := ExtractJSON(in)
			if err != nil {
				t.Fatalf("ExtractJSON: %v", err)
			}
			if got != `{"action":"archive"}` {
				t.Fatalf("got %q", got)
			}
		})
	}
	if _, err := ExtractJSON("no json here"); err == nil {
		t.Fatal("want error")
	}
}

func TestResponseDecision(t *testing.T) {
	r, err := ParseResponse(`{"action":"move","confidence":0.92,"target_folder":"Finance",
		"secondary_action":"mark_read","reasoning":"invoice","category":"billing"}`)
	if err != nil {
		t.Fatal(err)
	}
	d, err := r.Decision("m1")
	if err != nil {
		t.Fatalf("Decision: %v", err)
	}
	if d.Source != types.SourceAI || d.Confidence != 0.92 || d.Primary.Folder != "Finance" {
		t.Fatalf("decision = %+v", d)
	}
	if d.Secondary == nil || d.Secondary.Kind != types.ActionMarkRead {
		t.Fatalf("secondary = %+v", d.Secondary)
	}

	// Disallowed secondaries are passed through for the decision engine to drop.
	r = &Response{Action: "archive", Confidence: 80, SecondaryAction: "delete"}
	d, err = r.Decision("m1")
	if err != nil {
		t.Fatal(err)
	}
	if d.Confidence != 0.8 {
		t.Errorf("percent confidence = %v, want 0.8", d.Confidence)
	}
	if d.Secondary == nil || d.Secondary.Kind != types.ActionDelete {
		t.Errorf("secondary = %+v", d.Secondary)
	}

	for _, bad := range []*Response{
		{Action: "explode"},
		{Action: "move"},
		{Action: "forward"},
	} {
		if _, err := bad.Decision("m1"); err == nil {
			t.Errorf("Decision(%+v) succeeded", bad)
		}
	}
}

func TestForwardToAcceptsStringOrList(t *testing.T) {
	var r Response
	if err := json.Unmarshal([]byte(`{"action":"forward","forward_to":"boss@example.com"}`), &r); err != nil {
		t.Fatal(err)
	}
	if len(r.ForwardTo) != 1 || r.ForwardTo[0] != "boss@example.com" {
		t.Fatalf("ForwardTo = %v", r.ForwardTo)
	}
}

func anthropicServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		var req apiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content, "Invoice 42") {
			t.Errorf("prompt does not include the item: %+v", req.Messages)
		}
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAnthropicClassify(t *testing.T) {
	text := "```json\n{\"action\":\"archive\",\"confidence\":0.9,\"reasoning\":\"receipt\"}\n```"
	payload, _ := json.Marshal(map[string]any{
		"content": []map[string]string{{"type": "text", "text": text}},
	})
	srv := anthropicServer(t, http.StatusOK, string(payload))

	g := NewGateway(NewAnthropic("key", "", 0).WithEndpoint(srv.URL), time.Second)
	d, err := g.Classify(context.Background(), testItem, "archive receipts")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if d.Primary.Kind != types.ActionArchive || d.Confidence != 0.9 || d.ItemID != "m1" {
		t.Fatalf("decision = %+v", d)
	}
}

func TestAnthropicErrorTaxonomy(t *testing.T) {
	tests := []struct {
		status int
		want   failure.Kind
	}{
		{http.StatusUnauthorized, failure.Permanent},
		{http.StatusBadRequest, failure.Permanent},
		{http.StatusTooManyRequests, failure.Transient},
		{529, failure.Transient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := anthropicServer(t, tt.status, `{"type":"error","error":{"type":"x","message":"y"}}`)
			g := NewGateway(NewAnthropic("key", "", 0).WithEndpoint(srv.URL), time.Second)
			_, err := g.Classify(context.Background(), testItem, "")
			if err == nil {
				t.Fatal("want error")
			}
			if got := failure.KindOf(err); got != tt.want {
				t.Fatalf("kind = %v, want %v (%v)", got, tt.want, err)
			}
		})
	}
}

func TestAnthropicWithoutKeyIsPermanent(t *testing.T) {
	g := NewGateway(NewAnthropic("", "", 0), time.Second)
	if _, err := g.Classify(context.Background(), testItem, ""); !failure.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
}

type slowBackend struct{}

func (slowBackend) Classify(ctx context.Context, _ types.Item, _ string) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestGatewayTimeoutIsTransient(t *testing.T) {
	g := NewGateway(slowBackend{}, 10*time.Millisecond)
	_, err := g.Classify(context.Background(), testItem, "")
	if !failure.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

type badBackend struct{}

func (badBackend) Classify(context.Context, types.Item, string) (*Response, error) {
	return &Response{Action: "teleport"}, nil
}

func TestGatewayInvalidResponseIsTransient(t *testing.T) {
	g := NewGateway(badBackend{}, time.Second)
	if _, err := g.Classify(context.Background(), testItem, ""); !failure.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}
