package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jpoore/twotruths/internal/config"
)

func testConfig(baseURL string) config.GeneratorConfig {
	return config.GeneratorConfig{
		APIKey:          "test-key",
		BaseURL:         baseURL,
		Model:           "test-model",
		MaxTokens:       1000,
		Temperature:     0.7,
		Timeout:         5 * time.Second,
		Prompt:          config.DefaultPrompt,
		EasterEggPrompt: config.DefaultEasterEggPrompt,
	}
}

func modelResponse(text string) string {
	resp := map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": text}},
	}
	raw, _ := json.Marshal(resp)
	return string(raw)
}

func TestClientGenerate(t *testing.T) {
	var gotPath, gotAPIKey string
	var gotBody struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("x-api-key")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("Failed to decode request body: %v", err)
		}
		w.Write([]byte(modelResponse(validRoundJSON)))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	result, err := client.Generate(context.Background(), Request{
		SessionID:   "sess_test",
		RoundNumber: 2,
		Timestamp:   time.Now(),
	})
	if err != nil {
		t.Fatalf("Expected round, got error %v", err)
	}

	if result.Round.Topic != "Volcanoes" {
		t.Errorf("Expected topic Volcanoes, got %q", result.Round.Topic)
	}
	if gotPath != "/v1/messages" {
		t.Errorf("Expected /v1/messages, got %q", gotPath)
	}
	if gotAPIKey != "test-key" {
		t.Errorf("Expected api key header, got %q", gotAPIKey)
	}
	if gotBody.Model != "test-model" || gotBody.MaxTokens != 1000 {
		t.Errorf("Expected configured model parameters, got %+v", gotBody)
	}
	if len(gotBody.Messages) != 1 || gotBody.Messages[0].Role != "user" {
		t.Fatalf("Expected a single user message, got %+v", gotBody.Messages)
	}
	if !strings.Contains(gotBody.Messages[0].Content, "round 2") {
		t.Errorf("Expected prompt to mention the round number, got %q", gotBody.Messages[0].Content)
	}
	if result.Prompt != gotBody.Messages[0].Content {
		t.Error("Expected result to carry the prompt that was sent")
	}
}

func TestClientGenerate_PromptContext(t *testing.T) {
	var gotPrompt string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil && len(body.Messages) > 0 {
			gotPrompt = body.Messages[0].Content
		}
		w.Write([]byte(modelResponse(validRoundJSON)))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Generate(context.Background(), Request{
		SessionID:      "sess_test",
		RoundNumber:    3,
		Timestamp:      time.Now(),
		SuggestedTopic: "deep sea",
		ExcludeTopics:  []string{"space", "volcanoes"},
		EasterEgg:      true,
	})
	if err != nil {
		t.Fatalf("Expected round, got error %v", err)
	}

	for _, want := range []string{"deep sea", "- space", "- volcanoes", "easter-egg round"} {
		if !strings.Contains(gotPrompt, want) {
			t.Errorf("Expected prompt to contain %q, got %q", want, gotPrompt)
		}
	}
}

func TestClientGenerate_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Generate(context.Background(), Request{SessionID: "sess_test", RoundNumber: 1, Timestamp: time.Now()})
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("Expected ErrUpstream for status 503, got %v", err)
	}
}

func TestClientGenerate_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	client, err := NewClient(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Generate(context.Background(), Request{SessionID: "sess_test", RoundNumber: 1, Timestamp: time.Now()})
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("Expected ErrUpstream for transport failure, got %v", err)
	}
}

func TestClientGenerate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(modelResponse(validRoundJSON)))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Timeout = 50 * time.Millisecond
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Generate(context.Background(), Request{SessionID: "sess_test", RoundNumber: 1, Timestamp: time.Now()})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestClientGenerate_SchemaError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(modelResponse(`{"statements": [
			{"text": "a", "isLie": true, "explanation": "x"},
			{"text": "b", "isLie": true, "explanation": "y"},
			{"text": "c", "isLie": false, "explanation": "z"}]}`)))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Generate(context.Background(), Request{SessionID: "sess_test", RoundNumber: 1, Timestamp: time.Now()})
	if !errors.Is(err, ErrSchema) {
		t.Errorf("Expected ErrSchema for two lies, got %v", err)
	}
}

func TestClientGenerate_EmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": []}`))
	}))
	defer srv.Close()

	client, err := NewClient(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	_, err = client.Generate(context.Background(), Request{SessionID: "sess_test", RoundNumber: 1, Timestamp: time.Now()})
	if !errors.Is(err, ErrSchema) {
		t.Errorf("Expected ErrSchema for empty content, got %v", err)
	}
}
