// Package mailer sends single emails through the SMTP2GO HTTP API.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Message is one outbound email.
type Message struct {
	To      string
	ToName  string
	Subject string
	HTML    string
	Text    string
	Headers map[string]string
}

// Config holds the provider credentials and the sender address.
type Config struct {
	APIURL string
	APIKey string
	From   string
}

// Mailer is an SMTP2GO API client.
type Mailer struct {
	client HTTPClient
	cfg    Config
}

type customHeader struct {
	Header string `json:"header"`
	Value  string `json:"value"`
}

type sendRequest struct {
	APIKey        string         `json:"api_key"`
	To            []string       `json:"to"`
	Sender        string         `json:"sender"`
	Subject       string         `json:"subject"`
	TextBody      string         `json:"text_body"`
	HTMLBody      string         `json:"html_body"`
	CustomHeaders []customHeader `json:"custom_headers,omitempty"`
}

type sendResponse struct {
	RequestID string `json:"request_id"`
	Data      struct {
		Succeeded int      `json:"succeeded"`
		Failed    int      `json:"failed"`
		Failures  []string `json:"failures"`
		EmailID   string   `json:"email_id"`
		Error     string   `json:"error"`
	} `json:"data"`
}

// New creates a Mailer.
func New(client HTTPClient, cfg Config) *Mailer {
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	return &Mailer{client: client, cfg: cfg}
}

// Send delivers msg and returns the provider's email ID.
func (m *Mailer) Send(ctx context.Context, msg Message) (string, error) {
	to := msg.To
	if msg.ToName != "" {
		to = fmt.Sprintf("%s <%s>", sanitizeHeader(msg.ToName), msg.To)
	}
	req := sendRequest{
		APIKey:   m.cfg.APIKey,
		To:       []string{to},
		Sender:   m.cfg.From,
		Subject:  sanitizeHeader(msg.Subject),
		TextBody: msg.Text,
		HTMLBody: msg.HTML,
	}
	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		req.CustomHeaders = append(req.CustomHeaders, customHeader{Header: name, Value: sanitizeHeader(msg.Headers[name])})
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.APIURL+"/email/send", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out sendResponse
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode != http.StatusOK {
		if out.Data.Error != "" {
			return "", fmt.Errorf("smtp2go status %d: %s", resp.StatusCode, out.Data.Error)
		}
		return "", fmt.Errorf("smtp2go status %d", resp.StatusCode)
	}
	if out.Data.Succeeded < 1 {
		return "", fmt.Errorf("smtp2go rejected message: %s", strings.Join(out.Data.Failures, "; "))
	}
	return out.Data.EmailID, nil
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
