package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/perspectra/internal/protocol"
)

type options struct {
	baseURL       string
	userID        string
	problem       string
	turns         int
	intervalMS    int64
	interruptAt   int
	interruptText string
	turnTimeout   time.Duration
	keep          bool
	verbose       bool
}

type createConversationRequest struct {
	Title   string `json:"title"`
	Problem string `json:"problem"`
}

type createConversationResponse struct {
	Conversation struct {
		ID string `json:"id"`
	} `json:"conversation"`
}

type wsEnvelope struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
	Message struct {
		Persona     string `json:"persona"`
		MessageType string `json:"message_type"`
	} `json:"message"`
}

type producedEvent struct {
	Persona     string
	MessageType string
	At          time.Time
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfboard: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfboard: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var turnTimeoutMS int

	fs := flag.NewFlagSet("perfboard", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "perspectra base URL")
	fs.StringVar(&cfg.userID, "user-id", "perf-replay", "X-User-ID used for the synthetic conversation")
	fs.StringVar(&cfg.problem, "problem", "Should we expand into a second market next quarter?", "decision problem to discuss")
	fs.IntVar(&cfg.turns, "turns", 8, "number of produced messages to wait for")
	fs.Int64Var(&cfg.intervalMS, "interval-ms", 1000, "speaking interval in milliseconds")
	fs.IntVar(&cfg.interruptAt, "interrupt-at", 0, "send a user message after this many produced messages (0 disables)")
	fs.StringVar(&cfg.interruptText, "interrupt-text", "What would change your mind?", "user message sent on interrupt")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for each produced message in milliseconds")
	fs.BoolVar(&cfg.keep, "keep", false, "keep the conversation instead of deleting it")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.problem) == "" {
		return options{}, fmt.Errorf("problem is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.intervalMS < 500 {
		return options{}, fmt.Errorf("interval-ms must be >= 500")
	}
	if cfg.interruptAt < 0 || cfg.interruptAt >= cfg.turns {
		cfg.interruptAt = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 45 * time.Second}
	conversationID, err := createConversation(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	if !cfg.keep {
		defer func() {
			_ = deleteConversation(context.Background(), httpClient, cfg, conversationID)
		}()
	}
	if cfg.verbose {
		fmt.Printf("perfboard: conversation=%s turns=%d interval_ms=%d\n", conversationID, cfg.turns, cfg.intervalMS)
	}

	wsURL, err := wsURLForConversation(cfg.baseURL, conversationID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	header := http.Header{}
	header.Set("X-User-ID", cfg.userID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	producedCh := make(chan producedEvent, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, producedCh, readErrCh, cfg.verbose)

	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionSetInterval, IntervalMS: cfg.intervalMS}); err != nil {
		return fmt.Errorf("send interval: %w", err)
	}
	startedAt := time.Now()
	if err := conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionStart}); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	var produced []producedEvent
	for len(produced) < cfg.turns {
		ev, err := awaitProduced(producedCh, readErrCh, cfg.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d: %w", len(produced)+1, err)
		}
		produced = append(produced, ev)
		if cfg.verbose {
			fmt.Printf("perfboard: %d/%d persona=%s type=%s\n", len(produced), cfg.turns, ev.Persona, ev.MessageType)
		}
		if cfg.interruptAt > 0 && len(produced) == cfg.interruptAt {
			if err := conn.WriteJSON(protocol.UserMessage{Type: protocol.TypeUserMessage, Content: cfg.interruptText}); err != nil {
				return fmt.Errorf("send interrupt: %w", err)
			}
		}
	}
	_ = conn.WriteJSON(protocol.ClientControl{Type: protocol.TypeClientControl, Action: protocol.ActionStop})

	gaps := turnGaps(startedAt, produced)
	fmt.Printf("perfboard: turns=%d p50=%s p95=%s max=%s\n",
		len(gaps), percentile(gaps, 0.50), percentile(gaps, 0.95), percentile(gaps, 1))
	return nil
}

func createConversation(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createConversationRequest{Title: "perfboard replay", Problem: cfg.problem})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/conversations", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", cfg.userID)

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createConversationResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Conversation.ID) == "" {
		return "", fmt.Errorf("missing conversation id in response")
	}
	return out.Conversation.ID, nil
}

func deleteConversation(ctx context.Context, client *http.Client, cfg options, conversationID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, cfg.baseURL+"/v1/conversations/"+url.PathEscape(conversationID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-User-ID", cfg.userID)
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForConversation(baseURL, conversationID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/conversations/" + url.PathEscape(conversationID) + "/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, producedCh chan<- producedEvent, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeMessageProduced):
			if env.Message.Persona == "user" {
				continue
			}
			select {
			case producedCh <- producedEvent{Persona: env.Message.Persona, MessageType: env.Message.MessageType, At: time.Now()}:
			default:
			}
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(os.Stderr, "perfboard: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		}
	}
}

func awaitProduced(producedCh <-chan producedEvent, readErrCh <-chan error, timeout time.Duration) (producedEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-producedCh:
		return ev, nil
	case err := <-readErrCh:
		return producedEvent{}, err
	case <-timer.C:
		return producedEvent{}, fmt.Errorf("timeout after %s", timeout)
	}
}

// turnGaps returns the time between consecutive produced messages, the
// first measured from start.
func turnGaps(start time.Time, events []producedEvent) []time.Duration {
	gaps := make([]time.Duration, 0, len(events))
	prev := start
	for _, ev := range events {
		gaps = append(gaps, ev.At.Sub(prev))
		prev = ev.At
	}
	return gaps
}

func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
