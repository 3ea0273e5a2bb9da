// Package anki is the AnkiConnect adapter. AnkiConnect is a local JSON-RPC
// bridge into a running Anki instance; every call is a POST of
// {action, version: 6, params} answered by {result, error}.
package anki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"mnemo/internal/logging"
	"mnemo/internal/metrics"
)

const (
	rpcVersion     = 6
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	retryBase      = 1 * time.Second
)

// ErrUnavailable wraps connection failures so callers can distinguish
// "Anki is not running" from RPC-level errors.
var ErrUnavailable = errors.New("ankiconnect unavailable")

// Client talks to a local AnkiConnect endpoint.
type Client struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a client for the given AnkiConnect URL
// (default http://localhost:8765). ratePerSec <= 0 falls back to 10.
func NewClient(url string, ratePerSec float64) *Client {
	if url == "" {
		url = "http://localhost:8765"
	}
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	return &Client{
		url:     url,
		http:    &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "anki",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.SyncWarn("Anki circuit breaker: %s -> %s", from, to)
			},
		}),
	}
}

// =============================================================================
// RPC ENVELOPE
// =============================================================================

type rpcRequest struct {
	Action  string      `json:"action"`
	Version int         `json:"version"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

func (c *Client) call(ctx context.Context, action string, params, out interface{}) error {
	operation := func() (struct{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, c.callOnce(ctx, action, params, out)
		})
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return struct{}{}, backoff.Permanent(fmt.Errorf("anki circuit open: %w", err))
		}
		// RPC-level errors (bad deck, dupe note) are permanent; only
		// transport failures are worth retrying.
		if !errors.Is(err, ErrUnavailable) {
			return struct{}{}, backoff.Permanent(err)
		}
		metrics.SyncRetriesTotal.WithLabelValues("anki").Inc()
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.Multiplier = 2
	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxRetries))
	return err
}

func (c *Client) callOnce(ctx context.Context, action string, params, out interface{}) error {
	body, err := json.Marshal(rpcRequest{Action: action, Version: rpcVersion, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d", ErrUnavailable, resp.StatusCode)
	}

	var rpc rpcResponse
	if err := json.Unmarshal(data, &rpc); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", action, err)
	}
	if rpc.Error != nil && *rpc.Error != "" {
		return fmt.Errorf("anki %s failed: %s", action, *rpc.Error)
	}
	if out != nil && len(rpc.Result) > 0 {
		if err := json.Unmarshal(rpc.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", action, err)
		}
	}
	return nil
}

// =============================================================================
// ACTIONS
// =============================================================================

// Version returns the AnkiConnect API version; used as the health probe.
func (c *Client) Version(ctx context.Context) (int, error) {
	var v int
	if err := c.call(ctx, "version", nil, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// DeckNames lists the decks of the running Anki profile.
func (c *Client) DeckNames(ctx context.Context) ([]string, error) {
	var names []string
	if err := c.call(ctx, "deckNames", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// CreateDeck makes the deck if it does not exist yet.
func (c *Client) CreateDeck(ctx context.Context, name string) error {
	return c.call(ctx, "createDeck", map[string]string{"deck": name}, nil)
}

// FindNotes returns the note ids in a deck.
func (c *Client) FindNotes(ctx context.Context, deck string) ([]int64, error) {
	var ids []int64
	params := map[string]string{"query": fmt.Sprintf(`deck:"%s"`, deck)}
	if err := c.call(ctx, "findNotes", params, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// NoteField is one field value inside a note.
type NoteField struct {
	Value string `json:"value"`
	Order int    `json:"order"`
}

// NoteInfo is the notesInfo result shape.
type NoteInfo struct {
	NoteID    int64                `json:"noteId"`
	ModelName string               `json:"modelName"`
	Tags      []string             `json:"tags"`
	Fields    map[string]NoteField `json:"fields"`
	Cards     []int64              `json:"cards"`
	Mod       int64                `json:"mod"` // unix seconds of last modification
}

// NotesInfo fetches full note payloads for the given ids.
func (c *Client) NotesInfo(ctx context.Context, ids []int64) ([]NoteInfo, error) {
	var notes []NoteInfo
	params := map[string]interface{}{"notes": ids}
	if err := c.call(ctx, "notesInfo", params, &notes); err != nil {
		return nil, err
	}
	return notes, nil
}

// CardInfo is the cardsInfo result shape; the scheduling stats feed the
// FSRS seed on import.
type CardInfo struct {
	CardID   int64 `json:"cardId"`
	NoteID   int64 `json:"note"`
	Interval int   `json:"interval"` // days (negative = seconds, learning)
	Factor   int   `json:"factor"`   // ease ×1000
	Reps     int   `json:"reps"`
	Lapses   int   `json:"lapses"`
	Due      int64 `json:"due"`
	Type     int   `json:"type"` // 0=new 1=learning 2=review
}

// CardsInfo fetches scheduling stats for the given card ids.
func (c *Client) CardsInfo(ctx context.Context, ids []int64) ([]CardInfo, error) {
	var cards []CardInfo
	params := map[string]interface{}{"cards": ids}
	if err := c.call(ctx, "cardsInfo", params, &cards); err != nil {
		return nil, err
	}
	return cards, nil
}

// Note is the addNote/updateNoteFields payload.
type Note struct {
	ID        int64             `json:"id,omitempty"`
	DeckName  string            `json:"deckName,omitempty"`
	ModelName string            `json:"modelName,omitempty"`
	Fields    map[string]string `json:"fields"`
	Tags      []string          `json:"tags,omitempty"`
}

// AddNote creates a note and returns its id.
func (c *Client) AddNote(ctx context.Context, n Note) (int64, error) {
	var id int64
	params := map[string]interface{}{
		"note": map[string]interface{}{
			"deckName":  n.DeckName,
			"modelName": n.ModelName,
			"fields":    n.Fields,
			"tags":      n.Tags,
			"options":   map[string]interface{}{"allowDuplicate": false},
		},
	}
	if err := c.call(ctx, "addNote", params, &id); err != nil {
		return 0, err
	}
	return id, nil
}

// UpdateNoteFields overwrites the fields of an existing note.
func (c *Client) UpdateNoteFields(ctx context.Context, n Note) error {
	params := map[string]interface{}{
		"note": map[string]interface{}{
			"id":     n.ID,
			"fields": n.Fields,
		},
	}
	return c.call(ctx, "updateNoteFields", params, nil)
}
