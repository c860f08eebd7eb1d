package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// wireEvent is the decoded union of all progress-event payloads. The Type
// tag says which fields are meaningful.
type wireEvent struct {
	Type        string `json:"type"`
	OperationID string `json:"operation_id"`
	TotalFeeds  int    `json:"total_feeds"`
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	NewArticles int    `json:"new_articles"`
	NextFetchAt string `json:"next_fetch_at"`
	Error       string `json:"error"`
	Stats       *struct {
		Success     int `json:"success"`
		Errors      int `json:"errors"`
		FailedFeeds []struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
			Error string `json:"error"`
		} `json:"failed_feeds"`
	} `json:"stats"`
}

// openStream starts a bulk refresh and returns the live response. The
// caller owns closing the body.
func openStream(c *client, ids []int64) (*http.Response, error) {
	body, _ := json.Marshal(map[string][]int64{"ids": ids})
	req, err := http.NewRequest(http.MethodPost, c.base+"/api/refresh", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

// readEvents decodes SSE frames, invoking fn per event. Comment lines
// (heartbeats) and blank separators are skipped. Returns when the stream
// ends or fn returns false.
func readEvents(r *bufio.Scanner, fn func(wireEvent) bool) error {
	for r.Scan() {
		line := r.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return fmt.Errorf("malformed event: %w", err)
		}
		if !fn(ev) {
			return nil
		}
	}
	return r.Err()
}
