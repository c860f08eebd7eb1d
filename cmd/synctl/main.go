// synctl is the operator CLI for syndicated: manage sources and watch a
// bulk refresh live.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: synctl [-addr host:port] <command>

commands:
  refresh [id ...]   refresh sources (all live sources when no ids) with live progress
  add <url>          subscribe to a feed
  list               list sources
  pause <id>         pause a source
  resume <id>        resume a source
  rm <id>            soft-delete a source
`)
	os.Exit(2)
}

func main() {
	addr := flag.String("addr", envOrDefault("SYNDICATE_ADDR", "127.0.0.1:8843"), "daemon address")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	c := &client{base: "http://" + *addr, http: &http.Client{}}

	var err error
	switch args[0] {
	case "refresh":
		err = runRefresh(c, args[1:])
	case "add":
		if len(args) != 2 {
			usage()
		}
		err = c.addSource(args[1])
	case "list":
		err = runList(c)
	case "pause":
		err = runPause(c, args[1:], true)
	case "resume":
		err = runPause(c, args[1:], false)
	case "rm":
		err = runDelete(c, args[1:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "synctl: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// client is a thin wrapper over the daemon's HTTP API.
type client struct {
	base string
	http *http.Client
}

func (c *client) addSource(url string) error {
	body, _ := json.Marshal(map[string]string{"url": url})
	resp, err := c.http.Post(c.base+"/api/sources", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return apiError(resp)
	}
	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	fmt.Printf("added source %d\n", out.ID)
	return nil
}

// sourceRow mirrors the store.Source JSON shape.
type sourceRow struct {
	ID           int64      `json:"ID"`
	URL          string     `json:"URL"`
	Title        string     `json:"Title"`
	Type         string     `json:"Type"`
	Paused       bool       `json:"Paused"`
	FailureCount int        `json:"FailureCount"`
	NextFetchAt  *time.Time `json:"NextFetchAt"`
}

func runList(c *client) error {
	resp, err := c.http.Get(c.base + "/api/sources")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	var sources []sourceRow
	if err := json.NewDecoder(resp.Body).Decode(&sources); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tTITLE\tURL\tSTATE")
	for _, s := range sources {
		state := "live"
		if s.Paused {
			state = "paused"
		} else if s.FailureCount > 0 {
			state = fmt.Sprintf("failing(%d)", s.FailureCount)
		}
		title := s.Title
		if title == "" {
			title = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.ID, orDash(s.Type), title, s.URL, state)
	}
	return tw.Flush()
}

func runPause(c *client, args []string, paused bool) error {
	if len(args) != 1 {
		usage()
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", args[0])
	}
	body, _ := json.Marshal(map[string]bool{"paused": paused})
	resp, err := c.http.Post(fmt.Sprintf("%s/api/sources/%d/pause", c.base, id), "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

func runDelete(c *client, args []string) error {
	if len(args) != 1 {
		usage()
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", args[0])
	}
	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/sources/%d", c.base, id), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func apiError(resp *http.Response) error {
	var out struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err == nil && out.Error != "" {
		return fmt.Errorf("%s", out.Error)
	}
	return fmt.Errorf("HTTP %d", resp.StatusCode)
}
