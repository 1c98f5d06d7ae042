// Package appinsights looks up the telemetry trail of a managed CLI command
// through the Application Insights query API.
package appinsights

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"
)

// DefaultBaseURL is the public Application Insights REST endpoint.
const DefaultBaseURL = "https://api.applicationinsights.io/v1/apps"

// DefaultTimeRange is used when the caller names none or an unknown one.
const DefaultTimeRange = "24h"

// ErrInvalidRequest is returned for missing or malformed search parameters.
var ErrInvalidRequest = errors.New("invalid search request")

var timeRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// commandIDPattern keeps command IDs out of KQL string syntax.
var commandIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

// Credentials identify the Application Insights resource to query.
type Credentials struct {
	APIKey string
	AppID  string
}

// CommandDetails summarises the traces found for a command.
type CommandDetails struct {
	StartTime        any   `json:"start_time"`
	EndTime          any   `json:"end_time"`
	TotalEvents      int   `json:"total_events"`
	SeverityLevels   []any `json:"severity_levels"`
	CustomDimensions any   `json:"custom_dimensions"`
}

// TimelineEvent is one trace row.
type TimelineEvent struct {
	Timestamp any `json:"timestamp"`
	Message   any `json:"message"`
	Severity  any `json:"severity"`
	Details   any `json:"details"`
}

// SearchResult is returned to the browser as is.
type SearchResult struct {
	Success        bool            `json:"success"`
	Message        string          `json:"message"`
	CommandDetails *CommandDetails `json:"commandDetails"`
	Timeline       []TimelineEvent `json:"timeline"`
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     *log.Logger
}

// Client queries Application Insights.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
	logger     *log.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[appinsights] ", log.LstdFlags|log.Lmsgprefix)
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
}

// TimeWindow resolves a named range ending at now. Unknown names fall back
// to DefaultTimeRange.
func TimeWindow(name string, now time.Time) (start, end time.Time) {
	d, ok := timeRanges[name]
	if !ok {
		d = timeRanges[DefaultTimeRange]
	}
	end = now.UTC()
	return end.Add(-d), end
}

// BuildQuery returns the KQL for a command's traces in [start, end].
func BuildQuery(commandID string, start, end time.Time) string {
	return fmt.Sprintf(`traces
| where customDimensions.commandId == "%s"
| where timestamp between(datetime("%s") .. datetime("%s"))
| project timestamp, message, severityLevel, customDimensions
| order by timestamp asc`,
		commandID, start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano))
}

type queryResponse struct {
	Tables []struct {
		Rows [][]any `json:"rows"`
	} `json:"tables"`
}

// SearchCommand returns the traces recorded for commandID. Transport and
// API failures are reported in the result, not as an error; the error is
// reserved for invalid parameters.
func (c *Client) SearchCommand(ctx context.Context, creds Credentials, commandID, timeRange string) (*SearchResult, error) {
	if creds.APIKey == "" || creds.AppID == "" || commandID == "" {
		return nil, fmt.Errorf("%w: API Key, Application ID, and Command ID are required", ErrInvalidRequest)
	}
	if !commandIDPattern.MatchString(commandID) {
		return nil, fmt.Errorf("%w: command ID contains unsupported characters", ErrInvalidRequest)
	}
	if strings.ContainsAny(creds.AppID, "/?#") {
		return nil, fmt.Errorf("%w: malformed application ID", ErrInvalidRequest)
	}

	start, end := TimeWindow(timeRange, c.now())
	rows, err := c.query(ctx, creds, BuildQuery(commandID, start, end))
	if err != nil {
		c.logger.Printf("query for command %s failed: %v", commandID, err)
		return &SearchResult{
			Success: false,
			Message: fmt.Sprintf("Error querying App Insights: %v", err),
		}, nil
	}

	if len(rows) == 0 {
		return &SearchResult{
			Success: false,
			Message: "No command data found for the specified ID",
		}, nil
	}

	return &SearchResult{
		Success:        true,
		Message:        "Command data retrieved successfully",
		CommandDetails: summarise(rows),
		Timeline:       timeline(rows),
	}, nil
}

func (c *Client) query(ctx context.Context, creds Credentials, kql string) ([][]any, error) {
	body, err := json.Marshal(map[string]string{"query": kql})
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	url := c.baseURL + "/" + creds.AppID + "/query"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Api-Key", creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(qr.Tables) == 0 {
		return nil, nil
	}
	return qr.Tables[0].Rows, nil
}

// column returns row[i], or nil for short rows.
func column(row []any, i int) any {
	if i < len(row) {
		return row[i]
	}
	return nil
}

// isEmpty reports whether a column value carries nothing: null, an empty
// string or an empty object or array.
func isEmpty(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	}
	return false
}

func summarise(rows [][]any) *CommandDetails {
	first, last := rows[0], rows[len(rows)-1]

	var severities []any
	seen := make(map[string]bool)
	for _, row := range rows {
		sev := column(row, 2)
		key := fmt.Sprint(sev)
		if !seen[key] {
			seen[key] = true
			severities = append(severities, sev)
		}
	}

	dims := column(first, 3)
	if isEmpty(dims) {
		dims = map[string]any{}
	}

	return &CommandDetails{
		StartTime:        column(first, 0),
		EndTime:          column(last, 0),
		TotalEvents:      len(rows),
		SeverityLevels:   severities,
		CustomDimensions: dims,
	}
}

func timeline(rows [][]any) []TimelineEvent {
	events := make([]TimelineEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, TimelineEvent{
			Timestamp: column(row, 0),
			Message:   column(row, 1),
			Severity:  column(row, 2),
			Details:   column(row, 3),
		})
	}
	return events
}
