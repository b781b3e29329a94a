package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/folkg/auto-coach/pkg/logger"
	"github.com/folkg/auto-coach/pkg/tasks"
)

// HTTPClient submits mutations to the provider's REST API.
//
// Call shapes:
//   - TRANSACTION: POST {base}/league/{leagueKey}/transactions
//   - LINEUP:      PUT  {base}/team/{teamKey}/roster
//
// The league key is the team key's prefix (e.g. "423.l.12345" from
// "423.l.12345.t.7"), the provider's own key convention.
type HTTPClient struct {
	base       string
	httpClient *http.Client
	classifier Classifier
}

// NewHTTPClient returns a provider client for the given API root.
func NewHTTPClient(base string, timeout time.Duration, classifier Classifier) *HTTPClient {
	return &HTTPClient{
		base:       base,
		httpClient: &http.Client{Timeout: timeout},
		classifier: classifier,
	}
}

// Submit performs exactly one provider call and classifies the result.
func (c *HTTPClient) Submit(ctx context.Context, kind tasks.Kind, teamKey string, payload json.RawMessage, creds Credentials) Outcome {
	method := http.MethodPost
	url := fmt.Sprintf("%s/league/%s/transactions", c.base, leagueKey(teamKey))
	if kind == tasks.KindLineup {
		method = http.MethodPut
		url = fmt.Sprintf("%s/team/%s/roster", c.base, teamKey)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return Outcome{Kind: SystemError, Detail: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{Kind: SystemError, Detail: "transport: " + err.Error()}
	}
	defer resp.Body.Close()

	// Bodies are small; 64KB is far beyond any provider error payload.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		logger.Log.Warn().Err(err).Str("team_key", teamKey).Msg("Failed reading provider response body")
		body = nil
	}

	return c.classifier.Classify(resp.StatusCode, body)
}

// leagueKey strips the team suffix from a provider team key.
func leagueKey(teamKey string) string {
	// "423.l.12345.t.7" -> "423.l.12345"
	for i := 0; i+3 < len(teamKey); i++ {
		if teamKey[i:i+3] == ".t." {
			return teamKey[:i]
		}
	}
	return teamKey
}
