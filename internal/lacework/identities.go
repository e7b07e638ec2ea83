package lacework

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// DefaultIdentityLookbackDays bounds the identity query window.
const DefaultIdentityLookbackDays = 7

const identitiesQueryText = "{ source { LW_CE_IDENTITIES I } return { I.* } }"

type lqlExecuteRequest struct {
	Query     lqlQuery      `json:"query"`
	Arguments []lqlArgument `json:"arguments"`
}

type lqlQuery struct {
	QueryText string `json:"queryText"`
}

type lqlArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// QueryIdentities executes the cloud-identity LQL query over the given
// lookback window and returns the raw result rows.
func (c *Client) QueryIdentities(ctx context.Context, lookbackDays int) ([]json.RawMessage, error) {
	if err := c.ensureClient(); err != nil {
		return nil, err
	}
	if lookbackDays <= 0 {
		lookbackDays = DefaultIdentityLookbackDays
	}

	now := c.now().UTC()
	body := lqlExecuteRequest{
		Query: lqlQuery{QueryText: identitiesQueryText},
		Arguments: []lqlArgument{
			{Name: "StartTimeRange", Value: now.Add(-time.Duration(lookbackDays) * 24 * time.Hour).Format(timeFormat)},
			{Name: "EndTimeRange", Value: now.Format(timeFormat)},
		},
	}

	resp, err := c.request(ctx, http.MethodPost, "/api/v2/Queries/execute", body)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}
