package ovo

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovoenergyau/ovoenergyau/pkg/log"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

var testTokens = types.TokenSet{AccessToken: "access-1", IDToken: "id-1"}

type capturedRequest struct {
	Headers http.Header
	Body    graphqlRequest
	Input   map[string]any
}

// newTestServer answers every GraphQL request with the response for its
// operation name.
func newTestServer(t *testing.T, responses map[string]string) (*Client, *[]capturedRequest) {
	t.Helper()
	var captured []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/graphql", r.URL.Path)

		var raw struct {
			OperationName string                     `json:"operationName"`
			Query         string                     `json:"query"`
			Variables     map[string]map[string]any `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		captured = append(captured, capturedRequest{
			Headers: r.Header.Clone(),
			Body:    graphqlRequest{OperationName: raw.OperationName, Query: raw.Query},
			Input:   raw.Variables["input"],
		})

		resp, ok := responses[raw.OperationName]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, resp)
	}))
	t.Cleanup(srv.Close)

	sydney, err := time.LoadLocation("Australia/Sydney")
	require.NoError(t, err)
	c, err := New(srv.URL+"/graphql", srv.Client(), 5*time.Second, sydney, nil)
	require.NoError(t, err)
	return c, &captured
}

func TestFetchAccountID(t *testing.T) {
	c, captured := newTestServer(t, map[string]string{
		"GetContactInfo": `{"data":{"GetContactInfo":{"accounts":[
			{"id":30000001,"number":"A1","closed":true},
			{"id":30000002,"number":"A2","closed":false},
			{"id":"30000003","number":"A3","closed":false}
		]}}}`,
	})

	id, err := c.FetchAccountID(t.Context(), testTokens, "owner@example.com")
	require.NoError(t, err)
	assert.Equal(t, "30000002", id)

	require.Len(t, *captured, 1)
	req := (*captured)[0]
	assert.Equal(t, "GetContactInfo", req.Body.OperationName)
	assert.Contains(t, req.Body.Query, "query GetContactInfo")
	assert.Equal(t, "owner@example.com", req.Input["email"])
	assert.Equal(t, "Bearer access-1", req.Headers.Get("Authorization"))
	assert.Equal(t, "id-1", req.Headers.Get("myovo-id-token"))
	assert.NotEmpty(t, req.Headers.Get("Origin"))
}

func TestFetchAccountIDNoActiveAccounts(t *testing.T) {
	c, _ := newTestServer(t, map[string]string{
		"GetContactInfo": `{"data":{"GetContactInfo":{"accounts":[{"id":1,"closed":true}]}}}`,
	})
	_, err := c.FetchAccountID(t.Context(), testTokens, "owner@example.com")

	var apiErr *types.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "no active accounts")

	_, err = c.FetchAccountID(t.Context(), testTokens, "")
	require.ErrorAs(t, err, &apiErr)
}

const intervalResponse = `{"data":{"GetIntervalData":{
	"daily":{
		"solar":[
			{"periodFrom":"2024-05-08T00:00:00Z","periodTo":"2024-05-08T23:59:59Z","consumption":7.5,"readType":"ACTUAL","charge":{"value":0,"type":"DEBIT"}},
			{"periodFrom":"2024-05-09T00:00:00Z","periodTo":"2024-05-09T23:59:59Z","consumption":"8.25","readType":"ACTUAL","charge":{"value":0,"type":"DEBIT"}}
		],
		"export":[
			{"periodFrom":"2024-05-09T00:00:00Z","periodTo":"2024-05-09T23:59:59Z","consumption":12.1,"charge":{"value":3.63,"type":"PEAK"}},
			{"periodFrom":"2024-05-09T00:00:00Z","periodTo":"2024-05-09T23:59:59Z","consumption":4.2,"charge":{"value":-0.21,"type":"CREDIT"}},
			{"periodFrom":"2024-05-09T00:00:00Z","periodTo":"2024-05-09T23:59:59Z","consumption":null,"charge":{"value":"oops"}},
			{"periodFrom":"2024-05-09T00:00:00Z","consumption":1,"charge":{"value":0.1,"type":"SHOULDER"}},
			"not an entry"
		]
	},
	"monthly":{"solar":null,"export":[{"periodFrom":"2024-05-01T00:00:00Z","consumption":300,"charge":{"value":90,"type":"DEBIT"}}]},
	"yearly":"garbage"
}}}`

func TestFetchIntervalUsage(t *testing.T) {
	c, captured := newTestServer(t, map[string]string{"GetIntervalData": intervalResponse})

	usage, err := c.FetchIntervalUsage(t.Context(), testTokens, "30000002")
	require.NoError(t, err)
	assert.Equal(t, "30000002", (*captured)[0].Input["accountId"])

	require.Len(t, usage.Daily.Solar, 2)
	solar := usage.Daily.Solar[1]
	assert.Equal(t, types.CommoditySolar, solar.Commodity)
	assert.Equal(t, 8.25, solar.ConsumptionKWh)
	assert.Equal(t, "ACTUAL", solar.ReadType)
	assert.Equal(t, "2024-05-09T00:00:00+10:00", solar.PeriodStart.Format(time.RFC3339), "wall clock kept in the local zone")

	require.Len(t, usage.Daily.Export, 4, "the non-object entry is skipped")
	assert.Equal(t, types.ChargeTypePeak, usage.Daily.Export[0].ChargeType)
	assert.True(t, decimal.RequireFromString("3.63").Equal(usage.Daily.Export[0].Charge))
	assert.Equal(t, types.ChargeTypeCredit, usage.Daily.Export[1].ChargeType)

	malformed := usage.Daily.Export[2]
	assert.Zero(t, malformed.ConsumptionKWh)
	assert.True(t, malformed.Charge.IsZero())
	assert.Equal(t, types.ChargeTypeDebit, malformed.ChargeType, "missing type defaults to DEBIT")
	assert.Equal(t, types.ChargeTypeDebit, usage.Daily.Export[3].ChargeType)
	assert.True(t, usage.Daily.Export[3].PeriodEnd.IsZero())

	assert.Empty(t, usage.Monthly.Solar)
	require.Len(t, usage.Monthly.Export, 1)
	assert.Equal(t, 300.0, usage.Monthly.Export[0].ConsumptionKWh)

	assert.Equal(t, 0, usage.Yearly.Len(), "a malformed granularity decodes as empty")
}

func TestFetchHourlyUsage(t *testing.T) {
	c, captured := newTestServer(t, map[string]string{
		"GetHourlyData": `{"data":{"GetHourlyData":{
			"solar":[
				{"periodFrom":"2024-05-09T10:00:00Z","periodTo":"2024-05-09T10:59:59Z","consumption":1.2},
				{"periodFrom":"2024-05-09T11:00:00Z","periodTo":"2024-05-09T11:59:59Z","consumption":1.4}
			],
			"export":[
				{"periodFrom":"2024-05-09T10:00:00Z","consumption":0.3,"charge":{"value":0.09,"type":"OFF_PEAK"}}
			]
		}}}`,
	})

	r := types.DateRange{
		Start: time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 5, 9, 0, 0, 0, 0, time.UTC),
	}
	usage, err := c.FetchHourlyUsage(t.Context(), testTokens, "30000002", r)
	require.NoError(t, err)
	assert.Equal(t, r, usage.Range)
	assert.Len(t, usage.Series.Solar, 2)
	assert.Len(t, usage.Series.Export, 1)
	assert.Equal(t, 10, usage.Series.Solar[0].PeriodStart.Hour())
	assert.Equal(t, "Australia/Sydney", usage.Series.Solar[0].PeriodStart.Location().String())

	input := (*captured)[0].Input
	dr, ok := input["dateRange"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2024-05-03", dr["startDate"])
	assert.Equal(t, "2024-05-09", dr["endDate"])
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"message":"jwt expired"}`,
			check: func(t *testing.T, err error) {
				var authErr *types.AuthError
				require.ErrorAs(t, err, &authErr)
				var apiErr *types.APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			body:   `upstream unavailable`,
			check: func(t *testing.T, err error) {
				var apiErr *types.APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
				assert.Equal(t, "upstream unavailable", apiErr.Message)
				assert.False(t, types.IsTimeout(err))
			},
		},
		{
			name:   "graphql errors",
			status: http.StatusOK,
			body:   `{"errors":[{"message":"Account not found"},{"message":""}],"data":null}`,
			check: func(t *testing.T, err error) {
				var apiErr *types.APIError
				require.ErrorAs(t, err, &apiErr)
				assert.Equal(t, "Account not found, unknown error", apiErr.Message)
			},
		},
		{
			name:   "graphql unauthenticated",
			status: http.StatusOK,
			body:   `{"errors":[{"message":"Unauthorized","extensions":{"code":"UNAUTHENTICATED"}}]}`,
			check: func(t *testing.T, err error) {
				var authErr *types.AuthError
				require.ErrorAs(t, err, &authErr)
			},
		},
		{
			name:   "html body",
			status: http.StatusOK,
			body:   `<html><body>maintenance</body></html>`,
			check: func(t *testing.T, err error) {
				var shapeErr *types.DataShapeError
				require.ErrorAs(t, err, &shapeErr)
				assert.Equal(t, "body", shapeErr.Field)
			},
		},
		{
			name:   "missing operation data",
			status: http.StatusOK,
			body:   `{"data":{"GetIntervalData":null}}`,
			check: func(t *testing.T, err error) {
				var shapeErr *types.DataShapeError
				require.ErrorAs(t, err, &shapeErr)
				assert.Equal(t, "data.GetIntervalData", shapeErr.Field)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			c, err := New(srv.URL+"/graphql", srv.Client(), 5*time.Second, time.UTC, nil)
			require.NoError(t, err)
			_, err = c.FetchIntervalUsage(t.Context(), testTokens, "1")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestQueryTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(srv.URL+"/graphql", srv.Client(), 50*time.Millisecond, time.UTC, nil)
	require.NoError(t, err)

	_, err = c.FetchHourlyUsage(t.Context(), testTokens, "1", types.DateRange{})
	require.Error(t, err)
	assert.True(t, types.IsTimeout(err))

	var apiErr *types.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "GetHourlyData", apiErr.Operation)
}

func TestQueryCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := New(srv.URL+"/graphql", srv.Client(), 5*time.Second, time.UTC, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err = c.FetchIntervalUsage(ctx, testTokens, "1")
	require.Error(t, err)
	assert.False(t, types.IsTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew(t *testing.T) {
	_, err := New("/graphql", nil, time.Second, nil, nil)
	assert.Error(t, err)

	c, err := New("https://my.example.test/graphql", nil, time.Second, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://my.example.test", c.origin)
	assert.NotNil(t, c.client)
}
