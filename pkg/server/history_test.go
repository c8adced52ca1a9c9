package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ovoenergyau/ovoenergyau/pkg/storage/storagemock"
	"github.com/ovoenergyau/ovoenergyau/pkg/types"
)

func TestHandleHistoryHourly(t *testing.T) {
	records := []types.UsageRecord{
		{PeriodStart: time.Date(2024, 5, 9, 10, 0, 0, 0, time.UTC), ConsumptionKWh: 1.2, Commodity: types.CommoditySolar, ChargeType: types.ChargeTypeDebit},
	}

	t.Run("default range", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetHourlyUsage", mock.Anything, fixedNow.Add(-7*24*time.Hour), fixedNow).Return(records, nil)
		srv := newTestServer(&mockCoordinator{}, db)

		w := serve(srv, httptest.NewRequest(http.MethodGet, "/api/history/hourly", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "private, max-age=60", w.Header().Get("Cache-Control"))

		var body struct {
			Records []types.UsageRecord `json:"records"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Len(t, body.Records, 1)
		assert.Equal(t, 1.2, body.Records[0].ConsumptionKWh)
		db.AssertExpectations(t)
	})

	t.Run("explicit past range", func(t *testing.T) {
		start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC)
		db := &storagemock.MockDatabase{}
		db.On("GetHourlyUsage", mock.Anything, start, end).Return(nil, nil)
		srv := newTestServer(&mockCoordinator{}, db)

		w := serve(srv, httptest.NewRequest(http.MethodGet, "/api/history/hourly?start=2024-05-01T00:00:00Z&end=2024-05-03T00:00:00Z", nil))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "private, max-age=3600", w.Header().Get("Cache-Control"))
		assert.JSONEq(t, `{"start":"2024-05-01T00:00:00Z","end":"2024-05-03T00:00:00Z","records":[]}`, w.Body.String())
	})

	t.Run("storage error", func(t *testing.T) {
		db := &storagemock.MockDatabase{}
		db.On("GetHourlyUsage", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("locked"))
		srv := newTestServer(&mockCoordinator{}, db)

		w := serve(srv, httptest.NewRequest(http.MethodGet, "/api/history/hourly", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	bad := []string{
		"?start=2024-05-01T00:00:00Z",
		"?start=yesterday&end=2024-05-03T00:00:00Z",
		"?start=2024-05-01T00:00:00Z&end=today",
		"?start=2024-05-03T00:00:00Z&end=2024-05-01T00:00:00Z",
		"?start=2024-05-01T00:00:00Z&end=2024-05-01T00:00:00Z",
		"?start=2024-01-01T00:00:00Z&end=2024-03-01T00:00:00Z",
	}
	for _, q := range bad {
		t.Run(q, func(t *testing.T) {
			db := &storagemock.MockDatabase{}
			srv := newTestServer(&mockCoordinator{}, db)
			w := serve(srv, httptest.NewRequest(http.MethodGet, "/api/history/hourly"+q, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			db.AssertNotCalled(t, "GetHourlyUsage", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}
