package api_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rongwang/fieldops-server/internal/api/testutils"
	"github.com/rongwang/fieldops-server/internal/models"
)

func TestConcurrentPushesToOneRecord(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	worker := testCtx.Worker
	w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/sync/devices/register",
		models.RegisterDeviceRequest{DeviceID: "dev-w"}, testutils.AuthHeaders(worker.JWT))
	require.Equal(t, http.StatusOK, w.Code)

	const numWriters = 10
	var wg sync.WaitGroup
	results := make(chan models.PushResponse, numWriters)

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/sync/push", models.PushRequest{
				DeviceID:  "dev-w",
				TableName: string(models.TableWeeklyPlans),
				Records:   []models.Payload{{"id": "plan-1", "version": 1, "goal": fmt.Sprintf("writer-%d", i)}},
			}, testutils.AuthHeaders(worker.JWT))
			if !assert.Equal(t, http.StatusOK, w.Code) {
				return
			}
			var resp models.PushResponse
			if assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp)) {
				results <- resp
			}
		}(i)
	}
	wg.Wait()
	close(results)

	synced, failed := 0, 0
	for r := range results {
		synced += r.RecordsSynced
		failed += len(r.Errors)
	}
	assert.Equal(t, numWriters, synced+failed)
	assert.Positive(t, synced)

	// Every accepted write moved the version by exactly one.
	records := pull(t, testCtx, worker.JWT, "dev-w", models.TableWeeklyPlans, nil).Records
	require.Len(t, records, 1)
	assert.Equal(t, int64(synced), records[0].Version)
}

func TestConcurrentDailyLogChecks(t *testing.T) {
	testCtx := testutils.SetupTestContext(t)
	defer testutils.CleanupTestContext(testCtx)

	const numRuns = 5
	var wg sync.WaitGroup
	generated := make(chan int, numRuns)

	for i := 0; i < numRuns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := testutils.PerformRequest(testCtx.Router, http.MethodPost, "/api/disciplinary/auto-check-daily-logs", nil, testutils.AuthHeaders(testCtx.Admin.JWT))
			if !assert.Equal(t, http.StatusOK, w.Code) {
				return
			}
			var resp models.ScanResponse
			if assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp)) {
				generated <- resp.Generated
			}
		}()
	}
	wg.Wait()
	close(generated)

	total := 0
	for g := range generated {
		total += g
	}
	// Admin, HR and the worker each missed their logs; one record apiece.
	assert.Equal(t, 3, total)

	w := testutils.PerformRequest(testCtx.Router, http.MethodGet, "/api/disciplinary/records", nil, testutils.AuthHeaders(testCtx.HR.JWT))
	require.Equal(t, http.StatusOK, w.Code)
	var all recordList
	testutils.DecodeJSON(t, w, &all)
	assert.Len(t, all.Records, 3)
}
