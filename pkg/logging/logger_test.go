package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesOperationLog(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)
	defer logger.Close()

	err = logger.Info(CategoryOperation, "step_transition", "entering password", map[string]any{
		"step": "entering_password",
	})
	require.NoError(t, err)

	events := readEvents(t, filepath.Join(dir, "operations.jsonl"))
	require.Len(t, events, 1)
	assert.Equal(t, "step_transition", events[0].EventType)
	assert.Equal(t, CategoryOperation, events[0].Category)
	assert.Equal(t, "entering_password", events[0].Details["step"])
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestLoggerErrorsGoToBothFiles(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.Error(CategoryDriver, "navigation_failed", "selector not found", nil))

	assert.Len(t, readEvents(t, filepath.Join(dir, "operations.jsonl")), 1)
	assert.Len(t, readEvents(t, filepath.Join(dir, "errors.jsonl")), 1)
}

func TestLoggerMinLevel(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)
	defer logger.Close()

	logger.SetMinLevel(LevelWarn)
	require.NoError(t, logger.Info(CategoryAPI, "request", "should be dropped", nil))
	require.NoError(t, logger.Warn(CategoryAPI, "slow_request", "should be kept", nil))

	events := readEvents(t, filepath.Join(dir, "operations.jsonl"))
	require.Len(t, events, 1)
	assert.Equal(t, "slow_request", events[0].EventType)
}

func TestOperationEventCarriesIdentifiers(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	require.NoError(t, err)
	defer logger.Close()

	require.NoError(t, logger.OperationEvent(LevelInfo, "acc1", "op-123", "submitting_post", "step_transition", ""))

	events := readEvents(t, filepath.Join(dir, "operations.jsonl"))
	require.Len(t, events, 1)
	assert.Equal(t, "acc1", events[0].AccountID)
	assert.Equal(t, "op-123", events[0].OperationID)
	assert.Equal(t, "submitting_post", events[0].Step)
}

func TestDiscardLogger(t *testing.T) {
	logger := NewDiscardLogger()
	assert.NoError(t, logger.Error(CategoryDevice, "boot_failed", "dropped", nil))
	assert.NoError(t, logger.Close())
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	return events
}
