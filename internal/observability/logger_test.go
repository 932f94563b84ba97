package observability

import (
	"bytes"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/sentinel/errs"
)

type recordingLogger struct {
	entries []string
	fields  [][]Field
}

func (r *recordingLogger) record(msg string, fields []Field) {
	r.entries = append(r.entries, msg)
	r.fields = append(r.fields, fields)
}

func (r *recordingLogger) Debug(msg string, fields ...Field) { r.record(msg, fields) }
func (r *recordingLogger) Info(msg string, fields ...Field)  { r.record(msg, fields) }
func (r *recordingLogger) Warn(msg string, fields ...Field)  { r.record(msg, fields) }
func (r *recordingLogger) Error(msg string, fields ...Field) { r.record(msg, fields) }

func TestSetLoggerNilFallsBackToNoop(t *testing.T) {
	SetLogger(nil)
	require.NotNil(t, Log())
	Log().Info("ignored")
}

func TestWithPrependsFields(t *testing.T) {
	rec := &recordingLogger{}
	logger := With(rec, F("component", "cache"))
	logger.Warn("pending overflow", F("product", "BTC-USD"))

	require.Equal(t, []string{"pending overflow"}, rec.entries)
	require.Equal(t, []Field{{Key: "component", Value: "cache"}, {Key: "product", Value: "BTC-USD"}}, rec.fields[0])
}

func TestLogrusLoggerWritesJSON(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	var buf bytes.Buffer
	logger := NewLogrusLogger(LogConfig{Output: &buf}).WithComponent("transport")
	logger.Debug("dial failed", F("attempt", 3), F("error", errors.New("refused")))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "dial failed", entry["message"])
	require.Equal(t, "debug", entry["level"])
	require.Equal(t, "transport", entry["component"])
	require.Equal(t, "refused", entry["error"])
	require.EqualValues(t, 3, entry["attempt"])
	require.Contains(t, entry, "timestamp")
}

func TestLogrusLoggerRespectsLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	var buf bytes.Buffer
	logger := NewLogrusLogger(LogConfig{Level: "warn", Output: &buf})
	logger.Info("hidden")
	require.Zero(t, buf.Len())
	logger.Error("shown")
	require.NotZero(t, buf.Len())
}

func TestAggregateErrorsJoinsNonNil(t *testing.T) {
	rec := &recordingLogger{}
	require.NoError(t, AggregateErrors(rec, "shutdown", []error{nil, nil}))
	require.Empty(t, rec.entries)

	timeout := errors.New("stopping core: timeout")
	err := AggregateErrors(rec, "shutdown", []error{
		timeout,
		nil,
		errs.New("transport/close", errs.CodeTransport, errs.WithMessage("close frame")),
	})
	require.ErrorIs(t, err, timeout)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	require.ErrorContains(t, err, "op=shutdown")
	require.ErrorContains(t, err, "close frame")

	require.Equal(t, []string{"shutdown incomplete"}, rec.entries)
	require.Contains(t, rec.fields[0], F("failures", 2))
	require.Contains(t, rec.fields[0], F("codes", map[string]int{"unclassified": 1, "transport": 1}))
}

func TestAggregateErrorsKeepsSharedCode(t *testing.T) {
	err := AggregateErrors(&recordingLogger{}, "stop", []error{
		errs.New("transport/close", errs.CodeTransport),
		errs.New("transport/ping", errs.CodeTransport),
	})
	require.Equal(t, errs.CodeTransport, errs.CodeOf(err))
}
