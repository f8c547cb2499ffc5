package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestShapeResultJoinsTrimmedSegmentTexts(t *testing.T) {
	t.Parallel()

	segments := []Segment{
		{Start: 0, End: 1.5, Text: " Hello there. "},
		{Start: 1.5, End: 3.2, Text: " General Kenobi."},
	}
	res := shapeResult("en", floatPtr(3.4), segments, true)

	require.Equal(t, "Hello there. General Kenobi.", res.Text)
	require.Equal(t, "en", res.Language)
	require.Equal(t, 3.4, res.DurationSec)
	require.Equal(t, []Segment{
		{Start: 0, End: 1.5, Text: "Hello there."},
		{Start: 1.5, End: 3.2, Text: "General Kenobi."},
	}, res.Segments)
}

func TestShapeResultSegmentFlagLeavesTextAndDurationAlone(t *testing.T) {
	t.Parallel()

	segments := []Segment{
		{Start: 0, End: 2, Text: " one "},
		{Start: 2, End: 4, Text: " two "},
	}
	with := shapeResult("de", nil, segments, true)
	without := shapeResult("de", nil, segments, false)

	require.Equal(t, with.Text, without.Text)
	require.Equal(t, with.DurationSec, without.DurationSec)
	require.Len(t, with.Segments, 2)
	require.Empty(t, without.Segments)
}

func TestShapeResultDurationFallbacks(t *testing.T) {
	t.Parallel()

	segments := []Segment{{Start: 0, End: 7.25, Text: "tail"}}

	t.Run("engine reported duration wins", func(t *testing.T) {
		res := shapeResult("en", floatPtr(9.5), segments, false)
		require.Equal(t, 9.5, res.DurationSec)
	})

	t.Run("last segment end when unreported", func(t *testing.T) {
		res := shapeResult("en", nil, segments, false)
		require.Equal(t, 7.25, res.DurationSec)
	})

	t.Run("zero when no duration and no segments", func(t *testing.T) {
		res := shapeResult("", nil, nil, false)
		require.Equal(t, 0.0, res.DurationSec)
		require.Equal(t, "", res.Text)
	})
}

type brokenPipe struct{}

func (brokenPipe) Write([]byte) (int, error) { return 0, errors.New("write |1: broken pipe") }
func (brokenPipe) Close() error              { return nil }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestWorkerMarksItselfDeadOnWriteError(t *testing.T) {
	t.Parallel()

	w := &fasterWhisperWorker{
		logger: testLogger(),
		stdin:  brokenPipe{},
		stdout: newWorkerScanner(strings.NewReader("")),
	}
	require.True(t, w.Alive())

	_, err := w.Recognize(context.Background(), "a.wav", "", false)
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	require.False(t, w.Alive(), "broken pipe must mark the worker dead")
}

func TestWorkerMarksItselfDeadOnTruncatedOutput(t *testing.T) {
	t.Parallel()

	var sink bytes.Buffer
	w := &fasterWhisperWorker{
		logger: testLogger(),
		stdin:  nopWriteCloser{&sink},
		stdout: newWorkerScanner(strings.NewReader("")),
	}

	_, err := w.Recognize(context.Background(), "a.wav", "", false)
	var engineErr *Error
	require.ErrorAs(t, err, &engineErr)
	require.False(t, w.Alive(), "worker EOF must mark the handle dead")
}

func TestParseWorkerLine(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		line := []byte(`{"ok":true,"language":"fr","duration":12.5,"segments":[{"start":0,"end":2,"text":""},{"start":2,"end":12.5,"text":" bonjour"}]}`)
		res, err := parseWorkerLine(line, true)
		require.NoError(t, err)
		require.Equal(t, "fr", res.Language)
		require.Equal(t, 12.5, res.DurationSec)
		require.Equal(t, "bonjour", res.Text)
	})

	t.Run("engine failure", func(t *testing.T) {
		_, err := parseWorkerLine([]byte(`{"ok":false,"error":"unsupported codec"}`), false)
		var engineErr *Error
		require.ErrorAs(t, err, &engineErr)
		require.Equal(t, "unsupported codec", engineErr.Detail)
	})

	t.Run("garbage output", func(t *testing.T) {
		_, err := parseWorkerLine([]byte("Traceback (most recent call last)"), false)
		var engineErr *Error
		require.ErrorAs(t, err, &engineErr)
	})
}
