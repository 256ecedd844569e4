package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"
)

type markerStats struct {
	Name   string
	Frames int
	weight float64
}

type frameReport struct {
	Frame  int
	Marker markerStats
	note   string
}

func newBufferLogger(name string, level Level) (Logger, *bytes.Buffer) {
	notStdout := &bytes.Buffer{}
	return &impl{name, NewAtomicLevelAt(level), true, []Appender{NewWriterAppender(notStdout)}}, notStdout
}

// assertLogMatches will fuzzy match log lines. Notably, this checks the time format, but ignores
// the exact time. And it expects a match on the filename, but the exact line number can be wrong.
func assertLogMatches(t *testing.T, actual *bytes.Buffer, expected string) {
	t.Helper()

	output, err := actual.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	actualParts := strings.Split(strings.TrimSuffix(output, "\n"), "\t")
	expectedParts := strings.Split(expected, "\t")
	test.That(t, len(actualParts), test.ShouldEqual, len(expectedParts))
	// The exact time is ignored, only its format is checked.
	_, err = time.Parse(DefaultTimeFormatStr, actualParts[0])
	test.That(t, err, test.ShouldBeNil)
	// Log level and logger name.
	test.That(t, actualParts[1], test.ShouldEqual, expectedParts[1])
	test.That(t, actualParts[2], test.ShouldEqual, expectedParts[2])

	actualFilename, actualLineNumber, found := strings.Cut(actualParts[3], ":")
	test.That(t, found, test.ShouldBeTrue)
	expectedFilename, _, found := strings.Cut(expectedParts[3], ":")
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, actualFilename, test.ShouldEqual, expectedFilename)
	_, err = strconv.Atoi(actualLineNumber)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, actualParts[4], test.ShouldEqual, expectedParts[4])
	if len(actualParts) == 5 {
		return
	}

	// JSON encoding of maps can be unpredictable because map iteration order can change between
	// runs. Parse the output into maps and assert on map equality.
	expectedMap := make(map[string]any)
	test.That(t, json.Unmarshal([]byte(expectedParts[5]), &expectedMap), test.ShouldBeNil)
	actualMap := make(map[string]any)
	test.That(t, json.Unmarshal([]byte(actualParts[5]), &actualMap), test.ShouldBeNil)
	test.That(t, actualMap, test.ShouldResemble, expectedMap)
}

func TestConsoleOutputFormat(t *testing.T) {
	logger, notStdout := newBufferLogger("solve", DEBUG)

	logger.Info("pair solved")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459-0400	INFO	solve	logging/impl_test.go:67	pair solved`)

	logger.Infof("frame %d solved", 12)
	assertLogMatches(t, notStdout,
		`2023-10-30T09:45:20.764-0400	INFO	solve	logging/impl_test.go:131	frame 12 solved`)

	logger.Infow("bundle rejected", "marker", "m7")
	assertLogMatches(t, notStdout,
		`2023-10-30T13:19:45.806-0400	INFO	solve	logging/impl_test.go:132	bundle rejected	{"marker":"m7"}`)

	// Only exported fields are serialized.
	logger.Infow("report", "frame", 3, "report", frameReport{3, markerStats{"m1", 40, 0.5}, "x"})
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	INFO	solve	logging/impl_test.go:121	report	{"frame":3,"report":{"Frame":3,"Marker":{"Name":"m1","Frames":40}}}`)

	logger.Debugw("unpaired", "lonely")
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	DEBUG	solve	logging/impl_test.go:121	unpaired	{"lonely":"unpaired log key"}`)

	logger.Warnw("sprintf", "value", fmt.Sprintf("%+v", markerStats{"m2", 3, 1}))
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	WARN	solve	logging/impl_test.go:127	sprintf	{"value":"{Name:m2 Frames:3 weight:1}"}`)
}

func TestLevelsAndSubloggers(t *testing.T) {
	logger, notStdout := newBufferLogger("solve", INFO)

	logger.Debug("hidden")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	logger.CDebugw(context.Background(), "still hidden", "frame", 3)
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	ctx := EnableDebugMode(context.Background(), "solve-7")
	logger.CDebugf(ctx, "visible %d", 1)
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	DEBUG	solve	logging/impl_test.go:127	visible 1	{"debug_key":"solve-7"}`)
	logger.CDebug(ctx, "plain")
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	DEBUG	solve	logging/impl_test.go:127	plain	{"debug_key":"solve-7"}`)
	logger.CDebugw(ctx, "pose added", "frame", 3)
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	DEBUG	solve	logging/impl_test.go:127	pose added	{"frame":3,"debug_key":"solve-7"}`)
	test.That(t, IsDebugMode(EnableDebugMode(context.Background(), "")), test.ShouldBeTrue)
	test.That(t, len(DebugKey(EnableDebugMode(context.Background(), ""))), test.ShouldEqual, 6)

	sub := logger.Sublogger("ba")
	test.That(t, sub.GetLevel(), test.ShouldEqual, INFO)
	sub.SetLevel(ERROR)
	test.That(t, logger.GetLevel(), test.ShouldEqual, INFO)
	sub.Warn("dropped")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)
	sub.Error("kept")
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	ERROR	solve.ba	logging/impl_test.go:127	kept`)
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warning", WARN},
		{"warn", WARN},
		{"error", ERROR},
	} {
		t.Run(tc.in, func(t *testing.T) {
			level, err := LevelFromString(tc.in)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, level, test.ShouldEqual, tc.expected)
		})
	}

	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)

	var level Level
	test.That(t, json.Unmarshal([]byte(`"warn"`), &level), test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
	out, err := json.Marshal(ERROR)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual, `"error"`)
}

func TestObservedTestLogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Sublogger("pnp").Warnw("pnp failed", "frame", 9)
	test.That(t, logs.FilterMessage("pnp failed").Len(), test.ShouldEqual, 1)
	entry := logs.All()[0]
	test.That(t, entry.LoggerName, test.ShouldEqual, "pnp")
	test.That(t, entry.ContextMap()["frame"], test.ShouldEqual, int64(9))

	test.That(t, logger.Sync(), test.ShouldBeNil)
}
