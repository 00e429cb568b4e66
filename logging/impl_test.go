package logging

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"
)

// assertLogMatches will fuzzy match log lines. Notably, this ignores the exact time and the exact
// line number, but expects a match on everything else.
func assertLogMatches(t *testing.T, actual *bytes.Buffer, expected string) {
	t.Helper()

	output, err := actual.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	actualParts := strings.Split(strings.TrimSuffix(output, "\n"), "\t")
	expectedParts := strings.Split(expected, "\t")
	test.That(t, len(actualParts), test.ShouldEqual, len(expectedParts))
	_, err = time.Parse(DefaultTimeFormatStr, actualParts[0])
	test.That(t, err, test.ShouldBeNil)
	for idx := 1; idx < len(expectedParts); idx++ {
		if strings.HasSuffix(expectedParts[idx], ".go") {
			file, _, found := strings.Cut(actualParts[idx], ":")
			test.That(t, found, test.ShouldBeTrue)
			test.That(t, file, test.ShouldEqual, expectedParts[idx])
			continue
		}
		test.That(t, actualParts[idx], test.ShouldEqual, expectedParts[idx])
	}
}

func TestConsoleFormatting(t *testing.T) {
	var buf bytes.Buffer
	logger := NewBlankLogger("calibration")
	logger.AddAppender(NewWriterAppender(&buf))

	logger.Info("detected boards")
	assertLogMatches(t, &buf, "2023-10-30T09:12:09.459Z\tINFO\tcalibration\tlogging/impl_test.go\tdetected boards")

	logger.Infow("fitted", "camera", "cam0", "error", 0.25)
	assertLogMatches(t, &buf,
		`2023-10-30T09:12:09.459Z	INFO	calibration	logging/impl_test.go	fitted	{"camera":"cam0","error":0.25}`)

	logger.Debugf("frame %d of %d", 40, 400)
	assertLogMatches(t, &buf, "2023-10-30T09:12:09.459Z\tDEBUG\tcalibration\tlogging/impl_test.go\tframe 40 of 400")

	logger.Warnw("unpaired", "key")
	assertLogMatches(t, &buf,
		`2023-10-30T09:12:09.459Z	WARN	calibration	logging/impl_test.go	unpaired	{"key":"unpaired log key"}`)
}

func TestLevels(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.SetLevel(WARN)
	test.That(t, logger.GetLevel(), test.ShouldEqual, WARN)

	logger.Info("dropped")
	logger.Debug("dropped")
	logger.Warn("kept")
	logger.Errorf("kept %s", "too")
	test.That(t, logs.Len(), test.ShouldEqual, 2)
	test.That(t, logs.FilterMessage("kept too").Len(), test.ShouldEqual, 1)

	for _, tc := range []struct {
		in       string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warn", WARN},
		{"error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.expected)
	}
	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSublogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	unitLogger := logger.Sublogger("calibration").Sublogger("cam0")
	unitLogger.Infow("progress", "frame", 80)

	entries := logs.All()
	test.That(t, len(entries), test.ShouldEqual, 1)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "calibration.cam0")
	test.That(t, entries[0].ContextMap()["frame"], test.ShouldEqual, int64(80))
}

func TestWith(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	unitLogger := logger.Sublogger("calibration").With("run_id", "r1").With("unit", "cam0")
	unitLogger.Infow("fitted", "error", 0.5)
	logger.Info("untouched")

	entries := logs.All()
	test.That(t, len(entries), test.ShouldEqual, 2)
	test.That(t, entries[0].ContextMap(), test.ShouldResemble, map[string]interface{}{
		"run_id": "r1",
		"unit":   "cam0",
		"error":  0.5,
	})
	test.That(t, entries[1].Context, test.ShouldBeEmpty)
}

func TestAsZap(t *testing.T) {
	var buf bytes.Buffer
	logger := NewBlankLogger("zap")
	logger.AddAppender(NewWriterAppender(&buf))
	logger.SetLevel(INFO)

	sugared := logger.AsZap()
	sugared.Debug("hidden")
	sugared.Infow("shown", "n", 1)
	test.That(t, buf.String(), test.ShouldContainSubstring, "shown")
	test.That(t, buf.String(), test.ShouldNotContainSubstring, "hidden")
}
