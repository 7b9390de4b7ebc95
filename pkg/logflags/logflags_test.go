package logflags

import (
	"testing"
)

func resetFlags() {
	unwinder = false
	frameParser = false
	frameEval = false
}

func TestSetup(t *testing.T) {
	defer resetFlags()

	if err := Setup(true, "unwinder,frame"); err != nil {
		t.Fatal(err)
	}
	if !Unwinder() || !FrameParser() {
		t.Error("requested components not enabled")
	}
	if FrameEval() {
		t.Error("eval logging enabled without being requested")
	}
}

func TestSetupDefaultComponent(t *testing.T) {
	defer resetFlags()

	if err := Setup(true, ""); err != nil {
		t.Fatal(err)
	}
	if !Unwinder() {
		t.Error("default component not enabled")
	}
}

func TestSetupLogstrWithoutLog(t *testing.T) {
	defer resetFlags()

	if err := Setup(false, "unwinder"); err == nil {
		t.Error("expected error for log output without logging enabled")
	}
}

func TestLoggersNeverNil(t *testing.T) {
	defer resetFlags()

	for _, logger := range []Logger{UnwinderLogger(), FrameParserLogger(), FrameEvalLogger()} {
		if logger == nil {
			t.Fatal("nil logger")
		}
		// Disabled loggers still accept calls.
		logger.Debugf("test %d", 1)
	}
}
