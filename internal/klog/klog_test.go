package klog

import (
	"testing"

	"github.com/sirupsen/logrus"

	"rvkernel/internal/kcmdline"
)

func TestNewHonorsLogFilter(t *testing.T) {
	l := New(kcmdline.Parse("log.filter=warn"))
	if l.base.GetLevel() != logrus.WarnLevel {
		t.Fatalf("expected warn level, got %v", l.base.GetLevel())
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	l := New(kcmdline.Parse(""))
	if l.base.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info level by default, got %v", l.base.GetLevel())
	}
}

func TestNewFallsBackToInfoOnBadFilter(t *testing.T) {
	l := New(kcmdline.Parse("log.filter=nonsense"))
	if l.base.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected fallback to info level, got %v", l.base.GetLevel())
	}
}

func TestForHartTagsEntriesAndPreservesHalt(t *testing.T) {
	l := New(kcmdline.Parse(""))
	var halted int = -1
	l.Halt = func(hart int) { halted = hart }
	h := l.ForHart(3)
	if h.hart != 3 {
		t.Fatalf("expected ForHart(3) to tag hart 3, got %d", h.hart)
	}
	h.Fatal("kernel invariant violated: %s", "test")
	if halted != 3 {
		t.Fatalf("expected Fatal to invoke Halt(3), got %d", halted)
	}
}

func TestFatalWithoutHaltDoesNotPanic(t *testing.T) {
	l := New(kcmdline.Parse(""))
	l.Fatal("no halt wired, should not panic")
}

func TestLogColorOffDisablesColor(t *testing.T) {
	l := New(kcmdline.Parse("log.color=off"))
	f := l.base.Formatter.(*logrus.TextFormatter)
	if !f.DisableColors {
		t.Fatalf("expected log.color=off to disable colors")
	}
}

func TestNoColorDisablesColor(t *testing.T) {
	l := New(kcmdline.Parse("no_color"))
	f := l.base.Formatter.(*logrus.TextFormatter)
	if !f.DisableColors {
		t.Fatalf("expected bare no_color to disable colors")
	}
}

func TestLogColorOnForcesColor(t *testing.T) {
	l := New(kcmdline.Parse("log.color=on"))
	f := l.base.Formatter.(*logrus.TextFormatter)
	if !f.ForceColors {
		t.Fatalf("expected log.color=on to force colors")
	}
}
