// Copyright 2026 The ionsync Authors
// This file is part of the ionsync library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

package xlog

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoggerIncludesContext(t *testing.T) {
	var buf bytes.Buffer
	h := &handler{out: &buf, level: LevelDebug, nowFn: func() time.Time { return time.Time{} }}
	l := &logger{h: h}

	child := l.New("peer", "aaaa")
	child.Info("connected", "transport", "inproc")

	out := buf.String()
	require.Contains(t, out, "connected")
	require.Contains(t, out, "peer=aaaa")
	require.Contains(t, out, "transport=inproc")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	h := &handler{out: &buf, level: LevelWarn, nowFn: func() time.Time { return time.Time{} }}
	l := &logger{h: h}

	l.Debug("hidden")
	l.Warn("shown")

	out := buf.String()
	require.False(t, strings.Contains(out, "hidden"))
	require.True(t, strings.Contains(out, "shown"))
}
