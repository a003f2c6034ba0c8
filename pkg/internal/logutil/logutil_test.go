package logutil

import (
    "bytes"
    "encoding/json"
    "log"
    "strings"
    "testing"
)

func TestTextPrefixes(t *testing.T) {
    SetJSON(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)
    Infof(l, "found node %s", "a:1")
    Warnf(l, "refill failed")
    if got := buf.String(); !strings.Contains(got, "INFO found node a:1") || !strings.Contains(got, "WARN refill failed") {
        t.Fatalf("unexpected output: %q", got)
    }
}

func TestDebugGated(t *testing.T) {
    SetJSON(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)
    SetDebug(false)
    Debugf(l, "hidden")
    if buf.Len() != 0 { t.Fatalf("debug line leaked: %q", buf.String()) }
    SetDebug(true)
    defer SetDebug(false)
    Debugf(l, "shown")
    if !strings.Contains(buf.String(), "DEBUG shown") { t.Fatalf("debug line missing: %q", buf.String()) }
}

func TestJSONMode(t *testing.T) {
    SetJSON(true)
    defer SetJSON(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)
    Errorf(l, "boom %d", 7)
    var evt map[string]any
    if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &evt); err != nil {
        t.Fatalf("not json: %q (%v)", buf.String(), err)
    }
    if evt["level"] != "error" || evt["msg"] != "boom 7" {
        t.Fatalf("unexpected event: %#v", evt)
    }
}
