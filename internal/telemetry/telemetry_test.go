package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestMultiFansOut(t *testing.T) {
	var a, b Recorder
	m := Multi{&a, &b, Nop{}}
	m.Observe("publish.start", Fields{"count": 1})

	assert.Equal(t, 1, a.Count("publish.start"))
	assert.Equal(t, 1, b.Count("publish.start"))
}

func TestFuncObserver(t *testing.T) {
	var got string
	Func(func(event string, _ Fields) { got = event }).Observe("dispatch.stop", nil)
	assert.Equal(t, "dispatch.stop", got)
}

func TestZapWritesDebug(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	z := NewZap(zap.New(core))
	z.Observe("dispatch.error", Fields{"subscription_id": "s1"})

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "dispatch.error", entries[0].Message)
		assert.Equal(t, "s1", entries[0].ContextMap()["subscription_id"])
	}
}

func TestRecorderFind(t *testing.T) {
	var r Recorder
	r.Observe("a", Fields{"n": 1})
	r.Observe("b", nil)
	r.Observe("a", Fields{"n": 2})

	found := r.Find("a")
	assert.Len(t, found, 2)
	assert.Equal(t, 2, found[1].Fields["n"])
	assert.Len(t, r.Events(), 3)
}
