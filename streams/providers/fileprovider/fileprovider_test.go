package fileprovider

import (
	"testing"
	"time"

	"github.com/hexalith/streams-go/streams"
	"github.com/hexalith/streams-go/streams/clock"
	"github.com/hexalith/streams-go/streams/serializer/jsonserializer"
	"github.com/hexalith/streams-go/streams/streamtest"
	"github.com/hexalith/streams-go/streams/uniqueid"
)

func TestConformance(t *testing.T) {
	streamtest.RunConformance(t, func(t *testing.T) streams.Provider[string] {
		return New[string](t.TempDir(), jsonserializer.New[string](), clock.System{}, uniqueid.UUID{}, 50*time.Millisecond, nil)
	})
}
