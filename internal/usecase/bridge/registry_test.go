package bridge

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"synkronus-host/internal/domain"
)

func noopHandler(context.Context, json.RawMessage) (any, error) { return nil, nil }

func TestRegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("requestCamera", noopHandler))

	h, catchAll := reg.Lookup("requestCamera")
	assert.NotNil(t, h)
	assert.False(t, catchAll)

	h, _ = reg.Lookup("unregistered")
	assert.Nil(t, h)

	assert.ElementsMatch(t, []string{"requestCamera"}, reg.Verbs())
}

func TestRegisterValidatesVerbs(t *testing.T) {
	reg := NewRegistry()

	cases := []struct {
		name string
		verb string
	}{
		{"empty", ""},
		{"reserved response", "response"},
		{"reserved readiness", "bridgeReady"},
		{"console prefix", "console.log"},
		{"response suffix", "camera_response"},
		{"leading digit", "1camera"},
		{"bad characters", "request camera"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := reg.Register(tc.verb, noopHandler)
			assert.ErrorIs(t, err, domain.ErrVerbInvalid)
		})
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("submitForm", noopHandler))
	assert.ErrorIs(t, reg.Register("submitForm", noopHandler), domain.ErrDuplicate)
}

func TestRegisterRejectsNilHandler(t *testing.T) {
	reg := NewRegistry()
	assert.ErrorIs(t, reg.Register("submitForm", nil), domain.ErrInvalidInput)
}

func TestCatchAllFallback(t *testing.T) {
	reg := NewRegistry()
	reg.SetCatchAll(noopHandler)

	h, catchAll := reg.Lookup("anything")
	assert.NotNil(t, h)
	assert.True(t, catchAll)

	require.NoError(t, reg.Register("known", noopHandler))
	_, catchAll = reg.Lookup("known")
	assert.False(t, catchAll, "a specific handler wins over the catch-all")
}
