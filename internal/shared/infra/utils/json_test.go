package utils

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type sample struct {
	Name string `json:"name"`
}

func TestUnmarshalAndHandle(t *testing.T) {
	var got sample
	err := UnmarshalAndHandle(zap.NewNop(), json.RawMessage(`{"name":"ford"}`), func(s sample) error {
		got = s
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, "ford", got.Name)

	boom := errors.New("boom")
	err = UnmarshalAndHandle(zap.NewNop(), json.RawMessage(`{"name":"ford"}`), func(sample) error { return boom })
	assert.ErrorIs(t, err, boom)

	called := false
	err = UnmarshalAndHandle(zap.NewNop(), json.RawMessage(`{"name":`), func(sample) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.False(t, called)
}
