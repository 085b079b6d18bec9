package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := errors.New("broken pipe")
	err := fmt.Errorf("fetch uid=42: %w", ConnectionErr("fetch", base))

	assert.True(t, Is(err, Connection))
	assert.False(t, Is(err, Delivery))
	assert.Equal(t, Connection, KindOf(err))
	assert.True(t, errors.Is(err, base))
}

func TestKindOfUntaggedDefaultsToProtocol(t *testing.T) {
	assert.Equal(t, Protocol, KindOf(errors.New("BAD command")))
}

func TestErrorString(t *testing.T) {
	err := DeliveryErr("send", errors.New("552 message too large"))
	assert.Equal(t, "send: 552 message too large", err.Error())

	assert.Equal(t, "mark: protocol error", ProtocolErr("mark", nil).Error())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "connection", Connection.String())
	assert.Equal(t, "composition", Composition.String())
	assert.Equal(t, "unknown", Kind(42).String())
}
