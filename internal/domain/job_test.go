package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeValidatesFields(t *testing.T) {
	_, err := NewEnvelope(ProductFields{Name: "", Price: 9.99})
	assert.ErrorIs(t, err, ErrInvalidProductName)

	_, err = NewEnvelope(ProductFields{Name: "Widget", Price: -1})
	assert.ErrorIs(t, err, ErrInvalidProductPrice)

	envelope, err := NewEnvelope(ProductFields{Name: "Widget", Price: 0, Image: "widget.png"})
	require.NoError(t, err)
	assert.NotEmpty(t, envelope.ID)
	assert.False(t, envelope.EnqueuedAt.IsZero())
	assert.Equal(t, 0, envelope.Attempt)
}

func TestEnvelopeIDsAreUnique(t *testing.T) {
	fields := ProductFields{Name: "Widget", Price: 9.99}

	a, err := NewEnvelope(fields)
	require.NoError(t, err)
	b, err := NewEnvelope(fields)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestEnvelopeTransportRoundTrip(t *testing.T) {
	envelope, err := NewEnvelope(ProductFields{
		Name:        "Widget",
		Description: "a widget",
		Price:       9.99,
		Image:       "widget.png",
	})
	require.NoError(t, err)

	data, err := envelope.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, envelope.ID, decoded.ID)
	assert.Equal(t, envelope.Fields(), decoded.Fields())
	assert.True(t, decoded.EnqueuedAt.Equal(envelope.EnqueuedAt))
}

func TestUnmarshalEnvelopeRejectsGarbage(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte("not json"))
	assert.Error(t, err)
}
