package worker

import (
	"errors"
	"testing"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/collection"
	"github.com/ZanzyTHEbar/fsmap/fsmap/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	person := collection.New(config.Collection{Name: "Person"}, collection.DefaultTimings(), zerolog.Nop(), collection.Callbacks{})
	require.NoError(t, r.Add(person))

	err := r.Add(collection.New(config.Collection{Name: "person"}, collection.DefaultTimings(), zerolog.Nop(), collection.Callbacks{}))
	assert.True(t, errors.Is(err, fsmap.ErrConfig))

	got, err := r.Get("PERSON")
	require.NoError(t, err)
	assert.Same(t, person, got)

	_, err = r.Get("pet")
	assert.True(t, errors.Is(err, fsmap.ErrProtocol))
	assert.Equal(t, 1, r.Len())
}
