package collab

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSceneVersionOrderIndependent(t *testing.T) {
	elements := []*Element{
		element("1", 2, 1),
		element("2", 7, 1),
		element("3", 1, 1),
	}
	version := SceneVersion(elements)

	shuffled := CloneScene(elements)
	mathrand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	assert.Equal(t, version, SceneVersion(shuffled))
}

func TestSceneVersionChangesWithAnyElement(t *testing.T) {
	elements := []*Element{
		element("1", 2, 1),
		element("2", 7, 1),
	}
	version := SceneVersion(elements)

	elements[1] = element("2", 8, 2)
	assert.NotEqual(t, version, SceneVersion(elements))
}

func TestSceneVersionEmpty(t *testing.T) {
	assert.Equal(t, int64(0), SceneVersion([]*Element{}))
	assert.Equal(t, int64(0), SceneVersion(nil))
}

func TestElementClone(t *testing.T) {
	e := element("1", 2, 1)
	e.Data = []byte(`{"x":1}`)

	clone := e.Clone()
	clone.Version = 3
	clone.Data[1] = 'y'

	assert.Equal(t, int64(2), e.Version)
	assert.Equal(t, byte('x'), e.Data[2])
}
