package procgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer(3)
	assert.Empty(t, r.GetAll())

	r.Add("a")
	r.Add("b")
	assert.Equal(t, []string{"a", "b"}, r.GetAll())

	r.Add("c")
	r.Add("d")
	r.Add("e")
	assert.Equal(t, []string{"c", "d", "e"}, r.GetAll())
}
