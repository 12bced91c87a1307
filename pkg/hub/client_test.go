package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func kicked(c *client) bool {
	select {
	case <-c.kick:
		return true
	default:
		return false
	}
}

func TestEnqueueShedsDroppableFramesWhenFull(t *testing.T) {
	c := newClient("c1", nil, 1)
	c.enqueue(outFrame{data: []byte(`{"type":"message"}`)})

	c.enqueue(outFrame{data: []byte(`{"type":"typing"}`), droppable: true})

	assert.False(t, kicked(c), "a shed typing frame must not cut the client")
	assert.Len(t, c.send, 1)
}

func TestEnqueueKicksClientOnEssentialOverflow(t *testing.T) {
	c := newClient("c1", nil, 1)
	c.enqueue(outFrame{data: []byte(`{"type":"message"}`)})

	c.enqueue(outFrame{data: []byte(`{"type":"delete"}`)})

	assert.True(t, kicked(c), "an undeliverable essential frame must cut the client")
}

func TestEnqueueAfterKickIsDiscarded(t *testing.T) {
	c := newClient("c1", nil, 1)
	c.kickSlow()

	c.enqueue(outFrame{data: []byte(`{"type":"message"}`)})

	assert.Empty(t, c.send)
}
