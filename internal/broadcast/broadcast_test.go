package broadcast

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/manpreetbhatti/pairpad/internal/conntest"
	"github.com/manpreetbhatti/pairpad/internal/protocol"
	"github.com/manpreetbhatti/pairpad/internal/registry"
)

func newTestBroadcaster() (*Broadcaster, *registry.Registry) {
	reg := registry.New()
	return New(reg, nil, slog.New(slog.NewTextHandler(io.Discard, nil))), reg
}

func join(reg *registry.Registry, c *conntest.Recorder, user, session string) {
	reg.Register(c)
	reg.Bind(c.ID(), user)
	reg.BindSession(c.ID(), session)
}

func TestToSessionExcludesSender(t *testing.T) {
	b, reg := newTestBroadcaster()
	a, bb, other := conntest.New("a"), conntest.New("b"), conntest.New("c")
	join(reg, a, "u1", "s1")
	join(reg, bb, "u2", "s1")
	join(reg, other, "u3", "s2")

	n := b.ToSession("s1", protocol.TypeCodeChange, protocol.CodeChangeBroadcast{FileID: "f", Content: "x"}, Sender("a"))

	assert.Equal(t, 1, n)
	assert.Empty(t, a.Events())
	assert.Len(t, bb.OfType(protocol.TypeCodeChange), 1)
	assert.Empty(t, other.Events())
}

func TestToSessionIncludesEveryoneWithNobody(t *testing.T) {
	b, reg := newTestBroadcaster()
	a, bb := conntest.New("a"), conntest.New("b")
	join(reg, a, "u1", "s1")
	join(reg, bb, "u2", "s1")

	assert.Equal(t, 2, b.ToSession("s1", protocol.TypeChatMessage, protocol.ChatBroadcast{}, nil))
	assert.Len(t, a.Events(), 1)
	assert.Len(t, bb.Events(), 1)
}

func TestClosedConnectionIsSkipped(t *testing.T) {
	b, reg := newTestBroadcaster()
	healthy, dead := conntest.New("a"), conntest.New("b")
	join(reg, healthy, "u1", "s1")
	join(reg, dead, "u2", "s1")
	dead.Close()

	assert.Equal(t, 1, b.ToSession("s1", protocol.TypeCursorUpdate, protocol.CursorBroadcast{UserID: "u3"}, nil))
	assert.Len(t, healthy.Events(), 1)
	assert.Empty(t, dead.Events())
}

func TestToUserAndToConn(t *testing.T) {
	b, reg := newTestBroadcaster()
	tab1, tab2 := conntest.New("t1"), conntest.New("t2")
	join(reg, tab1, "owner", "s1")
	reg.Register(tab2)
	reg.Bind("t2", "owner")

	assert.Equal(t, 2, b.ToUser("owner", protocol.TypeNewRequest, protocol.NewRequest{}))
	assert.Equal(t, 0, b.ToUser("nobody", protocol.TypeNewRequest, protocol.NewRequest{}))

	assert.True(t, b.ToConn("t2", protocol.TypeError, protocol.Error{Message: "boom"}))
	assert.False(t, b.ToConn("ghost", protocol.TypeError, protocol.Error{Message: "boom"}))
	assert.Len(t, tab2.Events(), 2)
	assert.Len(t, tab1.Events(), 1)
}
