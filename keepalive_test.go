package reqx

import (
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpdateKeepAliveDefaultHTTP11(t *testing.T) {
	t.Parallel()
	now := time.Now()
	ka := updateKeepAlive(textproto.MIMEHeader{}, false, now)
	assert.False(t, ka.MustClose)
	assert.Equal(t, int64(noMax), ka.Max)
}

func TestUpdateKeepAliveConnectionClose(t *testing.T) {
	t.Parallel()
	h := textproto.MIMEHeader{"Connection": {"close"}}
	ka := updateKeepAlive(h, false, time.Now())
	assert.True(t, ka.MustClose)
}

func TestUpdateKeepAliveHTTP10RequiresExplicitKeepAlive(t *testing.T) {
	t.Parallel()
	now := time.Now()
	assert.True(t, updateKeepAlive(textproto.MIMEHeader{}, true, now).MustClose)

	h := textproto.MIMEHeader{"Connection": {"keep-alive"}}
	assert.False(t, updateKeepAlive(h, true, now).MustClose)
}

func TestUpdateKeepAliveTimeoutAndMax(t *testing.T) {
	t.Parallel()
	now := time.Now()
	h := textproto.MIMEHeader{"Keep-Alive": {"timeout=2, max=5"}}
	ka := updateKeepAlive(h, false, now)
	assert.Equal(t, int64(5), ka.Max)
	assert.WithinDuration(t, now.Add(2*time.Second), ka.Timeout, time.Second)
}

func TestUpdateKeepAliveMaxZeroForcesClose(t *testing.T) {
	t.Parallel()
	h := textproto.MIMEHeader{"Keep-Alive": {"max=0"}}
	ka := updateKeepAlive(h, false, time.Now())
	assert.True(t, ka.MustClose)
}

func TestKeepAliveExpired(t *testing.T) {
	t.Parallel()
	past := KeepAlive{Timeout: time.Now().Add(-time.Second), Max: noMax}
	assert.True(t, past.Expired(time.Now()))

	future := KeepAlive{Timeout: time.Now().Add(time.Minute), Max: noMax}
	assert.False(t, future.Expired(time.Now()))

	assert.True(t, KeepAlive{MustClose: true, Timeout: time.Now().Add(time.Minute)}.Expired(time.Now()))
}
