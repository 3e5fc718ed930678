package stratum

import (
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
)

func TestIsConnReset(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"econnreset", syscall.ECONNRESET, true},
		{"epipe", syscall.EPIPE, true},
		{"wrapped in op error", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, true},
		{"eof", io.EOF, false},
		{"closed listener", net.ErrClosed, false},
		{"arbitrary", oops.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isConnReset(tt.err))
		})
	}
}

func TestIsBenignClose(t *testing.T) {
	assert.True(t, isBenignClose(net.ErrClosed))
	assert.True(t, isBenignClose(io.ErrClosedPipe))
	assert.True(t, isBenignClose(&net.OpError{Op: "read", Err: net.ErrClosed}))
	assert.False(t, isBenignClose(io.EOF))
	assert.False(t, isBenignClose(syscall.ECONNRESET))
}
