package tailbuffer

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteWithinCapacity(t *testing.T) {
	tb := New(16)
	n, err := tb.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", tb.Tail())
}

func TestWriteDiscardsOldest(t *testing.T) {
	tb := New(4)
	_, err := tb.Write([]byte("abc"))
	require.NoError(t, err)
	_, err = tb.Write([]byte("def"))
	require.NoError(t, err)
	require.Equal(t, "cdef", tb.Tail())
}

func TestWriteLargerThanCapacity(t *testing.T) {
	tb := New(4)
	n, err := tb.Write([]byte("abcdefgh"))
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, "efgh", tb.Tail())
}

func TestReadEmpty(t *testing.T) {
	tb := New(4)
	buf := make([]byte, 4)
	_, err := tb.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestReadDrains(t *testing.T) {
	tb := New(8)
	_, err := tb.Write([]byte("abcdef"))
	require.NoError(t, err)

	var sb strings.Builder
	n, err := io.Copy(&sb, tb)
	require.NoError(t, err)
	require.Equal(t, int64(6), n)
	require.Equal(t, "abcdef", sb.String())
	require.Empty(t, tb.Tail())
}

func TestTailDoesNotConsume(t *testing.T) {
	tb := New(8)
	_, err := tb.Write([]byte("xyz"))
	require.NoError(t, err)
	require.Equal(t, "xyz", tb.Tail())
	require.Equal(t, "xyz", tb.Tail())
}
