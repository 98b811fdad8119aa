package fileio

import (
	"bytes"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "fileio")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, os.RemoveAll(dir)) })
	return dir
}

func TestFileSource(t *testing.T) {
	dir := tempDir(t)
	data := bytes.Repeat([]byte("0123456789"), 25)
	path := filepath.Join(dir, "in.bin")
	require.NoError(t, ioutil.WriteFile(path, data, 0600))

	src, err := OpenFile(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, src.Close()) }()
	assert.Equal(t, "in.bin", src.Name())

	var chunks [][]byte
	for {
		c, err := src.Read(100)
		require.NoError(t, err)
		if len(c) == 0 {
			break
		}
		chunks = append(chunks, c)
		if len(c) < 100 {
			break
		}
	}
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 50)
	assert.Equal(t, data, bytes.Join(chunks, nil))

	t.Run("read at", func(t *testing.T) {
		buf := make([]byte, 100)
		n, err := src.ReadAt(buf, 100)
		require.NoError(t, err)
		assert.Equal(t, chunks[1], buf[:n])

		n, err = src.ReadAt(buf, 200)
		assert.Equal(t, io.EOF, err)
		assert.Equal(t, chunks[2], buf[:n])
	})
}

func TestFileSource_Missing(t *testing.T) {
	_, err := OpenFile(filepath.Join(tempDir(t), "missing"))
	assert.Error(t, err)
}

func TestFileSink(t *testing.T) {
	dir := tempDir(t)
	recvDir := filepath.Join(dir, "received")
	factory := &FileSinkFactory{Dir: recvDir}

	t.Run("write", func(t *testing.T) {
		s, err := factory.Create()
		require.NoError(t, err)

		assert.Equal(t, ErrNoDestination, s.Write([]byte("x")))
		require.NoError(t, s.SetDestination("../../etc/out.bin"))
		require.NoError(t, s.Write([]byte("hello ")))
		require.NoError(t, s.Write([]byte("world")))
		require.NoError(t, s.Close())
		require.NoError(t, s.Close())
		assert.Equal(t, ErrSinkClosed, s.Write([]byte("x")))

		got, err := ioutil.ReadFile(filepath.Join(recvDir, "out.bin"))
		require.NoError(t, err)
		assert.Equal(t, "hello world", string(got))
	})

	t.Run("invalid destination", func(t *testing.T) {
		for _, name := range []string{"", ".", "..", "/"} {
			s, err := factory.Create()
			require.NoError(t, err)
			assert.Equal(t, ErrInvalidDestination, s.SetDestination(name), name)
			require.NoError(t, s.Close())
		}
	})
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource("m", []byte("AAAA"), []byte("BBBB"))
	for _, want := range []string{"AAAA", "BBBB", "", ""} {
		c, err := src.Read(4)
		require.NoError(t, err)
		assert.Equal(t, want, string(c))
	}
}

func TestMemorySink(t *testing.T) {
	f := new(MemorySinkFactory)
	s, err := f.Create()
	require.NoError(t, err)
	require.NoError(t, s.SetDestination("out.bin"))
	require.NoError(t, s.Write([]byte("hi")))
	require.NoError(t, s.Close())

	sinks := f.Sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, "out.bin", sinks[0].Destination())
	assert.Equal(t, []byte("hi"), sinks[0].Bytes())
	assert.Equal(t, []string{"destination", "write", "close"}, sinks[0].Calls())
	assert.True(t, sinks[0].Closed())
}
