package protectedmemory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godaddy/asherah-sub001/securememory"
)

var factory = new(SecretFactory)

func TestProtectedMemorySecret_Metrics(t *testing.T) {
	securememory.AllocCounter.Clear()
	securememory.InUseCounter.Clear()

	assert.Equal(t, int64(0), securememory.AllocCounter.Count())
	assert.Equal(t, int64(0), securememory.InUseCounter.Count())

	const count int64 = 10

	func() {
		for i := int64(0); i < count; i++ {
			orig := []byte("testing")
			copyBytes := make([]byte, len(orig))
			copy(copyBytes, orig)

			s, err := factory.New(orig)
			require.NoError(t, err)

			defer s.Close()

			require.NoError(t, s.WithBytes(func(b []byte) error {
				assert.Equal(t, copyBytes, b)
				return nil
			}))

			r, err := factory.CreateRandom(8)
			require.NoError(t, err)

			defer r.Close()

			require.NoError(t, r.WithBytes(func(b []byte) error {
				assert.Equal(t, 8, len(b))
				return nil
			}))
		}

		assert.Equal(t, count*2, securememory.AllocCounter.Count())
		assert.Equal(t, count*2, securememory.InUseCounter.Count())
	}()

	assert.Equal(t, count*2, securememory.AllocCounter.Count())
	assert.Equal(t, int64(0), securememory.InUseCounter.Count())
}

func TestProtectedMemorySecret_WithBytes(t *testing.T) {
	orig := []byte("testing")
	copyBytes := make([]byte, len(orig))
	copy(copyBytes, orig)

	s, err := factory.New(orig)
	if assert.NoError(t, err) {
		defer s.Close()
		assert.NoError(t, s.WithBytes(func(b []byte) error {
			assert.Equal(t, copyBytes, b)
			return nil
		}))
	}
}

func TestProtectedMemorySecret_WithBytesFunc(t *testing.T) {
	orig := []byte("testing")
	copyBytes := make([]byte, len(orig))
	copy(copyBytes, orig)

	s, err := factory.New(orig)
	require.NoError(t, err)
	defer s.Close()

	ret, err := s.WithBytesFunc(func(b []byte) ([]byte, error) {
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	})
	require.NoError(t, err)
	assert.Equal(t, copyBytes, ret)
}

func TestProtectedMemorySecret_New_WipesCallerSlice(t *testing.T) {
	orig := []byte("testing")

	s, err := factory.New(orig)
	require.NoError(t, err)
	defer s.Close()

	assert.NotEqual(t, "testing", string(orig))
}

func TestProtectedMemorySecret_New_EmptyRejected(t *testing.T) {
	_, err := factory.New([]byte{})
	assert.Error(t, err)
}

func TestProtectedMemorySecret_CreateRandom_ZeroRejected(t *testing.T) {
	_, err := factory.CreateRandom(0)
	assert.Error(t, err)
}

func TestProtectedMemorySecret_WithBytes_ClosedReturnsError(t *testing.T) {
	s, err := factory.New([]byte("testing"))
	require.NoError(t, err)

	require.NoError(t, s.Close())

	err = s.WithBytes(func(b []byte) error {
		return nil
	})
	assert.Error(t, err)
	assert.True(t, s.IsClosed())
}

func TestProtectedMemorySecret_Close_Idempotent(t *testing.T) {
	s, err := factory.New([]byte("testing"))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.IsClosed())
}

func TestProtectedMemorySecret_ConcurrentAccess(t *testing.T) {
	s, err := factory.New([]byte("thisismy32bytesecretthatiwilluse"))
	require.NoError(t, err)
	defer s.Close()

	var wg sync.WaitGroup

	for i := 0; i < 32; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := s.WithBytes(func(b []byte) error {
				assert.Equal(t, "thisismy32bytesecretthatiwilluse", string(b))
				return nil
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()
}

func TestProtectedMemorySecret_Reader(t *testing.T) {
	orig := []byte("testing")

	s, err := factory.New(orig)
	require.NoError(t, err)
	defer s.Close()

	r := s.NewReader()

	buf := make([]byte, len(orig))

	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(orig), n)
	assert.Equal(t, "testing", string(buf))
}
