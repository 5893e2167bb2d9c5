package slotted

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPackedDescriptor(t *testing.T) {
	d := newDescriptor(8191, 17, 4000, 1, Flags(0xA5))
	require.Equal(t, 8191, d.KeyOffset())
	require.Equal(t, 17, d.KeyLength())
	require.Equal(t, 4000, d.DataOffset())
	require.Equal(t, 1, d.DataLength())
	require.Equal(t, Flags(0xA5), d.Flags())

	h := header(0).withCount(3).withDataStart(4064).withRemoved(12)
	require.Equal(t, 3, h.count())
	require.Equal(t, 4064, h.dataStart())
	require.Equal(t, 12, h.removed())
	require.True(t, h.compactable())
	require.False(t, h.withRemoved(0).compactable())
}

func TestRoundTrip(t *testing.T) {
	p := Init(make([]byte, 512))
	key := []byte("document-1")
	data := []byte("payload bytes")

	require.True(t, p.TryWrite(key, data))
	got, flags, ok := p.TryRead(key)
	require.True(t, ok)
	require.Equal(t, data, got)
	require.Zero(t, flags)

	require.True(t, p.TrySetFlags(key, 0x3))
	got, flags, ok = p.TryRead(key)
	require.True(t, ok)
	require.Equal(t, data, got)
	require.Equal(t, Flags(0x3), flags)

	require.True(t, p.TryRemove(key))
	_, _, ok = p.TryRead(key)
	require.False(t, ok)
	require.False(t, p.TryRemove(key))
}

func TestInvalidKeysAreNotFound(t *testing.T) {
	p := Init(make([]byte, 256))
	require.False(t, p.TryWrite(nil, []byte("x")))
	require.False(t, p.TryWrite([]byte{0, 0, 0}, []byte("x")))

	require.True(t, p.InsertAt(0, []byte{0, 0}, []byte("hidden"), 0))
	_, _, ok := p.TryRead([]byte{0, 0})
	require.False(t, ok)
	_, ok = p.TryAllocate([]byte{}, 4)
	require.False(t, ok)
}

func TestTryAllocate(t *testing.T) {
	p := Init(make([]byte, 256))
	region, ok := p.TryAllocate([]byte("k"), 4)
	require.True(t, ok)
	require.Equal(t, []byte{0, 0, 0, 0}, region)
	copy(region, "abcd")

	got, _, ok := p.TryRead([]byte("k"))
	require.True(t, ok)
	require.Equal(t, "abcd", string(got))

	_, ok = p.TryAllocate([]byte("k"), 4)
	require.False(t, ok)
}

func TestCompactionOnFragmentedSpace(t *testing.T) {
	p := Init(make([]byte, 256))
	a, b, c := []byte("keyA"), []byte("keyB"), []byte("keyC")
	require.True(t, p.TryWrite(a, bytes.Repeat([]byte{1}, 60)))
	require.True(t, p.TryWrite(b, bytes.Repeat([]byte{2}, 60)))
	require.True(t, p.TryWrite(c, bytes.Repeat([]byte{3}, 76)))
	require.Equal(t, 16, p.FreeSpace())

	require.True(t, p.TryRemove(a))
	require.True(t, p.TryRemove(b))
	require.True(t, p.CanCompact())

	d := []byte("keyD")
	dData := bytes.Repeat([]byte{4}, 100)
	require.Less(t, p.FreeSpace(), DescriptorSize+len(d)+len(dData))
	require.True(t, p.CanAllocate(len(d), len(dData)))

	require.True(t, p.TryWrite(d, dData))
	require.False(t, p.CanCompact())

	got, _, ok := p.TryRead(d)
	require.True(t, ok)
	require.Equal(t, dData, got)
	got, _, ok = p.TryRead(c)
	require.True(t, ok)
	require.Equal(t, bytes.Repeat([]byte{3}, 76), got)
}

func TestAllocationFailsWhenFull(t *testing.T) {
	p := Init(make([]byte, 64))
	require.True(t, p.TryWrite([]byte("a"), make([]byte, 40)))
	require.False(t, p.CanAllocate(1, 40))
	require.False(t, p.TryWrite([]byte("b"), make([]byte, 40)))
	require.Equal(t, 1, p.Count())
}

func TestPositionalOrdering(t *testing.T) {
	p := Init(make([]byte, 512))
	require.True(t, p.InsertAt(0, []byte("m"), []byte("2"), 0))
	require.True(t, p.InsertAt(0, []byte("a"), []byte("1"), 0))
	require.True(t, p.InsertAt(2, []byte("z"), []byte("3"), 0))
	require.True(t, p.InsertAt(1, []byte("f"), []byte("x"), 1))

	var keys []string
	for _, e := range p.Entries() {
		keys = append(keys, string(e.Key))
	}
	require.Equal(t, []string{"a", "f", "m", "z"}, keys)
	require.Equal(t, Flags(1), p.FlagsAt(1))

	p.RemoveAt(1)
	require.Equal(t, "m", string(p.KeyAt(1)))

	require.True(t, p.SetDataAt(1, []byte("longer value"), 2))
	require.Equal(t, "m", string(p.KeyAt(1)))
	require.Equal(t, "longer value", string(p.DataAt(1)))
	require.Equal(t, Flags(2), p.FlagsAt(1))

	require.True(t, p.SetKeyAt(0, []byte("b")))
	require.Equal(t, "b", string(p.KeyAt(0)))
	require.Equal(t, "1", string(p.DataAt(0)))
	require.Equal(t, 3, p.Count())
}

func TestRemoveLastResetsSpace(t *testing.T) {
	p := Init(make([]byte, 128))
	require.True(t, p.Append([]byte("a"), []byte("1"), 0))
	require.True(t, p.Append([]byte("b"), []byte("2"), 0))
	p.RemoveAt(1)
	p.RemoveAt(0)
	require.Zero(t, p.Count())
	require.Equal(t, 128-HeaderSize, p.FreeSpace())
	require.False(t, p.CanCompact())
}
