package image

import (
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func writeHostFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func TestBuildLaysOutSuperblockAndRoot(t *testing.T) {
	hostFS := afero.NewMemMapFs()
	writeHostFile(t, hostFS, "/src/init", "#!/kestrel-init\n")
	require.NoError(t, hostFS.MkdirAll("/src/etc", 0o755))
	writeHostFile(t, hostFS, "/src/etc/motd", "welcome\n")

	buf, err := Build(hostFS, Options{TotalBlocks: 64, InodeCount: 16, SourceDir: "/src"})
	require.NoError(t, err)
	require.Len(t, buf, 64*blockSize)

	sb := blockBytes(buf, 0)
	require.Equal(t, uint32(fsMagic), binary.LittleEndian.Uint32(sb[0:4]))
	require.Equal(t, uint32(64), binary.LittleEndian.Uint32(sb[4:8]))
	require.Equal(t, uint32(rootInode), binary.LittleEndian.Uint32(sb[28:32]))
}

func TestBuildMarksMetadataBlocksUsed(t *testing.T) {
	hostFS := afero.NewMemMapFs()
	writeHostFile(t, hostFS, "/src/init", "x")

	buf, err := Build(hostFS, Options{TotalBlocks: 64, InodeCount: 16, SourceDir: "/src"})
	require.NoError(t, err)

	sb := blockBytes(buf, 0)
	bitmapStart := binary.LittleEndian.Uint32(sb[8:12])
	bitmapBlocks := binary.LittleEndian.Uint32(sb[12:16])
	inodeTableStart := binary.LittleEndian.Uint32(sb[16:20])
	inodeTableBlocks := binary.LittleEndian.Uint32(sb[20:24])

	bm := bitmapView{buf: buf, start: bitmapStart}
	dataStart := inodeTableStart + inodeTableBlocks
	for b := uint32(0); b < dataStart; b++ {
		require.True(t, bm.isSet(b), "metadata block %d must be marked used", b)
	}
	_ = bitmapBlocks
}

func TestBuildRejectsOversizedFile(t *testing.T) {
	hostFS := afero.NewMemMapFs()
	big := make([]byte, directBlocks*blockSize+1)
	writeHostFile(t, hostFS, "/src/huge", string(big))

	_, err := Build(hostFS, Options{TotalBlocks: 64, InodeCount: 16, SourceDir: "/src"})
	require.Error(t, err)
}

func TestBuildRejectsTooFewInodes(t *testing.T) {
	hostFS := afero.NewMemMapFs()
	writeHostFile(t, hostFS, "/src/init", "x")

	_, err := Build(hostFS, Options{TotalBlocks: 64, InodeCount: 1, SourceDir: "/src"})
	require.Error(t, err)
}

func TestBuildDeterministicAcrossRuns(t *testing.T) {
	hostFS := afero.NewMemMapFs()
	writeHostFile(t, hostFS, "/src/b", "2")
	writeHostFile(t, hostFS, "/src/a", "1")

	first, err := Build(hostFS, Options{TotalBlocks: 64, InodeCount: 16, SourceDir: "/src"})
	require.NoError(t, err)
	second, err := Build(hostFS, Options{TotalBlocks: 64, InodeCount: 16, SourceDir: "/src"})
	require.NoError(t, err)
	require.Equal(t, first, second)
}
