package bundlestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/benediktbwimmer/apphub-controlplane/internal/catalog"
)

func TestSanitizeSegment(t *testing.T) {
	require.Equal(t, "my_slug", SanitizeSegment("My_Slug!!", "bundle"))
	require.Equal(t, "bundle", SanitizeSegment("...", "bundle"))
	require.Equal(t, "1.2.3", SanitizeSegment("1.2.3", "v"))
}

func TestSanitizeFilename(t *testing.T) {
	require.Equal(t, "artifact.tar", SanitizeFilename("report.TAR"))
	require.Equal(t, "artifact.bin", SanitizeFilename("report"))
	require.Equal(t, "artifact.bin", SanitizeFilename("report.toolongextension"))
}

func TestLocalBackendPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir, "secret")
	require.NoError(t, err)

	res, err := b.Put(context.Background(), PutRequest{Slug: "Report Gen", Version: "1.0.0", Filename: "x.tar.gz", Data: []byte("hello")})
	require.NoError(t, err)
	require.Equal(t, "report-gen/1.0.0/artifact.gz", res.Path)

	data, err := b.Get(context.Background(), res.Path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestLocalBackendRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir, "secret")
	require.NoError(t, err)
	_, err = b.Get(context.Background(), "../../etc/passwd")
	require.Error(t, err)
}

func TestLocalBackendConflictWithoutForce(t *testing.T) {
	dir := t.TempDir()
	b, err := NewLocalBackend(dir, "secret")
	require.NoError(t, err)
	req := PutRequest{Slug: "s", Version: "1.0.0", Filename: "x.bin", Data: []byte("a")}
	_, err = b.Put(context.Background(), req)
	require.NoError(t, err)

	req.Data = []byte("b")
	_, err = b.Put(context.Background(), req)
	require.Error(t, err)

	req.Force = true
	res, err := b.Put(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.Reused)
}

func TestSignAndVerifyDownloadToken(t *testing.T) {
	expires := time.Now().Add(time.Minute)
	token := SignDownloadToken("secret", "s", "1.0.0", "s/1.0.0/artifact.bin", expires)
	require.True(t, VerifyDownloadToken("secret", "s", "1.0.0", "s/1.0.0/artifact.bin", expires.UnixMilli(), token))
	require.False(t, VerifyDownloadToken("wrong", "s", "1.0.0", "s/1.0.0/artifact.bin", expires.UnixMilli(), token))
	require.False(t, VerifyDownloadToken("secret", "s", "1.0.0", "s/1.0.0/artifact.bin", time.Now().Add(-time.Minute).UnixMilli(), token))
}

func TestPackIsDeterministic(t *testing.T) {
	files := []catalog.SuggestedFile{
		{Path: "index.js", Content: "module.exports = () => {}"},
		{Path: "lib/util.js", Content: "exports.x = 1"},
	}
	manifest := Manifest{Name: "report-gen", Version: "1.0.0", Entry: "index.js", Capabilities: []string{"fs", "network", "fs"}}

	a, err := Pack(files, manifest)
	require.NoError(t, err)
	b, err := Pack(files, manifest)
	require.NoError(t, err)
	require.Equal(t, Checksum(a), Checksum(b))
}

func TestPackRejectsEscapingPaths(t *testing.T) {
	files := []catalog.SuggestedFile{{Path: "../evil.js", Content: "x"}}
	_, err := Pack(files, Manifest{Name: "n", Version: "1.0.0", Entry: "index.js"})
	require.Error(t, err)
}
