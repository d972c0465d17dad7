package images

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func imageServer(t *testing.T) *httptest.Server {
	t.Helper()
	data := pngBytes(t, 40, 20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestImportStoresImagesAndThumbnails(t *testing.T) {
	srv := imageServer(t)
	dir := t.TempDir()
	store := NewLocalStore(dir, NewThumbnailer(filepath.Join(dir, "thumbs"), 16), nil)
	f := NewFetcher(store, 0, nil)

	refs := f.Import(context.Background(), "SKU/1", []string{
		srv.URL + "/a.png",
		srv.URL + "/missing.png",
		"not a url",
		srv.URL + "/b",
	})

	require.Len(t, refs, 2)
	assert.Equal(t, filepath.Join(dir, "SKU_1-1.png"), refs[0])
	assert.Equal(t, filepath.Join(dir, "SKU_1-4.png"), refs[1])

	thumb := filepath.Join(dir, "thumbs", "16", "SKU_1-1.png")
	fh, err := os.Open(thumb)
	require.NoError(t, err)
	defer fh.Close()
	cfg, _, err := image.DecodeConfig(fh)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Width)
	assert.Equal(t, 16, cfg.Height)
}

func TestValidateURL(t *testing.T) {
	assert.NoError(t, ValidateURL("https://cdn.example.com/x.jpg"))
	assert.ErrorIs(t, ValidateURL("ftp://cdn.example.com/x.jpg"), ErrInvalidURL)
	assert.ErrorIs(t, ValidateURL("/relative.jpg"), ErrInvalidURL)
}

type fakeS3 struct {
	keys   []string
	bodies [][]byte
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)
	f.keys = append(f.keys, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3StoreReferences(t *testing.T) {
	srv := imageServer(t)
	api := &fakeS3{}

	f := NewFetcher(NewS3Store(api, "assets", "/products/", "https://cdn.example.com/"), 0, nil)
	refs := f.Import(context.Background(), "SKU1", []string{srv.URL + "/a.png"})
	require.Equal(t, []string{"https://cdn.example.com/products/SKU1-1.png"}, refs)
	assert.Equal(t, []string{"assets/products/SKU1-1.png"}, api.keys)
	assert.NotEmpty(t, api.bodies[0])

	plain := NewS3Store(api, "assets", "", "")
	ref, err := plain.Put(context.Background(), "x.jpg", "image/jpeg", bytes.NewReader([]byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "s3://assets/x.jpg", ref)
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", formatSize(512))
	assert.Equal(t, "1.5 KB", formatSize(1536))
	assert.Equal(t, "2.0 MB", formatSize(2<<20))
}
