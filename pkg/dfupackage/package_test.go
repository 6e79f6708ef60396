package dfupackage_test

import (
	"archive/zip"
	"bytes"
	"io/fs"
	"testing"

	"github.com/srg/wandkit/pkg/dfupackage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const appManifest = `{"manifest":{"application":{"bin_file":"app.bin","dat_file":"app.dat"}}}`

func TestLoad_ApplicationPackage(t *testing.T) {
	buf := buildZip(t, map[string]string{
		"manifest.json": appManifest,
		"app.dat":       "init",
		"app.bin":       "firmware",
	})

	pkg, err := dfupackage.Load(dfupackage.ZipExtractor{}, buf)
	require.NoError(t, err)
	assert.Equal(t, []string{dfupackage.TypeApplication}, pkg.Types())

	img, err := pkg.AppImage()
	require.NoError(t, err)
	assert.Equal(t, dfupackage.TypeApplication, img.Type)
	assert.Equal(t, "app.dat", img.InitFile)
	assert.Equal(t, []byte("init"), img.InitData)
	assert.Equal(t, []byte("firmware"), img.ImageData)

	_, err = pkg.BaseImage()
	assert.ErrorIs(t, err, dfupackage.ErrNoImage)
}

func TestImage_TypePreference(t *testing.T) {
	buf := buildZip(t, map[string]string{
		"manifest.json": `{"manifest":{
			"bootloader":{"bin_file":"bl.bin","dat_file":"bl.dat"},
			"softdevice_bootloader":{"bin_file":"sdbl.bin","dat_file":"sdbl.dat"}}}`,
		"bl.dat":   "bl-init",
		"bl.bin":   "bl-fw",
		"sdbl.dat": "sdbl-init",
		"sdbl.bin": "sdbl-fw",
	})

	pkg, err := dfupackage.Load(dfupackage.ZipExtractor{}, buf)
	require.NoError(t, err)

	img, err := pkg.BaseImage()
	require.NoError(t, err)
	assert.Equal(t, dfupackage.TypeBootloader, img.Type, "earlier types MUST win")

	img, err = pkg.Image(dfupackage.TypeSoftdeviceBootloader, dfupackage.TypeBootloader)
	require.NoError(t, err)
	assert.Equal(t, []byte("sdbl-fw"), img.ImageData)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		wantErr error
	}{
		{
			name:    "missing manifest",
			buf:     buildZip(t, map[string]string{"app.bin": "x"}),
			wantErr: dfupackage.ErrNoManifest,
		},
		{
			name:    "manifest without manifest key",
			buf:     buildZip(t, map[string]string{"manifest.json": `{"other":{}}`}),
			wantErr: dfupackage.ErrNoManifest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dfupackage.Load(dfupackage.ZipExtractor{}, tt.buf)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("not a zip", func(t *testing.T) {
		_, err := dfupackage.Load(dfupackage.ZipExtractor{}, []byte("definitely not a zip"))
		assert.Error(t, err)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := dfupackage.Load(dfupackage.ZipExtractor{}, buildZip(t, map[string]string{"manifest.json": "{"}))
		assert.Error(t, err)
	})
}

func TestImage_MissingFile(t *testing.T) {
	buf := buildZip(t, map[string]string{
		"manifest.json": appManifest,
		"app.dat":       "init",
	})

	pkg, err := dfupackage.Load(dfupackage.ZipExtractor{}, buf)
	require.NoError(t, err)

	_, err = pkg.AppImage()
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestZipExtractor_FileSizeLimit(t *testing.T) {
	// GOAL: Verify oversized archive members are rejected instead of read into memory
	buf := buildZip(t, map[string]string{
		"manifest.json": appManifest,
		"app.dat":       "12345678",
		"app.bin":       "0123456789abcdef",
	})

	pkg, err := dfupackage.Load(dfupackage.ZipExtractor{MaxFileSize: 128}, buf)
	require.NoError(t, err)
	_, err = pkg.AppImage()
	require.NoError(t, err, "members within the limit MUST load")

	archive, err := dfupackage.ZipExtractor{MaxFileSize: 8}.Load(buf)
	require.NoError(t, err)

	data, err := archive.ReadFile("app.dat")
	require.NoError(t, err, "member exactly at the limit MUST load")
	assert.Equal(t, "12345678", string(data))

	_, err = archive.ReadFile("app.bin")
	assert.ErrorIs(t, err, dfupackage.ErrFileTooLarge)
}
