// Package dfupackage reads Nordic DFU packages: a manifest.json describing the
// images plus the init (.dat) and firmware (.bin) files it names.
package dfupackage

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Image types as named in the manifest.
const (
	TypeApplication          = "application"
	TypeSoftdevice           = "softdevice"
	TypeBootloader           = "bootloader"
	TypeSoftdeviceBootloader = "softdevice_bootloader"
)

const manifestFile = "manifest.json"

var (
	ErrNoManifest = errors.New("unable to find manifest, is this a proper DFU package?")
	ErrNoImage    = errors.New("no image of the requested type in package")
)

// Archive gives access to the files of a loaded package buffer.
type Archive interface {
	ReadFile(name string) ([]byte, error)
}

// Extractor opens package buffers.
type Extractor interface {
	Load(buf []byte) (Archive, error)
}

// ManifestEntry names the files of one image.
type ManifestEntry struct {
	DatFile string `json:"dat_file"`
	BinFile string `json:"bin_file"`
}

type manifestDoc struct {
	Manifest map[string]ManifestEntry `json:"manifest"`
}

// Image is one init packet plus firmware pair.
type Image struct {
	Type      string
	InitFile  string
	ImageFile string
	InitData  []byte
	ImageData []byte
}

// Package is a parsed DFU package.
type Package struct {
	archive  Archive
	manifest map[string]ManifestEntry
}

// Load opens buf with extractor and parses its manifest.
func Load(extractor Extractor, buf []byte) (*Package, error) {
	archive, err := extractor.Load(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to open DFU package: %w", err)
	}

	raw, err := archive.ReadFile(manifestFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoManifest, err)
	}

	var doc manifestDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", manifestFile, err)
	}
	if doc.Manifest == nil {
		return nil, ErrNoManifest
	}

	return &Package{archive: archive, manifest: doc.Manifest}, nil
}

// Types returns the image types listed in the manifest.
func (p *Package) Types() []string {
	var types []string
	for _, t := range []string{TypeApplication, TypeSoftdevice, TypeBootloader, TypeSoftdeviceBootloader} {
		if _, ok := p.manifest[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// Image returns the first image whose type appears in the manifest, trying
// types in order. ErrNoImage is returned when none of them is present.
func (p *Package) Image(types ...string) (*Image, error) {
	for _, t := range types {
		entry, ok := p.manifest[t]
		if !ok {
			continue
		}

		img := &Image{Type: t, InitFile: entry.DatFile, ImageFile: entry.BinFile}

		var err error
		if img.InitData, err = p.archive.ReadFile(entry.DatFile); err != nil {
			return nil, fmt.Errorf("failed to read %s init packet: %w", t, err)
		}
		if img.ImageData, err = p.archive.ReadFile(entry.BinFile); err != nil {
			return nil, fmt.Errorf("failed to read %s firmware: %w", t, err)
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoImage, types)
}

// AppImage returns the application image.
func (p *Package) AppImage() (*Image, error) {
	return p.Image(TypeApplication)
}

// BaseImage returns the softdevice and/or bootloader image.
func (p *Package) BaseImage() (*Image, error) {
	return p.Image(TypeSoftdevice, TypeBootloader, TypeSoftdeviceBootloader)
}
