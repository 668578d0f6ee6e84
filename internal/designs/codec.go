package designs

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

// Container codec, version 1.
//
// A design body is a msgpack document: mMeta carries the display metadata,
// mData carries an indexed palette (15 colors, index 15 implicitly
// transparent) and per-layer pixel data packed two 4-bit palette indices per
// byte. Every layer is a 32x32 tile. The binary format is upstream's;
// changes to it stay inside this file.

const (
	// PaletteSize is the maximum number of explicit colors in a design.
	PaletteSize = 15

	// TileWidth and TileHeight are the fixed dimensions of one design layer.
	TileWidth  = 32
	TileHeight = 32

	transparentIndex = PaletteSize
	packedLayerSize  = TileWidth * TileHeight / 2
)

// ContainerMeta is the display metadata attached to a design body.
type ContainerMeta struct {
	IslandName string `msgpack:"mMtVNm"`
	DesignName string `msgpack:"mMtDNm"`
	TypeCode   int    `msgpack:"mMtUse"`
	Pro        bool   `msgpack:"mMtPro"`
}

// DecodedLayer is one internal layer expanded to a PNG image.
type DecodedLayer struct {
	Index int
	PNG   []byte
}

// Container is a fully decoded design body.
type Container struct {
	Meta    ContainerMeta
	Layers  []DecodedLayer
	Preview []byte
}

type containerImageData struct {
	Palette map[string]uint32 `msgpack:"mPalette"`
	Layers  map[string][]byte `msgpack:"mData"`
}

type containerBody struct {
	Meta    ContainerMeta      `msgpack:"mMeta"`
	Data    containerImageData `msgpack:"mData"`
	Preview []byte             `msgpack:"preview_image"`
}

// DecodeContainer decodes a design body into named layer images.
func DecodeContainer(data []byte) (*Container, error) {
	var body containerBody
	if err := msgpack.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("container is not valid msgpack: %w", err)
	}
	if len(body.Data.Layers) == 0 {
		return nil, fmt.Errorf("container has no layer data")
	}

	palette, err := buildPalette(body.Data.Palette)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(body.Data.Layers))
	for key := range body.Data.Layers {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("container layer key %q is not an index", key)
		}
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	out := &Container{Meta: body.Meta, Preview: body.Preview}
	for _, idx := range indices {
		packed := body.Data.Layers[strconv.Itoa(idx)]
		img, err := unpackLayer(palette, packed)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", idx, err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("layer %d: encoding png: %w", idx, err)
		}
		out.Layers = append(out.Layers, DecodedLayer{Index: idx, PNG: buf.Bytes()})
	}
	return out, nil
}

// buildPalette maps palette indices to colors. Colors are stored RGBA packed
// big-endian in a uint32. Index 15 and any unset index are transparent.
func buildPalette(raw map[string]uint32) ([transparentIndex + 1]color.NRGBA, error) {
	var palette [transparentIndex + 1]color.NRGBA
	for key, packed := range raw {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx > transparentIndex {
			return palette, fmt.Errorf("palette index %q out of range", key)
		}
		if idx == transparentIndex {
			continue
		}
		palette[idx] = color.NRGBA{
			R: uint8(packed >> 24),
			G: uint8(packed >> 16),
			B: uint8(packed >> 8),
			A: uint8(packed),
		}
	}
	return palette, nil
}

// unpackLayer expands 4bpp packed pixels into a tile image. The low nibble
// of each byte is the first pixel of the pair.
func unpackLayer(palette [transparentIndex + 1]color.NRGBA, packed []byte) (*image.NRGBA, error) {
	if len(packed) != packedLayerSize {
		return nil, fmt.Errorf("packed pixel data is %d bytes, want %d", len(packed), packedLayerSize)
	}

	img := image.NewNRGBA(image.Rect(0, 0, TileWidth, TileHeight))
	for i, b := range packed {
		first := palette[b&0x0F]
		second := palette[b>>4]

		x := (i * 2) % TileWidth
		y := (i * 2) / TileWidth
		img.SetNRGBA(x, y, first)
		img.SetNRGBA(x+1, y, second)
	}
	return img, nil
}
