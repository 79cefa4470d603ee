// Package compose layers a character image over a background into one
// scene. Composition is deterministic: identical inputs give identical PNG
// bytes.
package compose

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Position places the character box on the canvas.
type Position string

const (
	PositionCenter       Position = "center"
	PositionLeft         Position = "left"
	PositionRight        Position = "right"
	PositionBottomCenter Position = "bottom_center"
	PositionTopCenter    Position = "top_center"
)

// Defaults for Options.
const (
	DefaultWidth          = 1024
	DefaultHeight         = 768
	DefaultCharacterRatio = 0.4
	DefaultAspect         = 1.2
	DefaultFade           = 20
	edgeMargin            = 50
)

// Neutral is the canvas colour used when no background exists.
var Neutral = color.RGBA{R: 236, G: 232, B: 224, A: 255}

// ErrNothingToCompose is returned when both layers are absent.
var ErrNothingToCompose = errors.New("nothing to compose: both images are absent")

// Options configures a Composer. Zero values take the defaults.
type Options struct {
	Width  int
	Height int
	// CharacterRatio is the character box width as a share of canvas width.
	CharacterRatio float64
	// Aspect is the character box height divided by its width.
	Aspect   float64
	Position Position
	// Fade is the width in pixels of the character's soft edge. Negative
	// disables it.
	Fade       int
	Background color.RGBA
}

// Composer composes scenes.
type Composer struct {
	opts Options
}

// New creates a Composer.
func New(opts Options) *Composer {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	if opts.Height <= 0 {
		opts.Height = DefaultHeight
	}
	if opts.CharacterRatio <= 0 || opts.CharacterRatio > 1 {
		opts.CharacterRatio = DefaultCharacterRatio
	}
	if opts.Aspect <= 0 {
		opts.Aspect = DefaultAspect
	}
	if opts.Position == "" {
		opts.Position = PositionCenter
	}
	if opts.Fade == 0 {
		opts.Fade = DefaultFade
	}
	if opts.Background.A == 0 {
		opts.Background = Neutral
	}
	return &Composer{opts: opts}
}

// Size returns the canvas size.
func (c *Composer) Size() (int, int) {
	return c.opts.Width, c.opts.Height
}

// Compose decodes both layers, composes them and encodes the result as PNG.
// A nil layer is absent. With no character the result is the background
// normalised to the canvas; with no background the character is fitted whole
// onto the neutral canvas.
func (c *Composer) Compose(character, background []byte) ([]byte, error) {
	if len(character) == 0 && len(background) == 0 {
		return nil, ErrNothingToCompose
	}
	var charImg, bgImg image.Image
	var err error
	if len(character) > 0 {
		if charImg, err = Decode(character); err != nil {
			return nil, fmt.Errorf("failed to decode character image: %w", err)
		}
	}
	if len(background) > 0 {
		if bgImg, err = Decode(background); err != nil {
			return nil, fmt.Errorf("failed to decode background image: %w", err)
		}
	}
	out, err := c.ComposeImages(charImg, bgImg)
	if err != nil {
		return nil, err
	}
	return Encode(out)
}

// Normalize resizes one encoded image onto the canvas and re-encodes it.
func (c *Composer) Normalize(data []byte) ([]byte, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return Encode(fill(img, c.opts.Width, c.opts.Height))
}

// ComposeImages composes decoded layers. A nil layer is absent. The
// character box and soft edge apply only when there is a background to blend
// into.
func (c *Composer) ComposeImages(character, background image.Image) (*image.RGBA, error) {
	if character == nil && background == nil {
		return nil, ErrNothingToCompose
	}

	if background == nil {
		// A lone character is the whole scene: fitted to the canvas, unmasked.
		canvas := image.NewRGBA(image.Rect(0, 0, c.opts.Width, c.opts.Height))
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(c.opts.Background), image.Point{}, draw.Src)
		draw.CatmullRom.Scale(canvas, fitRect(character.Bounds(), c.opts.Width, c.opts.Height), character, character.Bounds(), draw.Over, nil)
		return canvas, nil
	}

	canvas := fill(background, c.opts.Width, c.opts.Height)
	if character == nil {
		return canvas, nil
	}

	cw := int(float64(c.opts.Width) * c.opts.CharacterRatio)
	ch := int(float64(cw) * c.opts.Aspect)
	ch = min(ch, c.opts.Height)
	layer := fill(character, cw, ch)

	at := c.position(cw, ch)
	r := image.Rect(at.X, at.Y, at.X+cw, at.Y+ch)
	if c.opts.Fade > 0 {
		draw.DrawMask(canvas, r, layer, image.Point{}, softMask(cw, ch, c.opts.Fade), image.Point{}, draw.Over)
	} else {
		draw.Draw(canvas, r, layer, image.Point{}, draw.Over)
	}
	return canvas, nil
}

func (c *Composer) position(cw, ch int) image.Point {
	w, h := c.opts.Width, c.opts.Height
	center := image.Pt((w-cw)/2, (h-ch)/2)
	switch c.opts.Position {
	case PositionLeft:
		return image.Pt(w/6, center.Y)
	case PositionRight:
		return image.Pt(w-cw-w/6, center.Y)
	case PositionBottomCenter:
		return image.Pt(center.X, max(h-ch-edgeMargin, 0))
	case PositionTopCenter:
		return image.Pt(center.X, min(edgeMargin, h-ch))
	default:
		return center
	}
}

// fill scales src to cover w x h keeping its aspect ratio, then crops the
// overflow around the centre.
func fill(src image.Image, w, h int) *image.RGBA {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if sw == 0 || sh == 0 {
		return dst
	}

	// Compare sw/sh with w/h without floating point.
	var scaledW, scaledH int
	if sw*h > w*sh {
		scaledH = h
		scaledW = sw * h / sh
	} else {
		scaledW = w
		scaledH = sh * w / sw
	}
	scaledW = max(scaledW, w)
	scaledH = max(scaledH, h)

	offX := (scaledW - w) / 2
	offY := (scaledH - h) / 2
	target := image.Rect(-offX, -offY, scaledW-offX, scaledH-offY)
	draw.CatmullRom.Scale(dst, target, src, b, draw.Src, nil)
	return dst
}

// fitRect is the largest rectangle with src's aspect ratio that fits inside
// w x h, centred.
func fitRect(src image.Rectangle, w, h int) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw == 0 || sh == 0 {
		return image.Rectangle{}
	}
	tw, th := w, h
	if sw*h > w*sh {
		th = max(sh*w/sw, 1)
	} else {
		tw = max(sw*h/sh, 1)
	}
	x, y := (w-tw)/2, (h-th)/2
	return image.Rect(x, y, x+tw, y+th)
}

// softMask fades alpha linearly from 0 at the border to opaque at fade
// pixels inside.
func softMask(w, h, fade int) *image.Alpha {
	m := image.NewAlpha(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			d := min(x, y, w-1-x, h-1-y)
			a := uint8(255)
			if d < fade {
				a = uint8(255 * d / fade)
			}
			m.Pix[y*m.Stride+x] = a
		}
	}
	return m
}

// Decode decodes a PNG, JPEG or WebP image.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return img, nil
}

// Encode encodes img as PNG with fixed settings.
func Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
