// Package render composes the welcome image: a template overlay with two
// independently centered text blocks.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/lucasb-eyer/go-colorful"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"welcomebot/internal/sheet"
)

const (
	DefaultFontSize = 40
	// Fallback is drawn for optional fields missing from the record.
	Fallback = "N/A"

	headlineLift  = 100 // headline top sits this far above the vertical center
	detailsOffset = 60  // details top sits this far below the headline top
	lineSpacing   = 4
)

type Config struct {
	TemplatePath string
	FontPath     string
	FontSize     float64
	OutputDir    string
	Color        color.Color
	Fields       sheet.Fields
}

// Artifact is a rendered welcome image on disk.
type Artifact struct {
	Path   string
	Width  int
	Height int
}

// RenderError reports a missing or corrupt template or font.
type RenderError struct {
	Asset string // "template" | "font"
	Path  string
	Err   error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render: %s %q: %v", e.Asset, e.Path, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// IOError reports that the artifact could not be written.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("render: %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

type Renderer struct {
	cfg Config
}

func New(cfg Config) *Renderer {
	if cfg.FontSize <= 0 {
		cfg.FontSize = DefaultFontSize
	}
	if cfg.Color == nil {
		cfg.Color = color.Black
	}
	if strings.TrimSpace(cfg.OutputDir) == "" {
		cfg.OutputDir = "output"
	}
	cfg.Fields = cfg.Fields.WithDefaults()
	return &Renderer{cfg: cfg}
}

func (r *Renderer) Config() Config { return r.cfg }

// OutputPath is where Render writes the artifact for name.
func (r *Renderer) OutputPath(name string) string {
	return filepath.Join(r.cfg.OutputDir, "welcome_"+Slug(name)+".png")
}

// Headline is the first text block.
func Headline(rec sheet.Record, f sheet.Fields) string {
	return fmt.Sprintf("Welcome, %s!", rec.ValueOr(f.Name, Fallback))
}

// Details is the second text block. Leading and separating blank lines are
// part of the layout.
func Details(rec sheet.Record, f sheet.Fields) string {
	return fmt.Sprintf("\n\nJoining Date: %s\n\n\nMentor: %s\n\n\nDepartment: %s\n\n\nDuration: %s months",
		rec.ValueOr(f.JoiningDate, Fallback),
		rec.ValueOr(f.Mentor, Fallback),
		rec.ValueOr(f.Department, Fallback),
		rec.ValueOr(f.Duration, Fallback),
	)
}

// Render draws rec onto a copy of the template and writes the PNG.
// The template file is only read.
func (r *Renderer) Render(rec sheet.Record) (Artifact, error) {
	img, err := r.Compose(rec)
	if err != nil {
		return Artifact{}, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Artifact{}, &IOError{Op: "encode", Path: r.cfg.OutputDir, Err: err}
	}

	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return Artifact{}, &IOError{Op: "mkdir", Path: r.cfg.OutputDir, Err: err}
	}
	path := r.OutputPath(rec.ValueOr(r.cfg.Fields.Name, Fallback))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return Artifact{}, &IOError{Op: "write", Path: path, Err: err}
	}

	b := img.Bounds()
	return Artifact{Path: path, Width: b.Dx(), Height: b.Dy()}, nil
}

// Compose returns the rendered image without writing it.
func (r *Renderer) Compose(rec sheet.Record) (*image.RGBA, error) {
	tmpl, err := loadTemplate(r.cfg.TemplatePath)
	if err != nil {
		return nil, err
	}
	face, err := loadFace(r.cfg.FontPath, r.cfg.FontSize)
	if err != nil {
		return nil, err
	}
	defer face.Close()

	b := tmpl.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, tmpl, b.Min, draw.Src)

	headline := Headline(rec, r.cfg.Fields)
	details := Details(rec, r.cfg.Fields)

	hw, _ := measure(face, headline)
	dw, _ := measure(face, details)

	w, h := b.Dx(), b.Dy()
	xHead := (w - hw) / 2
	yHead := h/2 - headlineLift
	xDetails := (w - dw) / 2
	yDetails := yHead + detailsOffset

	src := image.NewUniform(r.cfg.Color)
	drawBlock(canvas, face, src, b.Min.X+xHead, b.Min.Y+yHead, headline)
	drawBlock(canvas, face, src, b.Min.X+xDetails, b.Min.Y+yDetails, details)
	return canvas, nil
}

func loadTemplate(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &RenderError{Asset: "template", Path: path, Err: err}
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, &RenderError{Asset: "template", Path: path, Err: err}
	}
	return img, nil
}

func loadFace(path string, size float64) (font.Face, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &RenderError{Asset: "font", Path: path, Err: err}
	}
	fnt, err := opentype.Parse(b)
	if err != nil {
		return nil, &RenderError{Asset: "font", Path: path, Err: err}
	}
	face, err := opentype.NewFace(fnt, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, &RenderError{Asset: "font", Path: path, Err: err}
	}
	return face, nil
}

func lineHeight(face font.Face) int {
	return face.Metrics().Height.Ceil() + lineSpacing
}

// measure returns the pixel width (widest line) and height of a multi-line block.
func measure(face font.Face, text string) (int, int) {
	lines := strings.Split(text, "\n")
	width := 0
	for _, ln := range lines {
		if w := font.MeasureString(face, ln).Ceil(); w > width {
			width = w
		}
	}
	return width, len(lines) * lineHeight(face)
}

func drawBlock(dst draw.Image, face font.Face, src image.Image, x, top int, text string) {
	ascent := face.Metrics().Ascent.Ceil()
	lh := lineHeight(face)
	d := &font.Drawer{Dst: dst, Src: src, Face: face}
	for i, ln := range strings.Split(text, "\n") {
		if ln == "" {
			continue
		}
		d.Dot = fixed.P(x, top+ascent+i*lh)
		d.DrawString(ln)
	}
}

// ParseColor parses "#rrggbb" (or "#rgb"). Blank means black.
func ParseColor(hex string) (color.Color, error) {
	hex = strings.TrimSpace(hex)
	if hex == "" {
		return color.Black, nil
	}
	if !strings.HasPrefix(hex, "#") {
		hex = "#" + hex
	}
	c, err := colorful.Hex(hex)
	if err != nil {
		return nil, fmt.Errorf("invalid color %q: %w", hex, err)
	}
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 0xff}, nil
}

// Slug makes a filesystem-safe file stem: lowercase, spaces and unsafe
// characters become '_'.
func Slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "unnamed"
	}
	return out
}
