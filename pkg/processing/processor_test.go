package processing

import (
	"encoding/base64"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/menta2k/face-overlay/pkg/types"
)

// createTestImage creates a solid test frame
func createTestImage(width, height int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestEncodeAndDecode(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(40, 30, color.RGBA{200, 10, 10, 255})

	jpg, err := p.EncodeJPEG(img, 90)
	if err != nil {
		t.Fatalf("EncodeJPEG failed: %v", err)
	}
	decoded, err := p.DecodeImage(jpg)
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if decoded.Bounds().Dx() != 40 || decoded.Bounds().Dy() != 30 {
		t.Errorf("Unexpected decoded bounds %v", decoded.Bounds())
	}

	if _, err := p.DecodeImage([]byte("not an image")); err == nil {
		t.Error("Expected error decoding garbage")
	}
}

func TestPrepareImageForModelResizes(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(800, 400, color.RGBA{0, 0, 255, 255})

	b64, err := p.PrepareImageForModel(img, "png", 200, 80)
	if err != nil {
		t.Fatalf("PrepareImageForModel failed: %v", err)
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("Invalid base64: %v", err)
	}
	decoded, err := p.DecodeImage(data)
	if err != nil {
		t.Fatalf("DecodeImage failed: %v", err)
	}
	if decoded.Bounds().Dx() != 200 || decoded.Bounds().Dy() != 100 {
		t.Errorf("Expected 200x100, got %v", decoded.Bounds())
	}
}

func TestCompositeDrawsOverlayOnScaledFrame(t *testing.T) {
	p := NewProcessor()
	frame := createTestImage(64, 48, color.RGBA{0, 0, 0, 255})

	overlay := image.NewNRGBA(image.Rect(0, 0, 32, 24))
	overlay.SetNRGBA(5, 5, color.NRGBA{255, 0, 0, 255})

	out := p.Composite(frame, overlay, types.Dimensions{Width: 32, Height: 24})
	if out.Bounds().Dx() != 32 || out.Bounds().Dy() != 24 {
		t.Fatalf("Expected 32x24 composite, got %v", out.Bounds())
	}
	if got := out.NRGBAAt(5, 5); got.R != 255 || got.G != 0 {
		t.Errorf("Expected overlay pixel, got %v", got)
	}
	if got := out.NRGBAAt(10, 10); got.R != 0 || got.A != 255 {
		t.Errorf("Expected opaque frame pixel, got %v", got)
	}
}

func TestSaveAndLoadImage(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(20, 20, color.RGBA{10, 200, 10, 255})
	dir := t.TempDir()

	for _, format := range []string{"jpg", "png", "webp"} {
		path := filepath.Join(dir, "out."+format)
		if err := p.SaveImage(img, path, format, 90, format == "webp"); err != nil {
			t.Fatalf("SaveImage(%s) failed: %v", format, err)
		}
		loaded, err := p.LoadImageSmart(path)
		if err != nil {
			t.Fatalf("LoadImage(%s) failed: %v", format, err)
		}
		if loaded.Bounds().Dx() != 20 {
			t.Errorf("%s: unexpected bounds %v", format, loaded.Bounds())
		}
	}
}

func TestLoadImageFromURL(t *testing.T) {
	p := NewProcessor()
	png, err := p.EncodePNG(createTestImage(8, 8, color.White))
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/text" {
			w.Header().Set("Content-Type", "text/plain")
			w.Write([]byte("hello"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	}))
	defer srv.Close()

	img, err := p.LoadImageSmart(srv.URL + "/face.png")
	if err != nil {
		t.Fatalf("LoadImageSmart failed: %v", err)
	}
	if img.Bounds().Dx() != 8 {
		t.Errorf("Unexpected bounds %v", img.Bounds())
	}

	if _, err := p.LoadImageFromURL(srv.URL + "/text"); err == nil {
		t.Error("Expected error for non-image content type")
	}
	if _, err := p.LoadImageFromURL("ftp://example.com/a.png"); err == nil {
		t.Error("Expected error for unsupported scheme")
	}
}

func TestGetImageInfoAndValidate(t *testing.T) {
	p := NewProcessor()
	img := createTestImage(100, 50, color.Black)

	info := p.GetImageInfo(img)
	if info.Width != 100 || info.Height != 50 || info.Area != 5000 || info.AspectRatio != 2 {
		t.Errorf("Unexpected info %+v", info)
	}

	if err := p.ValidateImage(img, 32); err != nil {
		t.Errorf("Expected valid image, got %v", err)
	}
	if err := p.ValidateImage(img, 64); err == nil {
		t.Error("Expected error for image below minimum size")
	}
	if err := p.ValidateImage(nil, 1); err == nil {
		t.Error("Expected error for nil image")
	}
}
