// Package segment serves the placeholder segmentation endpoint. Every request
// receives the same pre-rendered mask image.
package segment

import (
	"fmt"
	"image"
	"image/color"
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"golang.org/x/image/draw"

	"inteltrace/internal/imaging"
)

// StatusMessage is reported by the liveness route.
const StatusMessage = "Dummy LISA running"

// ResultFilename is the attachment name of every response.
const ResultFilename = "segmented.jpg"

// Handler answers segmentation requests with a fixed image.
type Handler struct {
	imagePath string
}

// NewHandler serves the JPEG at imagePath. The file is read per request so it
// can be replaced without a restart.
func NewHandler(imagePath string) *Handler {
	return &Handler{imagePath: imagePath}
}

// Register mounts POST and GET on path.
func (h *Handler) Register(e *echo.Echo, path string) {
	e.POST(path, h.Segment)
	e.GET(path, h.Status)
}

// Segment validates the form and returns the static mask.
// (POST /segment)
func (h *Handler) Segment(c echo.Context) error {
	if _, err := c.FormFile("image"); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "field 'image' is required")
	}
	if c.FormValue("prompt") == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "field 'prompt' is required")
	}

	if _, err := os.Stat(h.imagePath); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "segmentation image unavailable")
	}
	c.Response().Header().Set(echo.HeaderContentType, "image/jpeg")
	return c.Attachment(h.imagePath, ResultFilename)
}

// Status reports that the stub is alive.
// (GET /segment)
func (h *Handler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": StatusMessage})
}

// NewServer builds the standalone stub: POST /segment and GET /.
func NewServer(imagePath string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	h := NewHandler(imagePath)
	e.POST("/segment", h.Segment)
	e.GET("/", h.Status)
	return e
}

// EnsurePlaceholder writes a synthetic mask to path unless a file is already
// there. It reports whether a file was created.
func EnsurePlaceholder(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create image dir: %w", err)
	}
	data, err := imaging.EncodeJPEG(placeholder(512, 512))
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("write placeholder: %w", err)
	}
	return true, nil
}

// placeholder draws a dark frame with a bright rectangular mask in the centre.
func placeholder(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 24, G: 32, B: 28, A: 255}), image.Point{}, draw.Src)
	mask := image.Rect(w/3, h/3, 2*w/3, 2*h/3)
	draw.Draw(img, mask, image.NewUniform(color.RGBA{R: 240, G: 64, B: 48, A: 255}), image.Point{}, draw.Src)
	return img
}
