package imaging

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/bep/imagemeta"

	"inteltrace/pkg/models"
)

var wantedEXIF = map[string]bool{
	"Make":             true,
	"Model":            true,
	"Software":         true,
	"DateTimeOriginal": true,
	"DateTime":         true,
}

// metaFormats maps image.Decode format names to the formats imagemeta reads.
// GIF carries no EXIF and is skipped.
var metaFormats = map[string]imagemeta.ImageFormat{
	"jpeg": imagemeta.JPEG,
	"png":  imagemeta.PNG,
	"webp": imagemeta.WebP,
}

// Metadata builds the stored metadata for an upload. The result always
// carries format and size; EXIF fields are filled when present. A non-nil
// error means the EXIF block could not be read and the fields decoded so far
// are kept.
func Metadata(data []byte, d *Decoded) (*models.ImageMetadata, error) {
	meta := &models.ImageMetadata{Format: d.Format, Width: d.Width, Height: d.Height}
	format, ok := metaFormats[d.Format]
	if !ok || len(data) == 0 {
		return meta, nil
	}

	_, err := imagemeta.Decode(imagemeta.Options{
		R:           bytes.NewReader(data),
		ImageFormat: format,
		Sources:     imagemeta.EXIF,
		ShouldHandleTag: func(ti imagemeta.TagInfo) bool {
			return wantedEXIF[ti.Tag]
		},
		HandleTag: func(ti imagemeta.TagInfo) error {
			s := tagString(ti.Value)
			switch ti.Tag {
			case "Make":
				meta.Make = s
			case "Model":
				meta.Model = s
			case "Software":
				meta.Software = s
			case "DateTimeOriginal":
				meta.DateTime = s
			case "DateTime":
				if meta.DateTime == "" {
					meta.DateTime = s
				}
			}
			return nil
		},
	})
	if err != nil {
		return meta, fmt.Errorf("read %s exif: %w", d.Format, err)
	}
	return meta, nil
}

func tagString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case []byte:
		return strings.TrimSpace(string(t))
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
