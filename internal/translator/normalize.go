package translator

import (
	"strings"

	"banana-mixer/internal/models"
)

// DefaultImageMIME is used for inline payloads whose vendor gives no content type.
const DefaultImageMIME = "image/png"

// Normalize maps a vendor success payload to the success envelope. It must only
// be called once the finish reason has been cleared by the classifier.
func Normalize(res *models.VendorResult, input models.RequestInput) models.UnifiedResponse {
	if res == nil {
		res = &models.VendorResult{}
	}

	data := models.ResponseData{
		Content:        res.Text,
		Description:    res.Description,
		ProviderID:     res.Provider,
		ModelID:        res.Model,
		ResponseID:     res.ID,
		FinishReason:   res.FinishReason,
		InputFileNames: input.FileNames(),
		InputFileSizes: input.FileSizes(),
	}
	if data.ModelID == "" {
		data.ModelID = input.ModelID
	}

	if res.Usage != nil {
		usage := *res.Usage
		data.Usage = &usage
	}

	if len(res.Images) > 0 {
		data.Images = make([]models.Image, 0, len(res.Images))
		for _, img := range res.Images {
			data.Images = append(data.Images, NormalizeImage(img))
		}
	}

	return models.Succeed(data)
}

// NormalizeImage resolves the display URL of one vendor image. Precedence is the
// explicit URL, then the alternate URL, then a data URI synthesized from the
// inline base64 payload. An entry with none of them keeps a null URL.
func NormalizeImage(img models.VendorImage) models.Image {
	out := models.Image{
		InlineData:    img.B64JSON,
		RevisedPrompt: img.RevisedPrompt,
		ContentType:   img.ContentType,
		FileName:      img.FileName,
		FileSize:      img.FileSize,
	}
	if u := ResolveImageURL(img); u != "" {
		out.URL = &u
	}
	return out
}

// ResolveImageURL returns the first non-empty source, or "".
func ResolveImageURL(img models.VendorImage) string {
	if u := strings.TrimSpace(img.URL); u != "" {
		return u
	}
	if u := strings.TrimSpace(img.AltURL); u != "" {
		return u
	}
	if b64 := strings.TrimSpace(img.B64JSON); b64 != "" {
		mime := DefaultImageMIME
		if strings.HasPrefix(img.ContentType, "image/") {
			mime = img.ContentType
		}
		return "data:" + mime + ";base64," + b64
	}
	return ""
}
