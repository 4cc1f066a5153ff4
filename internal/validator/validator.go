// Package validator turns raw multipart input into a models.RequestInput or a
// validation failure. It never performs network I/O.
package validator

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	_ "golang.org/x/image/webp"

	"banana-mixer/internal/models"
)

// Defaults applied when a Validator is built with zero limits.
const (
	DefaultMaxImages     = 5
	DefaultMaxImageBytes = 10 << 20
)

// ModelMatcher reports whether a model id has a registered route.
type ModelMatcher interface {
	Supports(modelID string) bool
}

// Form is the raw input of an edit request.
type Form struct {
	Prompt string
	Model  string
	Files  []*multipart.FileHeader
}

// Error carries the failure record of a rejected request.
type Error struct {
	Info models.ErrorInfo
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Info.Code, e.Info.Details)
}

func fail(code, title, message, details string) *Error {
	return &Error{Info: models.Validation(code, title, message, details)}
}

// UnknownModel is the failure for a model id no route accepts.
func UnknownModel(modelID string) models.ErrorInfo {
	return models.Validation("UNKNOWN_MODEL", "Unknown Model", "Unknown model specified",
		fmt.Sprintf("Model %q is not supported", modelID))
}

// Validator checks edit requests against the routing table and upload limits.
type Validator struct {
	models        ModelMatcher
	maxImages     int
	maxImageBytes int64
}

// New constructs a validator. Non-positive limits fall back to the defaults.
func New(m ModelMatcher, maxImages int, maxImageBytes int64) *Validator {
	if maxImages <= 0 {
		maxImages = DefaultMaxImages
	}
	if maxImageBytes <= 0 {
		maxImageBytes = DefaultMaxImageBytes
	}
	return &Validator{models: m, maxImages: maxImages, maxImageBytes: maxImageBytes}
}

// Validate checks form and reads its images into memory. The returned error is
// always an *Error.
func (v *Validator) Validate(form Form) (models.RequestInput, error) {
	if len(form.Files) == 0 {
		return models.RequestInput{}, fail("NO_IMAGES", "No Images", "No image files provided",
			"Please upload at least one image")
	}
	prompt := strings.TrimSpace(form.Prompt)
	if prompt == "" {
		return models.RequestInput{}, fail("NO_PROMPT", "No Prompt", "No prompt provided",
			"Please provide a description of what you want to do with the images")
	}
	modelID := strings.TrimSpace(form.Model)
	if modelID == "" {
		return models.RequestInput{}, fail("NO_MODEL", "No Model", "No model specified",
			"Please select a model to process the images")
	}
	if v.models == nil || !v.models.Supports(modelID) {
		return models.RequestInput{}, &Error{Info: UnknownModel(modelID)}
	}

	if len(form.Files) > v.maxImages {
		return models.RequestInput{}, fail("TOO_MANY_IMAGES", "Too Many Images",
			fmt.Sprintf("At most %d images can be uploaded", v.maxImages),
			fmt.Sprintf("Received %d images", len(form.Files)))
	}

	images := make([]models.ImageBlob, 0, len(form.Files))
	for _, fh := range form.Files {
		blob, err := v.readImage(fh)
		if err != nil {
			return models.RequestInput{}, err
		}
		images = append(images, blob)
	}

	return models.RequestInput{
		Prompt:  form.Prompt,
		Images:  images,
		ModelID: modelID,
	}, nil
}

// ValidatePrompt checks the message of a text generation request.
func ValidatePrompt(message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fail("NO_PROMPT", "No Prompt", "No prompt provided", "Message is required")
	}
	return message, nil
}

func (v *Validator) readImage(fh *multipart.FileHeader) (models.ImageBlob, *Error) {
	if fh.Size > v.maxImageBytes {
		return models.ImageBlob{}, tooLarge(fh.Filename, v.maxImageBytes)
	}

	f, err := fh.Open()
	if err != nil {
		return models.ImageBlob{}, fail("UNREADABLE_IMAGE", "Unreadable Image",
			"An uploaded image could not be read", fmt.Sprintf("%s: %v", fh.Filename, err))
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, v.maxImageBytes+1))
	if err != nil {
		return models.ImageBlob{}, fail("UNREADABLE_IMAGE", "Unreadable Image",
			"An uploaded image could not be read", fmt.Sprintf("%s: %v", fh.Filename, err))
	}
	if int64(len(data)) > v.maxImageBytes {
		return models.ImageBlob{}, tooLarge(fh.Filename, v.maxImageBytes)
	}
	if len(data) == 0 {
		return models.ImageBlob{}, fail("EMPTY_IMAGE", "Empty Image",
			"An uploaded image is empty", fmt.Sprintf("%s contains no data", fh.Filename))
	}

	mimeType, ok := imageMIME(fh.Header.Get("Content-Type"), data)
	if !ok {
		return models.ImageBlob{}, fail("INVALID_IMAGE_TYPE", "Invalid Image Type",
			"Only image files can be uploaded", fmt.Sprintf("%s is not a supported image", fh.Filename))
	}

	return models.ImageBlob{FileName: fh.Filename, MimeType: mimeType, Data: data}, nil
}

func tooLarge(name string, limit int64) *Error {
	return fail("IMAGE_TOO_LARGE", "Image Too Large",
		fmt.Sprintf("Each image must be at most %d MB", limit>>20),
		fmt.Sprintf("%s exceeds %d bytes", name, limit))
}

// imageMIME keeps a declared image/* type and otherwise sniffs the content.
func imageMIME(declared string, data []byte) (string, bool) {
	declared = strings.TrimSpace(strings.Split(declared, ";")[0])
	if strings.HasPrefix(declared, "image/") {
		return declared, true
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		return "image/" + format, true
	}
	if sniffed := http.DetectContentType(data); strings.HasPrefix(sniffed, "image/") {
		return sniffed, true
	}
	return "", false
}
